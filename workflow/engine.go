// Package workflow implements the eligibility workflow engine: the
// scheduler that moves applications through the state machine, fans
// stage jobs out over the queue, folds their results back in under a
// per-application lease, and applies the retry, cancellation and
// partial-success policy.
//
// The engine has no long-running loop. It is invoked synchronously by
// the HTTP surface (user actions) and by queue handlers (stage
// completions); every suspension point is external I/O.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/civistack/benefitflow/stage"
	"github.com/civistack/benefitflow/storage"
	"github.com/civistack/benefitflow/upstream"
	"github.com/civistack/benefitflow/workflow/decision"
	"github.com/civistack/benefitflow/workflow/emit"
	"github.com/civistack/benefitflow/workflow/queue"
	"github.com/civistack/benefitflow/workflow/state"
	"github.com/civistack/benefitflow/workflow/store"
)

// ErrNotOwner is returned when an operation references an application
// the caller does not own.
var ErrNotOwner = errors.New("workflow: application not owned by caller")

// ErrAlreadyRunning is returned by BeginProcessing while stage jobs
// are in flight.
var ErrAlreadyRunning = errors.New("workflow: processing already running")

// ErrTerminal is returned when an operation is not allowed on a
// terminal application.
var ErrTerminal = errors.New("workflow: application is terminal")

// errLeaseHeld signals that another worker holds the advance lease.
// Internal to the completion path.
var errLeaseHeld = errors.New("workflow: advance lease held")

// Config carries the engine's operational knobs. Zero values fall
// back to the documented defaults.
type Config struct {
	OCRTimeout      time.Duration // default 60s
	ExtractTimeout  time.Duration // default 90s
	DecisionTimeout time.Duration // default 60s
	MaxFileSize     int64         // default 50 MiB
	MaxAttempts     int           // default 3
	BackoffBase     time.Duration // default 500ms
	BackoffMax      time.Duration // default 30s
	LeaseTTL        time.Duration // default 30s
	Thresholds      decision.Thresholds
}

func (c Config) withDefaults() Config {
	if c.OCRTimeout == 0 {
		c.OCRTimeout = 60 * time.Second
	}
	if c.ExtractTimeout == 0 {
		c.ExtractTimeout = 90 * time.Second
	}
	if c.DecisionTimeout == 0 {
		c.DecisionTimeout = 60 * time.Second
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 52428800
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 30 * time.Second
	}
	return c
}

// Upstreams bundles the external model clients.
type Upstreams struct {
	OCR      upstream.OCRClient
	Extract  upstream.ExtractClient
	Decision upstream.DecisionClient
}

// Engine is the workflow scheduler.
type Engine struct {
	store    store.Store
	queue    queue.Queue
	blobs    storage.BlobStore
	emitter  emit.Emitter
	metrics  *Metrics
	logger   *slog.Logger
	cfg      Config
	workerID string
	now      func() time.Time

	ocr     *stage.OCR
	extract *stage.Extract
	decide  *stage.Decide
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithEmitter installs an observability emitter. Default is the null
// emitter.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics installs Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithWorkerID fixes the worker identity prefixed onto lease holder
// ids. Default is a random UUID per process.
func WithWorkerID(id string) Option {
	return func(e *Engine) { e.workerID = id }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over its collaborators.
func New(st store.Store, q queue.Queue, blobs storage.BlobStore, up Upstreams, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		queue:    q,
		blobs:    blobs,
		emitter:  emit.NewNullEmitter(),
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		workerID: uuid.NewString(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()

	e.ocr = &stage.OCR{Blobs: blobs, Client: up.OCR, Timeout: e.cfg.OCRTimeout}
	e.extract = &stage.Extract{Blobs: blobs, Client: up.Extract, Timeout: e.cfg.ExtractTimeout}
	e.decide = &stage.Decide{Client: up.Decision, Thresholds: e.cfg.Thresholds, Timeout: e.cfg.DecisionTimeout}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// StartApplication validates the form, creates the application and
// moves it to FORM_SUBMITTED.
func (e *Engine) StartApplication(ctx context.Context, ownerID string, form store.FormData) (*store.Application, error) {
	if err := ValidateForm(form); err != nil {
		return nil, err
	}
	app, err := e.store.CreateApplication(ctx, ownerID, form)
	if err != nil {
		return nil, fmt.Errorf("create application: %w", err)
	}
	if err := e.transition(ctx, app.ID, state.Draft, state.FormSubmitted, store.StepInput{
		Name:    "FORM_SUBMITTED",
		Message: state.StepMessage(state.FormSubmitted),
	}); err != nil {
		return nil, err
	}
	return e.store.Load(ctx, app.ID)
}

// UploadDocuments attaches the given documents and, once both required
// kinds are present, moves FORM_SUBMITTED to DOCUMENTS_UPLOADED.
// Replacement of an existing document is allowed only while no advance
// lease is live, so a running advance never observes a swap.
func (e *Engine) UploadDocuments(ctx context.Context, ownerID, appID string, specs []store.DocumentSpec) ([]store.Document, *store.Application, error) {
	app, err := e.authorize(ctx, ownerID, appID)
	if err != nil {
		return nil, nil, err
	}
	if l := app.Lease; l != nil && e.now().Before(l.ExpiresAt) {
		return nil, nil, fmt.Errorf("%w: advance in progress", store.ErrInvalidState)
	}

	var attached []store.Document
	for _, spec := range specs {
		doc, err := e.store.AttachDocument(ctx, appID, spec)
		if err != nil {
			return attached, nil, err
		}
		attached = append(attached, *doc)
	}

	snap, err := e.store.LoadFull(ctx, appID)
	if err != nil {
		return attached, nil, err
	}
	if snap.Application.State == state.FormSubmitted && len(snap.Documents) == len(store.Kinds) {
		if err := e.transition(ctx, appID, state.FormSubmitted, state.DocumentsUploaded, store.StepInput{
			Name:    "DOCUMENTS_UPLOADED",
			Message: state.StepMessage(state.DocumentsUploaded),
		}); err != nil {
			return attached, nil, err
		}
	}
	final, err := e.store.Load(ctx, appID)
	return attached, final, err
}

// BeginProcessing moves the application into SCANNING_DOCUMENTS and
// enqueues one OCR job per document. With forceRetry it also restarts
// a PROCESSING_FAILED application, bumping the per-document attempt
// counters so stage results may be overwritten.
//
// The returned estimate is the crude worst case: remaining stages
// times their configured timeouts.
func (e *Engine) BeginProcessing(ctx context.Context, ownerID, appID string, forceRetry bool) (*store.Application, int, error) {
	app, err := e.authorize(ctx, ownerID, appID)
	if err != nil {
		return nil, 0, err
	}

	from := app.State
	switch {
	case state.IsRunning(from):
		return nil, 0, ErrAlreadyRunning
	case from == state.DocumentsUploaded:
	case from == state.ProcessingFailed && forceRetry:
	default:
		return nil, 0, fmt.Errorf("%w: begin processing in %s", store.ErrInvalidState, from)
	}

	snap, err := e.store.LoadFull(ctx, appID)
	if err != nil {
		return nil, 0, err
	}
	if err := e.transition(ctx, appID, from, state.ScanningDocuments, store.StepInput{
		Name:    "SCANNING_DOCUMENTS",
		Message: state.StepMessage(state.ScanningDocuments),
		Payload: map[string]interface{}{"force_retry": forceRetry},
	}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the race to another process call.
			return nil, 0, ErrAlreadyRunning
		}
		return nil, 0, err
	}

	for i := range snap.Documents {
		doc := &snap.Documents[i]
		if err := e.enqueueStage(ctx, queue.SubjectOCR, appID, doc.ID, store.StageOCR, doc.OCRAttempt+1); err != nil {
			e.logger.Error("enqueue ocr job", "application_id", appID, "document_id", doc.ID, "error", err)
		}
	}

	estimate := int((e.cfg.OCRTimeout + e.cfg.ExtractTimeout + e.cfg.DecisionTimeout) / time.Second)
	final, err := e.store.Load(ctx, appID)
	return final, estimate, err
}

// Cancel stops an application. Outside a running state the transition
// is immediate; while stage jobs are in flight the cancel flag is set
// and acknowledged by the next handler at a safe point.
func (e *Engine) Cancel(ctx context.Context, ownerID, appID string) (*store.Application, error) {
	app, err := e.authorize(ctx, ownerID, appID)
	if err != nil {
		return nil, err
	}
	if state.IsTerminal(app.State) {
		return nil, fmt.Errorf("%w: cancel in %s", ErrTerminal, app.State)
	}

	if state.IsRunning(app.State) {
		if err := e.store.RequestCancel(ctx, appID); err != nil {
			return nil, err
		}
		e.emitter.Emit(emit.Event{ApplicationID: appID, Msg: "cancel_requested",
			Meta: map[string]interface{}{"state": string(app.State)}})
		return e.store.Load(ctx, appID)
	}

	if !state.CanTransition(app.State, state.Cancelled) {
		return nil, fmt.Errorf("%w: cancel in %s", store.ErrInvalidState, app.State)
	}
	if err := e.transition(ctx, appID, app.State, state.Cancelled, store.StepInput{
		Name:    "CANCELLED",
		Status:  store.StepCancelled,
		Message: state.StepMessage(state.Cancelled),
	}); err != nil {
		return nil, err
	}
	return e.store.Load(ctx, appID)
}

// Reset is the administrative escape hatch: it re-enters
// FORM_SUBMITTED from a terminal state so the application can be
// re-processed. Journaled like any transition.
func (e *Engine) Reset(ctx context.Context, appID string) (*store.Application, error) {
	app, err := e.store.Load(ctx, appID)
	if err != nil {
		return nil, err
	}
	if !state.IsTerminal(app.State) {
		return nil, fmt.Errorf("%w: reset in %s", store.ErrInvalidState, app.State)
	}
	if err := e.transition(ctx, appID, app.State, state.FormSubmitted, store.StepInput{
		Name:    "ADMIN_RESET",
		Status:  store.StepSkipped,
		Message: "administrative reset",
	}); err != nil {
		return nil, err
	}
	return e.store.Load(ctx, appID)
}

// Ping reports store reachability for health checks.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Delete removes an application and everything it owns.
func (e *Engine) Delete(ctx context.Context, ownerID, appID string) error {
	if _, err := e.authorize(ctx, ownerID, appID); err != nil {
		return err
	}
	return e.store.DeleteApplication(ctx, appID)
}

// authorize loads the application and enforces ownership. An empty
// ownerID bypasses the check (admin paths).
func (e *Engine) authorize(ctx context.Context, ownerID, appID string) (*store.Application, error) {
	app, err := e.store.Load(ctx, appID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && app.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return app, nil
}

// transition wraps the store CAS with event emission and metrics.
func (e *Engine) transition(ctx context.Context, appID string, from, to state.State, step store.StepInput) error {
	rec, err := e.store.Transition(ctx, appID, from, to, step)
	if err != nil {
		return err
	}
	e.emitter.Emit(emit.Event{
		ApplicationID: appID,
		Sequence:      rec.Sequence,
		Msg:           "transition",
		Meta:          map[string]interface{}{"from": string(from), "to": string(to)},
	})
	if e.metrics != nil {
		e.metrics.Transition(from, to)
	}
	e.logger.Info("transition", "application_id", appID, "from", from, "to", to, "step", step.Name)
	return nil
}

// enqueueStage publishes one stage job.
func (e *Engine) enqueueStage(ctx context.Context, subject, appID, docID, stageName string, attempt int) error {
	job := queue.Job{
		ID:            uuid.NewString(),
		ApplicationID: appID,
		DocumentID:    docID,
		Stage:         stageName,
		Attempt:       attempt,
		MaxAttempts:   e.cfg.MaxAttempts,
		EnqueuedAt:    e.now(),
	}
	if err := e.queue.Enqueue(ctx, subject, job, 0); err != nil {
		return err
	}
	e.emitter.Emit(emit.Event{
		ApplicationID: appID,
		DocumentID:    docID,
		Stage:         stageName,
		Msg:           "stage_dispatched",
		Meta:          map[string]interface{}{"attempt": attempt},
	})
	return nil
}
