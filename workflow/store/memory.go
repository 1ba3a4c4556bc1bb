package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civistack/benefitflow/workflow/state"
)

// attachStates is the pre-OCR window during which documents may be
// attached or replaced.
var attachStates = map[state.State]bool{
	state.FormSubmitted:     true,
	state.DocumentsUploaded: true,
	state.ProcessingFailed:  true,
}

// MemStore is an in-memory Store guarded by a single mutex. Intended
// for tests and single-process development runs.
type MemStore struct {
	mu        sync.Mutex
	apps      map[string]*Application
	docs      map[string]*Document // by document id
	steps     map[string][]*WorkflowStep
	decisions map[string]*Decision
	now       func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		apps:      make(map[string]*Application),
		docs:      make(map[string]*Document),
		steps:     make(map[string][]*WorkflowStep),
		decisions: make(map[string]*Decision),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// CreateApplication implements Store.
func (s *MemStore) CreateApplication(ctx context.Context, ownerID string, form FormData) (*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	app := &Application{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Form:      form,
		State:     state.Draft,
		Progress:  0,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	s.apps[app.ID] = app
	s.appendStepLocked(app, StepInput{Name: "APPLICATION_CREATED", Message: "application created"}, state.Draft, state.Draft)

	out := *app
	return &out, nil
}

// AttachDocument implements Store. A document of the same kind is
// replaced in place with fresh stage fields.
func (s *MemStore) AttachDocument(ctx context.Context, appID string, spec DocumentSpec) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	if !attachStates[app.State] {
		return nil, fmt.Errorf("%w: attach in %s", ErrInvalidState, app.State)
	}

	// Replace any existing document of this kind.
	for id, d := range s.docs {
		if d.ApplicationID == appID && d.Kind == spec.Kind {
			delete(s.docs, id)
		}
	}

	doc := &Document{
		ID:            uuid.NewString(),
		ApplicationID: appID,
		Kind:          spec.Kind,
		Filename:      spec.Filename,
		ByteSize:      spec.ByteSize,
		ContentType:   spec.ContentType,
		StorageHandle: spec.StorageHandle,
		OCRStatus:     StagePending,
		ExtractStatus: StagePending,
	}
	s.docs[doc.ID] = doc
	app.UpdatedAt = s.now()

	out := *doc
	return &out, nil
}

// Transition implements Store.
func (s *MemStore) Transition(ctx context.Context, appID string, expectedFrom, to state.State, step StepInput) (*WorkflowStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !state.CanTransition(expectedFrom, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expectedFrom, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	if app.State != expectedFrom {
		return nil, fmt.Errorf("%w: expected %s, have %s", ErrConflict, expectedFrom, app.State)
	}

	ts := s.now()
	app.State = to
	if p, ok := state.Progress(to); ok {
		app.Progress = p
	}
	switch {
	case to == state.FormSubmitted && app.SubmittedAt == nil:
		t := ts
		app.SubmittedAt = &t
	case to == state.DecisionCompleted:
		t := ts
		app.ProcessedAt = &t
	case state.IsTerminal(to) && to != state.Cancelled:
		t := ts
		app.DecidedAt = &t
	}
	app.UpdatedAt = ts

	rec := s.appendStepLocked(app, step, expectedFrom, to)
	out := *rec
	return &out, nil
}

// AppendStep implements Store.
func (s *MemStore) AppendStep(ctx context.Context, appID string, step StepInput) (*WorkflowStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := s.appendStepLocked(app, step, app.State, app.State)
	out := *rec
	return &out, nil
}

// appendStepLocked writes a journal record under the store lock.
func (s *MemStore) appendStepLocked(app *Application, in StepInput, from, to state.State) *WorkflowStep {
	ts := s.now()
	status := in.Status
	if status == "" {
		status = StepCompleted
	}
	attempt := in.Attempt
	if attempt == 0 {
		attempt = 1
	}
	done := ts
	rec := &WorkflowStep{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		Sequence:      len(s.steps[app.ID]) + 1,
		StepName:      in.Name,
		FromState:     from,
		ToState:       to,
		Status:        status,
		Message:       in.Message,
		Payload:       in.Payload,
		StartedAt:     ts,
		CompletedAt:   &done,
		DurationMS:    in.DurationMS,
		Attempt:       attempt,
	}
	s.steps[app.ID] = append(s.steps[app.ID], rec)
	return rec
}

// AcquireLease implements Store.
func (s *MemStore) AcquireLease(ctx context.Context, appID, workerID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return false, ErrNotFound
	}
	ts := s.now()
	if l := app.Lease; l != nil && l.WorkerID != workerID && ts.Before(l.ExpiresAt) {
		return false, nil
	}
	app.Lease = &Lease{WorkerID: workerID, AcquiredAt: ts, ExpiresAt: ts.Add(ttl)}
	return true, nil
}

// ReleaseLease implements Store.
func (s *MemStore) ReleaseLease(ctx context.Context, appID, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return ErrNotFound
	}
	if app.Lease != nil && app.Lease.WorkerID == workerID {
		app.Lease = nil
	}
	return nil
}

// RequestCancel implements Store.
func (s *MemStore) RequestCancel(ctx context.Context, appID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return ErrNotFound
	}
	app.CancelRequested = true
	app.UpdatedAt = s.now()
	return nil
}

// UpdateDocumentStage implements Store.
func (s *MemStore) UpdateDocumentStage(ctx context.Context, docID string, upd StageUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docID]
	if !ok {
		return ErrNotFound
	}
	if !applyStage(doc, upd) {
		return nil
	}
	if app, ok := s.apps[doc.ApplicationID]; ok {
		app.UpdatedAt = s.now()
	}
	return nil
}

// applyStage applies upd to doc, returning false when the idempotency
// rules make it a no-op. Shared logic with the relational stores.
func applyStage(doc *Document, upd StageUpdate) bool {
	terminal := func(st string) bool { return st == StageCompleted || st == StageFailed }

	switch upd.Stage {
	case StageOCR:
		if upd.Attempt < doc.OCRAttempt {
			return false
		}
		if upd.Attempt == doc.OCRAttempt && terminal(doc.OCRStatus) {
			return false
		}
		doc.OCRStatus = upd.Status
		doc.OCRAttempt = upd.Attempt
		doc.OCRError = upd.Error
		if upd.Status == StageCompleted {
			doc.OCRText = upd.Text
			doc.OCRConfidence = upd.Confidence
		}
	case StageExtract:
		if upd.Attempt < doc.ExtractAttempt {
			return false
		}
		if upd.Attempt == doc.ExtractAttempt && terminal(doc.ExtractStatus) {
			return false
		}
		doc.ExtractStatus = upd.Status
		doc.ExtractAttempt = upd.Attempt
		doc.ExtractError = upd.Error
		if upd.Status == StageCompleted {
			doc.ExtractedFields = upd.Fields
			doc.ExtractConfidence = upd.Confidence
		}
	default:
		return false
	}
	return true
}

// RecordDecision implements Store.
func (s *MemStore) RecordDecision(ctx context.Context, appID string, d Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.decisions[appID]; exists {
		return nil
	}
	if app.State != state.MakingDecision {
		return fmt.Errorf("%w: decision in %s", ErrInvalidState, app.State)
	}
	d.ApplicationID = appID
	if d.DecidedAt.IsZero() {
		d.DecidedAt = s.now()
	}
	s.decisions[appID] = &d
	return nil
}

// Load implements Store.
func (s *MemStore) Load(ctx context.Context, appID string) (*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *app
	if app.Lease != nil {
		l := *app.Lease
		out.Lease = &l
	}
	return &out, nil
}

// LoadFull implements Store.
func (s *MemStore) LoadFull(ctx context.Context, appID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	snap := &Snapshot{Application: *app}
	if app.Lease != nil {
		l := *app.Lease
		snap.Application.Lease = &l
	}
	// Documents ordered by kind for stable output.
	for _, kind := range Kinds {
		for _, d := range s.docs {
			if d.ApplicationID == appID && d.Kind == kind {
				snap.Documents = append(snap.Documents, *d)
			}
		}
	}
	for _, st := range s.steps[appID] {
		snap.Steps = append(snap.Steps, *st)
	}
	if d, ok := s.decisions[appID]; ok {
		out := *d
		snap.Decision = &out
	}
	return snap, nil
}

// DeleteApplication implements Store.
func (s *MemStore) DeleteApplication(ctx context.Context, appID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[appID]; !ok {
		return ErrNotFound
	}
	delete(s.apps, appID)
	delete(s.steps, appID)
	delete(s.decisions, appID)
	for id, d := range s.docs {
		if d.ApplicationID == appID {
			delete(s.docs, id)
		}
	}
	return nil
}

// Ping implements Store.
func (s *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements Store.
func (s *MemStore) Close() error { return nil }
