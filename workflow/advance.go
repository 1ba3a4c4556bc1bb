package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civistack/benefitflow/stage"
	"github.com/civistack/benefitflow/upstream"
	"github.com/civistack/benefitflow/workflow/decision"
	"github.com/civistack/benefitflow/workflow/emit"
	"github.com/civistack/benefitflow/workflow/queue"
	"github.com/civistack/benefitflow/workflow/state"
	"github.com/civistack/benefitflow/workflow/store"
)

// StageResult is what a queue handler reports back on stage finish.
// Exactly one of the result fields matches Stage; Err is set instead
// when the stage failed permanently (non-retryable class or attempts
// exhausted).
type StageResult struct {
	Stage      string
	DocumentID string
	Attempt    int

	OCR        *upstream.OCRResult
	Fields     map[string]interface{}
	Confidence float64
	Verdict    *decision.ModelVerdict

	Err error
}

// HandleStageCompletion folds one stage result back into the workflow.
// This is the advance function of the engine:
//
//  1. Persist the stage result onto the document (outside the lease,
//     so a contended callback still lands its data).
//  2. Acquire the advance lease, waiting out a concurrent holder so
//     the persisted result is always folded in by somebody.
//  3. Reload, record decision results, compute and apply transitions
//     until the state stops moving.
//  4. Release the lease.
//
// The function is idempotent: redelivered completions hit the store's
// per-attempt idempotency and the transition CAS discards duplicates.
func (e *Engine) HandleStageCompletion(ctx context.Context, appID string, res StageResult) error {
	if res.Stage != store.StageDecide {
		if err := e.persistDocumentResult(ctx, res); err != nil {
			return err
		}
	}

	app, err := e.store.Load(ctx, appID)
	if err != nil {
		return err
	}
	if state.IsTerminal(app.State) {
		// Late result after cancellation or completion: persisted above
		// for diagnostics, no further movement.
		return nil
	}
	if app.CancelRequested && state.IsRunning(app.State) {
		return e.acknowledgeCancel(ctx, appID, app.State)
	}

	// Each invocation leases under its own holder id. The store treats
	// a matching holder as a renewal, so reusing the shared worker id
	// here would let two completions in one process hold the lease at
	// once.
	holder := e.workerID + ":" + uuid.NewString()

	// The lease holder may have loaded its snapshot before our result
	// was persisted, so giving up here could strand the application
	// with no pending job. Wait the holder out; holders release as soon
	// as their advance pass completes.
	ok, err := e.store.AcquireLease(ctx, appID, holder, e.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		e.emitter.Emit(emit.Event{ApplicationID: appID, Stage: res.Stage, Msg: "lease_contended"})
		if e.metrics != nil {
			e.metrics.LeaseContention()
		}
		ok, err = e.awaitLease(ctx, appID, holder)
		if err != nil {
			return err
		}
		if !ok {
			// Holder outlived the TTL without releasing; let the queue
			// redeliver rather than lose the result.
			return errLeaseHeld
		}
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), appID, holder); err != nil {
			e.logger.Error("release lease", "application_id", appID, "error", err)
		}
	}()

	snap, err := e.store.LoadFull(ctx, appID)
	if err != nil {
		return err
	}

	if res.Stage == store.StageDecide && snap.Application.State == state.MakingDecision {
		if err := e.completeDecision(ctx, snap, res); err != nil {
			return err
		}
		snap, err = e.store.LoadFull(ctx, appID)
		if err != nil {
			return err
		}
	}

	return e.advanceLoop(ctx, snap)
}

// awaitLease polls for the advance lease until it is acquired or one
// TTL has elapsed.
func (e *Engine) awaitLease(ctx context.Context, appID, holder string) (bool, error) {
	const interval = 50 * time.Millisecond
	for waited := time.Duration(0); waited < e.cfg.LeaseTTL; waited += interval {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
		ok, err := e.store.AcquireLease(ctx, appID, holder, e.cfg.LeaseTTL)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// persistDocumentResult writes the OCR or extraction outcome onto the
// document row, keyed by attempt.
func (e *Engine) persistDocumentResult(ctx context.Context, res StageResult) error {
	upd := store.StageUpdate{Stage: res.Stage, Attempt: res.Attempt}
	switch {
	case res.Err != nil:
		upd.Status = store.StageFailed
		upd.Error = res.Err.Error()
	case res.Stage == store.StageOCR && res.OCR != nil:
		upd.Status = store.StageCompleted
		upd.Text = res.OCR.Text
		upd.Confidence = res.OCR.Confidence
	case res.Stage == store.StageExtract:
		upd.Status = store.StageCompleted
		upd.Fields = res.Fields
		upd.Confidence = res.Confidence
	default:
		return fmt.Errorf("stage result for %q carries no payload", res.Stage)
	}
	return e.store.UpdateDocumentStage(ctx, res.DocumentID, upd)
}

// completeDecision fuses the model verdict with the numeric rule,
// records the decision row and applies the two transitions to the
// terminal outcome.
func (e *Engine) completeDecision(ctx context.Context, snap *store.Snapshot, res StageResult) error {
	appID := snap.Application.ID

	if res.Err != nil {
		return e.transition(ctx, appID, state.MakingDecision, state.ProcessingFailed, store.StepInput{
			Name:    "DECISION_FAILED",
			Status:  store.StepFailed,
			Message: res.Err.Error(),
			Attempt: res.Attempt,
		})
	}

	verdict := decision.Fuse(*res.Verdict, stage.DecisionInputs(snap), e.cfg.Thresholds)
	if err := e.store.RecordDecision(ctx, appID, store.Decision{
		Outcome:       verdict.Outcome,
		Confidence:    verdict.Confidence,
		Reasoning:     verdict.Reasoning,
		BenefitAmount: verdict.BenefitAmount,
	}); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"outcome":    string(verdict.Outcome),
		"confidence": verdict.Confidence,
	}
	if verdict.Disagreement != "" {
		payload["disagreement"] = verdict.Disagreement
	}
	if err := e.transitionRetry(ctx, appID, state.MakingDecision, state.DecisionCompleted, store.StepInput{
		Name:    "DECISION_COMPLETED",
		Message: state.StepMessage(state.DecisionCompleted),
		Payload: payload,
		Attempt: res.Attempt,
	}); err != nil {
		return err
	}
	final := outcomeState(verdict.Outcome)
	return e.transitionRetry(ctx, appID, state.DecisionCompleted, final, store.StepInput{
		Name:    string(verdict.Outcome),
		Message: state.StepMessage(final),
	})
}

// outcomeState maps a decision outcome to its terminal workflow state.
func outcomeState(o decision.Outcome) state.State {
	switch o {
	case decision.Approved:
		return state.Approved
	case decision.Rejected:
		return state.Rejected
	}
	return state.NeedsReview
}

// advanceLoop evaluates the current state against the observed
// per-document stage statuses and applies transitions until the state
// stops moving. Conflicts reload and retry once; persistent contention
// leaves an ADVANCE_CONTENDED journal entry.
func (e *Engine) advanceLoop(ctx context.Context, snap *store.Snapshot) error {
	for {
		app := &snap.Application
		if app.CancelRequested && state.IsRunning(app.State) {
			return e.acknowledgeCancel(ctx, app.ID, app.State)
		}

		moved, err := e.advanceOnce(ctx, snap)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return e.noteContention(ctx, app.ID)
			}
			return err
		}
		if !moved {
			return nil
		}
		snap, err = e.store.LoadFull(ctx, app.ID)
		if err != nil {
			return err
		}
	}
}

// advanceOnce applies at most one transition for the snapshot's state.
// It reports whether the state moved.
func (e *Engine) advanceOnce(ctx context.Context, snap *store.Snapshot) (bool, error) {
	app := &snap.Application

	switch app.State {
	case state.ScanningDocuments:
		done, completed := stageTally(snap.Documents, store.StageOCR)
		if !done {
			return false, nil
		}
		if completed == 0 {
			err := e.transitionRetry(ctx, app.ID, state.ScanningDocuments, state.ProcessingFailed, store.StepInput{
				Name:    "ALL_OCR_FAILED",
				Status:  store.StepFailed,
				Message: "no document produced usable text",
			})
			return err == nil, err
		}
		payload := map[string]interface{}{}
		if completed < len(snap.Documents) {
			payload["partial"] = true
		}
		err := e.transitionRetry(ctx, app.ID, state.ScanningDocuments, state.OCRCompleted, store.StepInput{
			Name:    "OCR_COMPLETED",
			Message: state.StepMessage(state.OCRCompleted),
			Payload: payload,
		})
		return err == nil, err

	case state.OCRCompleted:
		_, completed := stageTally(snap.Documents, store.StageOCR)
		payload := map[string]interface{}{}
		if completed < len(snap.Documents) {
			payload["partial"] = true
		}
		if err := e.transitionRetry(ctx, app.ID, state.OCRCompleted, state.Analyzing, store.StepInput{
			Name:    "ANALYZING",
			Message: state.StepMessage(state.Analyzing),
			Payload: payload,
		}); err != nil {
			return false, err
		}
		for i := range snap.Documents {
			doc := &snap.Documents[i]
			if doc.OCRStatus != store.StageCompleted {
				continue
			}
			if err := e.enqueueStage(ctx, queue.SubjectExtract, app.ID, doc.ID, store.StageExtract, doc.ExtractAttempt+1); err != nil {
				e.logger.Error("enqueue extract job", "application_id", app.ID, "document_id", doc.ID, "error", err)
			}
		}
		return true, nil

	case state.Analyzing:
		if !extractionsDone(snap.Documents) {
			return false, nil
		}
		err := e.transitionRetry(ctx, app.ID, state.Analyzing, state.AnalysisCompleted, store.StepInput{
			Name:    "ANALYSIS_COMPLETED",
			Message: state.StepMessage(state.AnalysisCompleted),
		})
		return err == nil, err

	case state.AnalysisCompleted:
		if countExtracted(snap.Documents) == 0 {
			// Nothing to decide on: the partial-success path ends in
			// manual review rather than a hard failure.
			err := e.transitionRetry(ctx, app.ID, state.AnalysisCompleted, state.NeedsReview, store.StepInput{
				Name:    "NEEDS_REVIEW",
				Message: decision.ReasonInsufficientData,
			})
			return err == nil, err
		}
		if err := e.transitionRetry(ctx, app.ID, state.AnalysisCompleted, state.MakingDecision, store.StepInput{
			Name:    "MAKING_DECISION",
			Message: state.StepMessage(state.MakingDecision),
		}); err != nil {
			return false, err
		}
		if err := e.enqueueStage(ctx, queue.SubjectDecide, app.ID, "", store.StageDecide, 1); err != nil {
			e.logger.Error("enqueue decide job", "application_id", app.ID, "error", err)
		}
		return true, nil
	}

	// Draft, FormSubmitted, DocumentsUploaded, MakingDecision,
	// ProcessingFailed and the terminal states advance only through
	// their dedicated entry points.
	return false, nil
}

// transitionRetry is transition with the single reload-and-retry the
// contention policy allows.
func (e *Engine) transitionRetry(ctx context.Context, appID string, from, to state.State, step store.StepInput) error {
	err := e.transition(ctx, appID, from, to, step)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	app, loadErr := e.store.Load(ctx, appID)
	if loadErr != nil {
		return loadErr
	}
	if app.State == to {
		// Another worker already applied this exact transition.
		return nil
	}
	if app.State != from {
		return fmt.Errorf("%w: state moved to %s", store.ErrConflict, app.State)
	}
	return e.transition(ctx, appID, from, to, step)
}

// noteContention journals that an advance gave up after its retry.
func (e *Engine) noteContention(ctx context.Context, appID string) error {
	_, err := e.store.AppendStep(ctx, appID, store.StepInput{
		Name:    "ADVANCE_CONTENDED",
		Status:  store.StepSkipped,
		Message: "concurrent advance won the state race",
	})
	if e.metrics != nil {
		e.metrics.LeaseContention()
	}
	return err
}

// acknowledgeCancel applies the flag-driven cancellation at a safe
// point.
func (e *Engine) acknowledgeCancel(ctx context.Context, appID string, from state.State) error {
	err := e.transitionRetry(ctx, appID, from, state.Cancelled, store.StepInput{
		Name:    "CANCELLED",
		Status:  store.StepCancelled,
		Message: state.StepMessage(state.Cancelled),
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(emit.Event{ApplicationID: appID, Msg: "cancel_acknowledged",
		Meta: map[string]interface{}{"from": string(from)}})
	return nil
}

// stageTally reports whether every document's stage is terminal and
// how many completed.
func stageTally(docs []store.Document, stageName string) (allDone bool, completed int) {
	allDone = true
	for i := range docs {
		var status string
		switch stageName {
		case store.StageOCR:
			status = docs[i].OCRStatus
		case store.StageExtract:
			status = docs[i].ExtractStatus
		}
		switch status {
		case store.StageCompleted:
			completed++
		case store.StageFailed:
		default:
			allDone = false
		}
	}
	return allDone, completed
}

// extractionsDone reports whether every document that passed OCR has a
// terminal extraction status. Documents that failed OCR never get an
// extraction job and do not count.
func extractionsDone(docs []store.Document) bool {
	for i := range docs {
		if docs[i].OCRStatus != store.StageCompleted {
			continue
		}
		switch docs[i].ExtractStatus {
		case store.StageCompleted, store.StageFailed:
		default:
			return false
		}
	}
	return true
}

// countExtracted counts documents with completed extraction.
func countExtracted(docs []store.Document) int {
	n := 0
	for i := range docs {
		if docs[i].ExtractStatus == store.StageCompleted {
			n++
		}
	}
	return n
}
