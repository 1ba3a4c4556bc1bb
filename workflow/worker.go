package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/civistack/benefitflow/stage"
	"github.com/civistack/benefitflow/workflow/emit"
	"github.com/civistack/benefitflow/workflow/queue"
	"github.com/civistack/benefitflow/workflow/state"
	"github.com/civistack/benefitflow/workflow/store"
)

// RegisterHandlers subscribes the three stage handlers on the queue.
// Call once after New; the queue drives everything from here.
func (e *Engine) RegisterHandlers() error {
	if err := e.queue.Subscribe(queue.SubjectOCR, e.handleOCRJob); err != nil {
		return err
	}
	if err := e.queue.Subscribe(queue.SubjectExtract, e.handleExtractJob); err != nil {
		return err
	}
	return e.queue.Subscribe(queue.SubjectDecide, e.handleDecideJob)
}

// DeadLetter records a job that permanently left the queue. Wire it as
// the queue's dead-letter callback.
func (e *Engine) DeadLetter(job queue.Job) {
	e.logger.Error("job dead-lettered",
		"application_id", job.ApplicationID, "document_id", job.DocumentID,
		"stage", job.Stage, "attempt", job.Attempt)
	if e.metrics != nil {
		e.metrics.DeadLetter(job.Stage)
	}
}

// preflight loads the snapshot and applies the safe-point checks
// shared by all stage handlers. A nil snapshot with a nil result means
// the job should be acknowledged without running the stage.
func (e *Engine) preflight(ctx context.Context, job queue.Job) (*store.Snapshot, *queue.Result) {
	ack := queue.Ack()
	snap, err := e.store.LoadFull(ctx, job.ApplicationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Application deleted while the job was queued.
			return nil, &ack
		}
		retry := queue.RetryAfter(e.backoff(job.Attempt))
		return nil, &retry
	}

	app := &snap.Application
	if state.IsTerminal(app.State) {
		return nil, &ack
	}
	// Cancel check before the upstream call (safe point).
	if app.CancelRequested {
		if state.IsRunning(app.State) {
			if err := e.acknowledgeCancel(ctx, app.ID, app.State); err != nil {
				e.logger.Error("acknowledge cancel", "application_id", app.ID, "error", err)
			}
		}
		return nil, &ack
	}
	return snap, nil
}

// finishStage routes the executor outcome into the retry policy or
// the advance function.
func (e *Engine) finishStage(ctx context.Context, job queue.Job, res StageResult, started time.Time) queue.Result {
	elapsed := time.Since(started)
	status := "success"
	if res.Err != nil {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.StageLatency(job.Stage, status, elapsed)
	}

	if res.Err != nil {
		class := stage.ClassOf(res.Err)
		if class.Retryable() && job.Attempt < job.MaxAttempts {
			// Record the attempt's error without a terminal status so
			// the next attempt may still write.
			if job.DocumentID != "" {
				if err := e.store.UpdateDocumentStage(ctx, job.DocumentID, store.StageUpdate{
					Stage:   job.Stage,
					Status:  store.StagePending,
					Attempt: job.Attempt,
					Error:   res.Err.Error(),
				}); err != nil {
					e.logger.Error("record retryable failure", "document_id", job.DocumentID, "error", err)
				}
			}
			delay := e.backoff(job.Attempt)
			e.emitter.Emit(emit.Event{
				ApplicationID: job.ApplicationID,
				DocumentID:    job.DocumentID,
				Stage:         job.Stage,
				Msg:           "stage_retry",
				Meta: map[string]interface{}{
					"attempt":    job.Attempt,
					"error":      res.Err.Error(),
					"backoff_ms": delay.Milliseconds(),
				},
			})
			if e.metrics != nil {
				e.metrics.StageRetry(job.Stage, string(class))
			}
			return queue.RetryAfter(delay)
		}
		// Permanent: fall through to the advance function with the
		// failure attached.
	}

	e.emitter.Emit(emit.Event{
		ApplicationID: job.ApplicationID,
		DocumentID:    job.DocumentID,
		Stage:         job.Stage,
		Msg:           "stage_completed",
		Meta: map[string]interface{}{
			"attempt":     job.Attempt,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
		},
	})

	if err := e.HandleStageCompletion(ctx, job.ApplicationID, res); err != nil {
		if errors.Is(err, errLeaseHeld) {
			return queue.RetryAfter(time.Second)
		}
		e.logger.Error("handle stage completion",
			"application_id", job.ApplicationID, "stage", job.Stage, "error", err)
		return queue.RetryAfter(e.backoff(job.Attempt))
	}
	return queue.Ack()
}

func (e *Engine) handleOCRJob(ctx context.Context, job queue.Job) queue.Result {
	snap, early := e.preflight(ctx, job)
	if early != nil {
		return *early
	}
	doc := snap.DocumentByID(job.DocumentID)
	if doc == nil {
		return queue.Ack()
	}
	// Stale redelivery of an attempt that already landed.
	if doc.OCRAttempt > job.Attempt ||
		(doc.OCRAttempt == job.Attempt && doc.OCRStatus == store.StageCompleted) {
		return queue.Ack()
	}

	if err := e.store.UpdateDocumentStage(ctx, job.DocumentID, store.StageUpdate{
		Stage: store.StageOCR, Status: store.StageRunning, Attempt: job.Attempt,
	}); err != nil {
		e.logger.Error("mark ocr running", "document_id", job.DocumentID, "error", err)
	}

	if e.metrics != nil {
		defer e.metrics.StageStarted(store.StageOCR)()
	}
	started := time.Now()
	res := StageResult{Stage: store.StageOCR, DocumentID: job.DocumentID, Attempt: job.Attempt}
	out, err := e.ocr.Run(ctx, doc)
	if err != nil {
		res.Err = err
	} else {
		res.OCR = &out
	}
	return e.finishStage(ctx, job, res, started)
}

func (e *Engine) handleExtractJob(ctx context.Context, job queue.Job) queue.Result {
	snap, early := e.preflight(ctx, job)
	if early != nil {
		return *early
	}
	doc := snap.DocumentByID(job.DocumentID)
	if doc == nil {
		return queue.Ack()
	}
	if doc.ExtractAttempt > job.Attempt ||
		(doc.ExtractAttempt == job.Attempt && doc.ExtractStatus == store.StageCompleted) {
		return queue.Ack()
	}

	if err := e.store.UpdateDocumentStage(ctx, job.DocumentID, store.StageUpdate{
		Stage: store.StageExtract, Status: store.StageRunning, Attempt: job.Attempt,
	}); err != nil {
		e.logger.Error("mark extract running", "document_id", job.DocumentID, "error", err)
	}

	if e.metrics != nil {
		defer e.metrics.StageStarted(store.StageExtract)()
	}
	started := time.Now()
	res := StageResult{Stage: store.StageExtract, DocumentID: job.DocumentID, Attempt: job.Attempt}
	fields, confidence, err := e.extract.Run(ctx, doc)
	if err != nil {
		res.Err = err
	} else {
		res.Fields = fields
		res.Confidence = confidence
	}
	return e.finishStage(ctx, job, res, started)
}

func (e *Engine) handleDecideJob(ctx context.Context, job queue.Job) queue.Result {
	snap, early := e.preflight(ctx, job)
	if early != nil {
		return *early
	}
	if snap.Application.State != state.MakingDecision {
		// Decision already folded in by a previous delivery.
		return queue.Ack()
	}

	if e.metrics != nil {
		defer e.metrics.StageStarted(store.StageDecide)()
	}
	started := time.Now()
	res := StageResult{Stage: store.StageDecide, Attempt: job.Attempt}
	verdict, err := e.decide.Run(ctx, snap)
	if err != nil {
		res.Err = err
	} else {
		res.Verdict = &verdict
	}
	return e.finishStage(ctx, job, res, started)
}
