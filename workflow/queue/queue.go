// Package queue carries stage jobs between the engine and its workers
// with at-least-once delivery. Two backends are provided: an in-memory
// queue for tests and single-process runs, and NATS JetStream for
// distributed deployments. Handlers must be idempotent; the store's
// (document, stage, attempt) keying absorbs redelivery.
package queue

import (
	"context"
	"time"
)

// Stage job subjects.
const (
	SubjectOCR     = "stage.ocr"
	SubjectExtract = "stage.extract"
	SubjectDecide  = "stage.decide"
)

// Job is one unit of stage work. DocumentID is empty for decide jobs,
// which operate on the whole application.
type Job struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	DocumentID    string    `json:"document_id,omitempty"`
	Stage         string    `json:"stage"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Disposition tells the queue what to do with a delivered job.
type Disposition int

const (
	// DispositionAck removes the job.
	DispositionAck Disposition = iota
	// DispositionRetry redelivers the job after Result.Delay with the
	// attempt counter incremented. Exhausted jobs go to dead-letter.
	DispositionRetry
	// DispositionFail removes the job and reports it to dead-letter.
	DispositionFail
)

// Result is the handler's verdict on a delivery.
type Result struct {
	Disposition Disposition
	Delay       time.Duration
}

// Ack acknowledges the delivery.
func Ack() Result { return Result{Disposition: DispositionAck} }

// RetryAfter schedules a redelivery.
func RetryAfter(d time.Duration) Result {
	return Result{Disposition: DispositionRetry, Delay: d}
}

// Fail drops the job into dead-letter.
func Fail() Result { return Result{Disposition: DispositionFail} }

// Handler processes one delivery. It may be invoked more than once for
// the same job.
type Handler func(ctx context.Context, job Job) Result

// DeadLetterFunc receives jobs that failed permanently or exhausted
// their attempts. Used for operator visibility; the workflow itself
// records the failure through the store before returning Fail.
type DeadLetterFunc func(job Job)

// Queue is the transport contract.
type Queue interface {
	// Enqueue publishes a job on subject, delayed by delay when
	// non-zero.
	Enqueue(ctx context.Context, subject string, job Job, delay time.Duration) error

	// Subscribe registers the handler for a subject. One handler per
	// subject; concurrency is an implementation property.
	Subscribe(subject string, h Handler) error

	// Close stops delivery and releases resources.
	Close() error
}
