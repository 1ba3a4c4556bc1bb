// Package stage implements the three processing stage executors: OCR,
// structured extraction and decision drafting. Executors are pure
// compute against the upstream clients; they never touch the workflow
// state machine. Failures carry a classification that drives the
// engine's retry policy.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/civistack/benefitflow/upstream"
)

// Class categorizes a stage failure for retry decisions.
type Class string

const (
	// ClassTransient covers rate limits and other failures expected to
	// clear on their own.
	ClassTransient Class = "TRANSIENT"
	// ClassTimeout means the stage exceeded its deadline.
	ClassTimeout Class = "TIMEOUT"
	// ClassUpstreamUnavailable means the upstream service is down.
	ClassUpstreamUnavailable Class = "UPSTREAM_UNAVAILABLE"
	// ClassEmptyResult means the upstream answered with nothing usable.
	ClassEmptyResult Class = "EMPTY_RESULT"
	// ClassParseFailed means the upstream response could not be
	// interpreted. Retrying yields the same answer.
	ClassParseFailed Class = "PARSE_FAILED"
	// ClassUnsupportedFormat means the input cannot be processed at
	// all.
	ClassUnsupportedFormat Class = "UNSUPPORTED_FORMAT"
	// ClassCancelled means the surrounding context was cancelled.
	ClassCancelled Class = "CANCELLED"
)

// Retryable reports whether another attempt can plausibly succeed.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransient, ClassTimeout, ClassUpstreamUnavailable:
		return true
	}
	return false
}

// Error is a classified stage failure.
type Error struct {
	Stage string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err with the class derived from the upstream
// sentinels and context state. A nil err returns nil.
func Classify(stageName string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}

	class := ClassTransient
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = ClassTimeout
	case errors.Is(err, context.Canceled):
		class = ClassCancelled
	case errors.Is(err, upstream.ErrRateLimited):
		class = ClassTransient
	case errors.Is(err, upstream.ErrUnavailable):
		class = ClassUpstreamUnavailable
	case errors.Is(err, upstream.ErrUnparseable):
		class = ClassParseFailed
	}
	return &Error{Stage: stageName, Class: class, Err: err}
}

// ClassOf extracts the classification, defaulting to ClassTransient
// for unclassified errors.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassTransient
}

// fail builds a classified error directly.
func fail(stageName string, class Class, format string, args ...interface{}) error {
	return &Error{Stage: stageName, Class: class, Err: fmt.Errorf(format, args...)}
}
