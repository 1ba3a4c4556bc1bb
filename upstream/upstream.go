// Package upstream defines the client interfaces for the external
// model services the workflow depends on: OCR, multimodal structured
// extraction, and the eligibility decision model.
//
// The workflow core never embeds model logic; stage executors call
// these interfaces with a bounded context and classify whatever comes
// back. Provider subpackages (anthropic, openai, google) implement the
// interfaces against real SDKs; upstream/mock provides a scripted
// implementation for tests.
package upstream

import (
	"context"
	"errors"
	"io"
)

// ErrUnavailable indicates the upstream service could not be reached
// or refused service (connection failure, 5xx, overload). The caller
// decides whether this is retryable or a partial-success contributor.
var ErrUnavailable = errors.New("upstream unavailable")

// ErrRateLimited indicates the upstream throttled the request. Always
// retryable with backoff.
var ErrRateLimited = errors.New("upstream rate limited")

// ErrUnparseable indicates the upstream answered but the response
// could not be parsed into the expected structure. Not retryable.
var ErrUnparseable = errors.New("upstream response unparseable")

// OCRResult is the text extraction output for one document.
type OCRResult struct {
	Text       string
	Confidence float64
	Pages      int
}

// OCRClient extracts text from a document image or PDF stream.
type OCRClient interface {
	// ExtractText reads the document from r and returns recognized
	// text. Implementations must honor ctx cancellation and deadline.
	ExtractText(ctx context.Context, r io.Reader, contentType string) (OCRResult, error)
}

// ExtractClient performs multimodal structured-data extraction for a
// document of a known kind.
type ExtractClient interface {
	// ExtractStructured returns kind-specific fields. The document
	// stream and prior OCR text are both available; implementations
	// may use either or both. The returned map always includes a
	// "confidence" float64 entry.
	ExtractStructured(ctx context.Context, kind string, r io.Reader, ocrText string) (map[string]interface{}, error)
}

// DecisionResult is the decision model's verdict.
type DecisionResult struct {
	Outcome       string
	Confidence    float64
	Reasoning     string
	BenefitAmount *int64
}

// DecisionClient evaluates eligibility from aggregated inputs.
type DecisionClient interface {
	// Decide receives the applicant form fields plus whichever of
	// bank_extract / id_extract are present (absent in partial-success
	// mode) and returns a verdict.
	Decide(ctx context.Context, inputs map[string]interface{}) (DecisionResult, error)
}
