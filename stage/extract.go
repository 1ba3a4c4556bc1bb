package stage

import (
	"context"
	"strings"
	"time"

	"github.com/civistack/benefitflow/storage"
	"github.com/civistack/benefitflow/upstream"
	"github.com/civistack/benefitflow/workflow/store"
)

// Extract pulls structured fields out of a document's OCR text.
// Multimodal upstreams also receive the original blob; text-only
// upstreams work from the transcription alone.
type Extract struct {
	Blobs   storage.BlobStore
	Client  upstream.ExtractClient
	Timeout time.Duration
}

// Run executes the stage for one document. The document must have a
// completed OCR stage.
func (e *Extract) Run(ctx context.Context, doc *store.Document) (map[string]interface{}, float64, error) {
	if doc.OCRStatus != store.StageCompleted || strings.TrimSpace(doc.OCRText) == "" {
		return nil, 0, fail(store.StageExtract, ClassEmptyResult,
			"document %s has no transcription to analyze", doc.ID)
	}

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	blob, err := e.Blobs.Open(ctx, doc.StorageHandle)
	if err != nil {
		return nil, 0, Classify(store.StageExtract, err)
	}
	defer func() { _ = blob.Close() }()

	fields, err := e.Client.ExtractStructured(runCtx, doc.Kind, blob, doc.OCRText)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, 0, fail(store.StageExtract, ClassTimeout,
				"extraction exceeded timeout of %v", e.Timeout)
		}
		return nil, 0, Classify(store.StageExtract, err)
	}
	if len(fields) == 0 {
		return nil, 0, fail(store.StageExtract, ClassEmptyResult, "no fields extracted")
	}

	confidence := fieldConfidence(fields)
	return fields, confidence, nil
}

// fieldConfidence reads the upstream's self-reported confidence field,
// defaulting to a neutral value when absent.
func fieldConfidence(fields map[string]interface{}) float64 {
	if v, ok := upstream.Float64Field(fields, "confidence"); ok && v >= 0 && v <= 1 {
		return v
	}
	return 0.5
}
