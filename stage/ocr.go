package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/civistack/benefitflow/storage"
	"github.com/civistack/benefitflow/upstream"
	"github.com/civistack/benefitflow/workflow/store"
)

// minOCRConfidence is the floor below which a transcription is treated
// as unusable even when text came back.
const minOCRConfidence = 0.1

// supportedContentTypes lists what the OCR upstreams accept.
var supportedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
}

// SupportedContentType reports whether the OCR stage can process the
// given content type. The HTTP surface rejects unsupported uploads
// early; this check also guards documents attached through other
// paths.
func SupportedContentType(ct string) bool {
	return supportedContentTypes[ct]
}

// OCR transcribes a document image or PDF to raw text.
type OCR struct {
	Blobs   storage.BlobStore
	Client  upstream.OCRClient
	Timeout time.Duration
}

// Run executes the stage for one document. The returned error, if any,
// is classified.
func (e *OCR) Run(ctx context.Context, doc *store.Document) (upstream.OCRResult, error) {
	if !SupportedContentType(doc.ContentType) {
		return upstream.OCRResult{}, fail(store.StageOCR, ClassUnsupportedFormat,
			"content type %q not supported", doc.ContentType)
	}

	blob, err := e.Blobs.Open(ctx, doc.StorageHandle)
	if err != nil {
		return upstream.OCRResult{}, Classify(store.StageOCR, fmt.Errorf("open document blob: %w", err))
	}
	defer func() { _ = blob.Close() }()

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	res, err := e.Client.ExtractText(runCtx, blob, doc.ContentType)
	if err != nil {
		// Distinguish our deadline from caller cancellation.
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return upstream.OCRResult{}, fail(store.StageOCR, ClassTimeout,
				"ocr exceeded timeout of %v", e.Timeout)
		}
		return upstream.OCRResult{}, Classify(store.StageOCR, err)
	}

	if res.Text == "" || res.Confidence < minOCRConfidence {
		return upstream.OCRResult{}, fail(store.StageOCR, ClassEmptyResult,
			"no usable text (confidence %.2f)", res.Confidence)
	}
	return res, nil
}
