// Package google implements the OCR upstream client using Gemini
// vision models.
//
// There is no dedicated OCR engine in the stack; a multimodal model
// reading the page image serves as one. The adapter asks for a
// transcription plus a confidence estimate and reports the result in
// the shape the OCR executor expects.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/civistack/benefitflow/upstream"
)

const defaultModel = "gemini-1.5-flash"

const ocrPrompt = `Transcribe all text visible in this document exactly as
written. After the transcription, on the final line output:
CONFIDENCE: <0.0-1.0> PAGES: <n>`

// OCR implements upstream.OCRClient backed by a Gemini vision model.
type OCR struct {
	client *genai.Client
	model  string
}

// NewOCR creates an OCR client. An empty model name selects
// gemini-1.5-flash.
func NewOCR(ctx context.Context, apiKey, model string) (*OCR, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = defaultModel
	}
	return &OCR{client: client, model: model}, nil
}

// Close releases the underlying client connection.
func (o *OCR) Close() error {
	return o.client.Close()
}

// ExtractText implements upstream.OCRClient.
func (o *OCR) ExtractText(ctx context.Context, r io.Reader, contentType string) (upstream.OCRResult, error) {
	if ctx.Err() != nil {
		return upstream.OCRResult{}, ctx.Err()
	}

	data, err := io.ReadAll(io.LimitReader(r, 20<<20))
	if err != nil {
		return upstream.OCRResult{}, fmt.Errorf("read document: %w", err)
	}

	part, ok := documentPart(contentType, data)
	if !ok {
		return upstream.OCRResult{}, fmt.Errorf("unsupported content type %q", contentType)
	}

	model := o.client.GenerativeModel(o.model)
	resp, err := model.GenerateContent(ctx, part, genai.Text(ocrPrompt))
	if err != nil {
		return upstream.OCRResult{}, translateError(err)
	}

	text := responseText(resp)
	if text == "" {
		return upstream.OCRResult{}, fmt.Errorf("%w: empty transcription", upstream.ErrUnparseable)
	}

	result := upstream.OCRResult{Confidence: 0.5, Pages: 1}
	result.Text, result.Confidence, result.Pages = parseTranscription(text)
	return result, nil
}

// parseTranscription splits the trailing CONFIDENCE/PAGES marker line
// off the transcription. Missing markers leave conservative defaults.
func parseTranscription(text string) (string, float64, int) {
	confidence, pages := 0.5, 1
	lines := strings.Split(strings.TrimSpace(text), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasPrefix(last, "CONFIDENCE:") {
		var c float64
		var p int
		if n, _ := fmt.Sscanf(last, "CONFIDENCE: %f PAGES: %d", &c, &p); n >= 1 {
			confidence = c
			if p > 0 {
				pages = p
			}
			lines = lines[:len(lines)-1]
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), confidence, pages
}

func responseText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	return sb.String()
}

// documentPart builds the request part for a document. Images go
// through ImageData, which derives an image/* MIME type from the
// format suffix; PDFs need a raw Blob carrying application/pdf.
func documentPart(contentType string, data []byte) (genai.Part, bool) {
	switch contentType {
	case "image/png":
		return genai.ImageData("png", data), true
	case "image/jpeg", "image/jpg":
		return genai.ImageData("jpeg", data), true
	case "image/webp":
		return genai.ImageData("webp", data), true
	case "application/pdf":
		return genai.Blob{MIMEType: "application/pdf", Data: data}, true
	}
	return nil, false
}

func translateError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return fmt.Errorf("%w: %v", upstream.ErrRateLimited, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", upstream.ErrUnavailable, err)
		}
	}
	return err
}
