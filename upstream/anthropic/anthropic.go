// Package anthropic implements the extraction and decision upstream
// clients against the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/civistack/benefitflow/upstream"
)

const defaultModel = "claude-3-5-sonnet-latest"

const extractSystem = `You extract structured data from scanned government
documents. Respond with a single JSON object and nothing else. Include a
"confidence" field between 0.0 and 1.0 reflecting how certain you are of
the extracted values.`

const decideSystem = `You are an eligibility adjudicator for a social
assistance program. Given applicant data, respond with a single JSON
object: {"outcome": "APPROVED"|"REJECTED"|"NEEDS_REVIEW",
"confidence": 0.0-1.0, "reasoning": "...", "benefit_amount": number|null}.`

// Client implements upstream.ExtractClient and upstream.DecisionClient
// using Claude. Document images are sent as base64 blocks alongside the
// OCR text so the model can cross-check both.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Client. An empty model name selects a default Sonnet
// model.
func New(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// ExtractStructured implements upstream.ExtractClient.
func (c *Client) ExtractStructured(ctx context.Context, kind string, r io.Reader, ocrText string) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	prompt := extractPrompt(kind, ocrText)
	blocks := []anthropic.ContentBlockParamUnion{}

	if r != nil {
		data, err := io.ReadAll(io.LimitReader(r, 20<<20))
		if err == nil && len(data) > 0 {
			if mediaType := sniffImageMediaType(data); mediaType != "" {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data)))
			}
		}
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: extractSystem}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	})
	if err != nil {
		return nil, translateError(err)
	}

	return upstream.DecodeJSONObject(messageText(msg))
}

// Decide implements upstream.DecisionClient.
func (c *Client) Decide(ctx context.Context, inputs map[string]interface{}) (upstream.DecisionResult, error) {
	if ctx.Err() != nil {
		return upstream.DecisionResult{}, ctx.Err()
	}

	var sb strings.Builder
	sb.WriteString("Evaluate this application for social assistance eligibility.\n\n")
	for key, value := range inputs {
		fmt.Fprintf(&sb, "%s: %v\n", key, value)
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: decideSystem}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String()))},
	})
	if err != nil {
		return upstream.DecisionResult{}, translateError(err)
	}

	fields, err := upstream.DecodeJSONObject(messageText(msg))
	if err != nil {
		return upstream.DecisionResult{}, err
	}

	result := upstream.DecisionResult{}
	if outcome, ok := fields["outcome"].(string); ok {
		result.Outcome = outcome
	}
	if conf, ok := upstream.Float64Field(fields, "confidence"); ok {
		result.Confidence = conf
	}
	if reasoning, ok := fields["reasoning"].(string); ok {
		result.Reasoning = reasoning
	}
	if amount, ok := upstream.Float64Field(fields, "benefit_amount"); ok {
		v := int64(amount)
		result.BenefitAmount = &v
	}
	if result.Outcome == "" {
		return upstream.DecisionResult{}, fmt.Errorf("%w: missing outcome", upstream.ErrUnparseable)
	}
	return result, nil
}

func extractPrompt(kind, ocrText string) string {
	var fields string
	switch kind {
	case "BANK_STATEMENT":
		fields = `"monthly_income", "closing_balance", "account_holder_name", "period_start", "period_end"`
	case "IDENTITY_CARD":
		fields = `"national_id", "full_name", "date_of_birth", "expiry_date"`
	default:
		fields = `all identifiable fields`
	}
	prompt := fmt.Sprintf("Extract the following fields from this %s document: %s.", kind, fields)
	if ocrText != "" {
		prompt += "\n\nOCR text of the document:\n" + ocrText
	}
	return prompt
}

func messageText(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// translateError maps Anthropic API failures onto the upstream error
// taxonomy so stage executors can classify them.
func translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", upstream.ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", upstream.ErrUnavailable, err)
		}
	}
	return err
}

func sniffImageMediaType(data []byte) string {
	switch {
	case len(data) > 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return "image/png"
	case len(data) > 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case len(data) > 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	case len(data) > 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return "image/gif"
	}
	return ""
}
