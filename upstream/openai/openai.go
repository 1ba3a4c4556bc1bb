// Package openai implements the extraction and decision upstream
// clients against the OpenAI Chat Completions API.
//
// Unlike the Claude adapter, extraction here is text-only: the prompt
// carries the OCR text and the document stream is not re-sent. Use it
// when the OCR pass is trusted or the deployment has no multimodal
// budget.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/civistack/benefitflow/upstream"
)

const defaultModel = "gpt-4o-mini"

const extractSystem = `You extract structured data from OCR text of scanned
government documents. Respond with a single JSON object and nothing else,
including a "confidence" field between 0.0 and 1.0.`

const decideSystem = `You are an eligibility adjudicator for a social
assistance program. Respond with a single JSON object:
{"outcome": "APPROVED"|"REJECTED"|"NEEDS_REVIEW", "confidence": 0.0-1.0,
"reasoning": "...", "benefit_amount": number|null}.`

// Client implements upstream.ExtractClient and upstream.DecisionClient.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// New creates a Client. An empty model name selects gpt-4o-mini.
func New(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModel(model),
	}
}

// ExtractStructured implements upstream.ExtractClient.
func (c *Client) ExtractStructured(ctx context.Context, kind string, _ io.Reader, ocrText string) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if strings.TrimSpace(ocrText) == "" {
		return nil, fmt.Errorf("%w: no OCR text to extract from", upstream.ErrUnparseable)
	}

	text, err := c.complete(ctx, extractSystem, extractPrompt(kind, ocrText))
	if err != nil {
		return nil, err
	}
	return upstream.DecodeJSONObject(text)
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

	text, err := c.complete(ctx, decideSystem, sb.String())
	if err != nil {
		return upstream.DecisionResult{}, err
	}

	fields, err := upstream.DecodeJSONObject(text)
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

func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", translateError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", upstream.ErrUnparseable)
	}
	return resp.Choices[0].Message.Content, nil
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
	return fmt.Sprintf("Extract the following fields from this %s document: %s.\n\nOCR text:\n%s", kind, fields, ocrText)
}

func translateError(err error) error {
	var apiErr *openai.Error
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
