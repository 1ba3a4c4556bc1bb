// Package mock provides scripted upstream clients for tests.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/civistack/benefitflow/upstream"
)

// OCR is a test implementation of upstream.OCRClient.
//
// Each call returns the next scripted response; when the script is
// exhausted the last response repeats. Errors can be scripted per call
// by leaving Err non-nil on the response. Call history is recorded.
type OCR struct {
	Responses []OCRResponse

	mu    sync.Mutex
	Calls int
	index int
}

// OCRResponse is one scripted OCR answer.
type OCRResponse struct {
	Result upstream.OCRResult
	Err    error
}

// ExtractText implements upstream.OCRClient.
func (m *OCR) ExtractText(ctx context.Context, r io.Reader, contentType string) (upstream.OCRResult, error) {
	if ctx.Err() != nil {
		return upstream.OCRResult{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	resp := m.next()
	return resp.Result, resp.Err
}

func (m *OCR) next() OCRResponse {
	if len(m.Responses) == 0 {
		return OCRResponse{Result: upstream.OCRResult{Text: "mock text", Confidence: 0.9, Pages: 1}}
	}
	idx := m.index
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.index++
	}
	return m.Responses[idx]
}

// Extract is a test implementation of upstream.ExtractClient keyed by
// document kind.
type Extract struct {
	// ByKind maps a document kind to its scripted responses, consumed
	// in order with the last repeating.
	ByKind map[string][]ExtractResponse

	mu    sync.Mutex
	Calls []string // kinds, in call order
	index map[string]int
}

// ExtractResponse is one scripted extraction answer.
type ExtractResponse struct {
	Fields map[string]interface{}
	Err    error
}

// ExtractStructured implements upstream.ExtractClient.
func (m *Extract) ExtractStructured(ctx context.Context, kind string, r io.Reader, ocrText string) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, kind)
	if m.index == nil {
		m.index = make(map[string]int)
	}
	script := m.ByKind[kind]
	if len(script) == 0 {
		return map[string]interface{}{"confidence": 0.9}, nil
	}
	idx := m.index[kind]
	if idx >= len(script) {
		idx = len(script) - 1
	} else {
		m.index[kind] = idx + 1
	}
	return script[idx].Fields, script[idx].Err
}

// Decision is a test implementation of upstream.DecisionClient.
type Decision struct {
	Responses []DecisionResponse

	mu    sync.Mutex
	Calls []map[string]interface{}
	index int
}

// DecisionResponse is one scripted decision answer.
type DecisionResponse struct {
	Result upstream.DecisionResult
	Err    error
}

// Decide implements upstream.DecisionClient.
func (m *Decision) Decide(ctx context.Context, inputs map[string]interface{}) (upstream.DecisionResult, error) {
	if ctx.Err() != nil {
		return upstream.DecisionResult{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, inputs)
	if len(m.Responses) == 0 {
		return upstream.DecisionResult{Outcome: "NEEDS_REVIEW", Confidence: 0.0, Reasoning: "no script"}, nil
	}
	idx := m.index
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.index++
	}
	return m.Responses[idx].Result, m.Responses[idx].Err
}
