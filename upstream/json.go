package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSONObject parses a JSON object out of a model response.
//
// Models frequently wrap JSON in markdown code fences or surround it
// with prose; this strips fences and trims to the outermost braces
// before unmarshalling. Returns ErrUnparseable (wrapped) when no
// object can be recovered.
func DecodeJSONObject(text string) (map[string]interface{}, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrUnparseable)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return fields, nil
}

// Float64Field reads a numeric field from a decoded object, accepting
// JSON numbers and numeric strings. Returns false when absent or not
// numeric.
func Float64Field(fields map[string]interface{}, key string) (float64, bool) {
	switch v := fields[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.ReplaceAll(v, ",", ""), "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
