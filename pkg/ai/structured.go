package ai

import (
	"encoding/json"
	"errors"
	"strings"
)

// Parsed is the tagged result of decoding model output into T.
// When Valid is false, Raw holds the text that failed and Err the reason.
type Parsed[T any] struct {
	Valid bool
	Value T
	Raw   string
	Err   error
}

// ParseJSON decodes model text into T. Markdown code fences and any prose
// around the outermost JSON object are tolerated.
func ParseJSON[T any](text string) Parsed[T] {
	raw := text
	body := extractJSONObject(text)
	if body == "" {
		return Parsed[T]{Raw: raw, Err: errors.New("no json object in output")}
	}
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return Parsed[T]{Raw: raw, Err: err}
	}
	return Parsed[T]{Valid: true, Value: v, Raw: raw}
}

func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
