package proxy

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// Usage is the token accounting an engine reports.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// UsageRecorder receives usage extracted from proxied responses.
type UsageRecorder interface {
	RecordUsage(key string, usage Usage)
}

// ExtractUsage reads the top-level usage object of a JSON payload.
func ExtractUsage(payload []byte) (Usage, bool) {
	u := gjson.GetBytes(payload, "usage")
	if !u.IsObject() {
		return Usage{}, false
	}
	usage := Usage{
		PromptTokens:     u.Get("prompt_tokens").Int(),
		CompletionTokens: u.Get("completion_tokens").Int(),
		TotalTokens:      u.Get("total_tokens").Int(),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage, true
}

var dataPrefix = []byte("data: ")

// ExtractStreamUsage scans SSE data lines from the end and returns the first
// usage object found.
func ExtractStreamUsage(stream []byte) (Usage, bool) {
	lines := bytes.Split(stream, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, []byte("[DONE]")) || !gjson.ValidBytes(payload) {
			continue
		}
		if usage, ok := ExtractUsage(payload); ok {
			return usage, true
		}
	}
	return Usage{}, false
}
