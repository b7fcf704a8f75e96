package handlers

import (
	"encoding/json"
	"errors"
	"strings"
)

// tokenFactor scales a whitespace word count into a rough token estimate.
const tokenFactor = 2

type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`
}

// ChatCompletionRequest holds the fields the gateway inspects. The raw
// body is forwarded as received.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type CompletionRequest struct {
	Model  string          `json:"model"`
	Prompt json.RawMessage `json:"prompt,omitempty"`
	Stream bool            `json:"stream,omitempty"`
}

// inferenceRequest is the shape both endpoints reduce to.
type inferenceRequest struct {
	Model           string
	Stream          bool
	EstimatedTokens int
}

func parseChatRequest(body []byte) (inferenceRequest, error) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return inferenceRequest{}, err
	}
	if req.Model == "" {
		return inferenceRequest{}, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return inferenceRequest{}, errors.New("messages is required")
	}
	return inferenceRequest{Model: req.Model, Stream: req.Stream, EstimatedTokens: req.EstimateTokens()}, nil
}

func parseCompletionRequest(body []byte) (inferenceRequest, error) {
	var req CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return inferenceRequest{}, err
	}
	if req.Model == "" {
		return inferenceRequest{}, errors.New("model is required")
	}
	return inferenceRequest{Model: req.Model, Stream: req.Stream, EstimatedTokens: req.EstimateTokens()}, nil
}

func (r ChatCompletionRequest) EstimateTokens() int {
	words := 0
	for _, m := range r.Messages {
		words += len(strings.Fields(m.Role))
		words += len(strings.Fields(contentText(m.Content)))
		words += len(strings.Fields(m.Name))
	}
	return words * tokenFactor
}

func (r CompletionRequest) EstimateTokens() int {
	return len(strings.Fields(contentText(r.Prompt))) * tokenFactor
}

// contentText flattens a string, a list of strings or a list of content
// parts into plain text. Anything else is counted by its raw JSON.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			var str string
			if json.Unmarshal(it, &str) == nil {
				parts = append(parts, str)
				continue
			}
			var part struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if json.Unmarshal(it, &part) == nil && part.Text != "" {
				parts = append(parts, part.Text)
				continue
			}
			parts = append(parts, string(it))
		}
		return strings.Join(parts, " ")
	}

	return string(raw)
}
