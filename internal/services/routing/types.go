package routing

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// EngineType names an inference engine family.
type EngineType string

const (
	EngineVLLM   EngineType = "vllm"
	EngineSGLang EngineType = "sglang"
)

func ParseEngineType(s string) (EngineType, error) {
	switch EngineType(strings.ToLower(strings.TrimSpace(s))) {
	case EngineVLLM:
		return EngineVLLM, nil
	case EngineSGLang:
		return EngineSGLang, nil
	default:
		return "", fmt.Errorf("unknown engine type %q", s)
	}
}

// Instance is one registered engine endpoint.
type Instance struct {
	ID      string     `json:"id"`
	Engine  EngineType `json:"engine"`
	BaseURL string     `json:"base_url"`
}

// Target is where a model resolves to.
type Target struct {
	Engine  EngineType `json:"engine"`
	BaseURL string     `json:"base_url"`
}

// ManualEntry pins a model to an engine and optionally a specific URL.
type ManualEntry struct {
	Engine  EngineType `json:"engine"`
	BaseURL string     `json:"base_url,omitempty"`
}

// Conflict is a model reported by more than one instance in a single refresh.
type Conflict struct {
	Model     string   `json:"model"`
	Instances []string `json:"instances"`
}

// RefreshResult describes one discovery pass.
type RefreshResult struct {
	Discovered map[string]Target `json:"discovered"`
	Conflicts  []Conflict        `json:"conflicts"`
	Failed     []string          `json:"failed"`
}

// NotFoundError means no backend serves the model.
type NotFoundError struct {
	Model string
	Known []string
}

func (e *NotFoundError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("model %q not found, no models are available", e.Model)
	}
	return fmt.Sprintf("model %q not found, available models: %s", e.Model, strings.Join(e.Known, ", "))
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// NormalizeURL trims whitespace and trailing slashes and checks the URL is
// an absolute http(s) address.
func NormalizeURL(raw string) (string, error) {
	normalized := strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid backend url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid backend url %q: want http(s)://host[:port]", raw)
	}
	return normalized, nil
}

// InstanceID derives the stable id for a normalized URL.
func InstanceID(normalizedURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(normalizedURL)).String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
