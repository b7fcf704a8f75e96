package routing

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// ModelLister fetches the model ids an instance currently serves.
type ModelLister interface {
	ListModels(ctx context.Context, baseURL string) ([]string, error)
}

// HTTPLister reads GET <baseURL>/v1/models in the OpenAI list format.
type HTTPLister struct {
	Client *http.Client
}

func (l HTTPLister) ListModels(ctx context.Context, baseURL string) ([]string, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read model list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("model list is not valid JSON")
	}

	var ids []string
	for _, id := range gjson.GetBytes(body, "data.#.id").Array() {
		if id.Type == gjson.String && id.Str != "" {
			ids = append(ids, id.Str)
		}
	}
	return ids, nil
}
