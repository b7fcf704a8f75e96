package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

const (
	loadAdapterPath   = "/v1/load_lora_adapter"
	unloadAdapterPath = "/v1/unload_lora_adapter"
)

// AdapterRequest names a runtime LoRA adapter on an engine instance.
type AdapterRequest struct {
	LoRAName string `json:"lora_name"`
	LoRAPath string `json:"lora_path,omitempty"`
}

// LoadAdapter asks the engine at baseURL to load an adapter and returns its
// reply text.
func (c *Client) LoadAdapter(ctx context.Context, baseURL string, req AdapterRequest) (string, error) {
	if req.LoRAName == "" || req.LoRAPath == "" {
		return "", errors.New("lora_name and lora_path are required")
	}
	return c.adapterCall(ctx, baseURL+loadAdapterPath, req)
}

func (c *Client) UnloadAdapter(ctx context.Context, baseURL string, req AdapterRequest) (string, error) {
	if req.LoRAName == "" {
		return "", errors.New("lora_name is required")
	}
	req.LoRAPath = ""
	return c.adapterCall(ctx, baseURL+unloadAdapterPath, req)
}

func (c *Client) adapterCall(ctx context.Context, url string, req AdapterRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	raw, err := c.PostRaw(ctx, strings.TrimRight(url, "/"), body, c.cfg.GetTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
