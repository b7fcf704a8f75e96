package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	// Timeout bounds a whole buffered call.
	Timeout time.Duration
	// ConnectTimeout bounds dialing and TLS handshakes, streaming included.
	ConnectTimeout     time.Duration
	GetTimeout         time.Duration
	MaxConnections     int
	MaxIdleConnections int
	IdleConnTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:            300 * time.Second,
		ConnectTimeout:     30 * time.Second,
		GetTimeout:         30 * time.Second,
		MaxConnections:     2048,
		MaxIdleConnections: 1024,
		IdleConnTimeout:    600 * time.Second,
	}
}

// Client relays requests to engine instances over one shared connection pool.
type Client struct {
	cfg       Config
	transport *http.Transport
	http      *http.Client
	recorder  UsageRecorder
	logger    *zap.Logger

	background sync.WaitGroup
	closeOnce  sync.Once
}

// NewClient builds the pool. Close it on shutdown.
func NewClient(cfg Config, recorder UsageRecorder, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = def.GetTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = def.MaxIdleConnections
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConnections,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnections,
		MaxConnsPerHost:       cfg.MaxConnections,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}

	return &Client{
		cfg:       cfg,
		transport: transport,
		// No client timeout: buffered calls carry a context deadline and
		// streams must not be cut off mid-generation.
		http:     &http.Client{Transport: transport},
		recorder: recorder,
		logger:   logger,
	}
}

// HTTPClient exposes the pooled client for other backend-facing calls.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Close waits for pending usage extraction and drops idle connections.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.background.Wait()
		c.transport.CloseIdleConnections()
	})
}

// ForwardNonStreaming POSTs body to url and returns the engine's JSON reply.
func (c *Client) ForwardNonStreaming(ctx context.Context, url string, body []byte, key string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	status, raw, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		c.logger.Warn("Backend returned error",
			zap.String("url", url),
			zap.Int("status", status))
		return nil, &BackendError{StatusCode: status, Body: string(raw)}
	}
	if !json.Valid(raw) {
		c.logger.Error("Backend returned invalid JSON",
			zap.String("url", url),
			zap.Int("bytes", len(raw)))
		return nil, newDecodeError(raw)
	}

	if usage, ok := ExtractUsage(raw); ok {
		c.record(key, usage)
	}
	return json.RawMessage(raw), nil
}

// ForwardGet proxies a listing-style GET. A zero timeout uses the default.
func (c *Client) ForwardGet(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.GetTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, raw, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &BackendError{StatusCode: status, Body: string(raw)}
	}
	if !json.Valid(raw) {
		return nil, newDecodeError(raw)
	}
	return json.RawMessage(raw), nil
}

// PostRaw POSTs body and returns the reply unparsed. Engines answer adapter
// management calls with plain text.
func (c *Client) PostRaw(ctx context.Context, url string, body []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, raw, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &BackendError{StatusCode: status, Body: string(raw)}
	}
	return raw, nil
}

// Probe reports nil when GET url answers 200 within timeout.
func (c *Client) Probe(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, _, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("probe %s returned status %d", url, status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build backend request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read backend response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) record(key string, usage Usage) {
	if c.recorder != nil {
		c.recorder.RecordUsage(key, usage)
	}
}
