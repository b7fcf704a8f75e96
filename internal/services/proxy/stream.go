package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const (
	streamBufferSize = 32 << 10
	// usageTailLimit bounds how many trailing stream bytes are kept for usage
	// extraction.
	usageTailLimit = 10000
	errorBodyLimit = 64 << 10
)

// StreamHeaders are set on every relayed event stream.
var StreamHeaders = map[string]string{
	"Content-Type":           "text/event-stream",
	"Cache-Control":          "no-cache",
	"Connection":             "keep-alive",
	"X-Accel-Buffering":      "no",
	"X-Content-Type-Options": "nosniff",
}

// ErrorEvent renders a terminal SSE event carrying message.
func ErrorEvent(message string) []byte {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

// ForwardStreaming POSTs body to url and copies the engine's event stream to
// w chunk by chunk without reframing. Failures after the call is made are
// written to w as a final error event; the returned error is for logging.
// Cancelling ctx aborts the upstream request.
func (c *Client) ForwardStreaming(ctx context.Context, url string, body []byte, key string, w io.Writer) (err error) {
	flusher, _ := w.(http.Flusher)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stream relay panic: %v", p)
			c.logger.Error("Stream relay panicked", zap.String("url", url), zap.Any("panic", p))
			writeEvent(w, flusher, ErrorEvent("stream relay failed"))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		writeEvent(w, flusher, ErrorEvent(err.Error()))
		return fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		writeEvent(w, flusher, ErrorEvent(fmt.Sprintf("backend request failed: %v", err)))
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		c.logger.Warn("Backend returned error for stream",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode))
		writeEvent(w, flusher, ErrorEvent(string(detail)))
		return &BackendError{StatusCode: resp.StatusCode, Body: string(detail)}
	}

	tail := make([]byte, 0, usageTailLimit)
	buf := make([]byte, streamBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				// Client is gone, nothing more can be delivered.
				return fmt.Errorf("write to client: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			tail = appendTail(tail, chunk)
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("Stream relay interrupted", zap.String("url", url), zap.Error(readErr))
		writeEvent(w, flusher, ErrorEvent(fmt.Sprintf("stream interrupted: %v", readErr)))
		return fmt.Errorf("read backend stream: %w", readErr)
	}

	c.extractStreamUsage(key, tail)
	return nil
}

// appendTail keeps at most usageTailLimit trailing bytes.
func appendTail(tail, chunk []byte) []byte {
	if len(chunk) >= usageTailLimit {
		tail = tail[:0]
		return append(tail, chunk[len(chunk)-usageTailLimit:]...)
	}
	if overflow := len(tail) + len(chunk) - usageTailLimit; overflow > 0 {
		copy(tail, tail[overflow:])
		tail = tail[:len(tail)-overflow]
	}
	return append(tail, chunk...)
}

// extractStreamUsage parses the retained tail on its own goroutine so chunk
// delivery never waits on it.
func (c *Client) extractStreamUsage(key string, tail []byte) {
	if c.recorder == nil || len(tail) == 0 {
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if usage, ok := ExtractStreamUsage(tail); ok {
			c.record(key, usage)
		}
	}()
}

func writeEvent(w io.Writer, flusher http.Flusher, event []byte) {
	if _, err := w.Write(event); err != nil {
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}
