package proxy

import (
	"errors"
	"fmt"
)

const previewLimit = 500

// BackendError carries a non-success response from an engine unchanged.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// DecodeError means a 200 response whose body is not valid JSON.
type DecodeError struct {
	Preview string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("backend returned an unparseable body: %s", e.Preview)
}

func newDecodeError(body []byte) *DecodeError {
	if len(body) > previewLimit {
		body = body[:previewLimit]
	}
	return &DecodeError{Preview: string(body)}
}

func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	ok := errors.As(err, &be)
	return be, ok
}

func AsDecodeError(err error) (*DecodeError, bool) {
	var de *DecodeError
	ok := errors.As(err, &de)
	return de, ok
}
