package admission

import (
	"errors"
	"fmt"
)

const (
	ReasonGlobalConcurrency = "global concurrency limit reached"
	ReasonKeyConcurrency    = "per-key concurrency limit reached"
	ReasonTokenBudget       = "token usage exceeded"
)

// RejectedError is returned when a request may not proceed. It maps to 429.
type RejectedError struct {
	Reason string
	Limit  int
}

func (e *RejectedError) Error() string {
	if e.Reason == ReasonTokenBudget {
		return fmt.Sprintf("%s (limit: %d/minute)", e.Reason, e.Limit)
	}
	return e.Reason
}

// IsRejected reports whether err is an admission rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
