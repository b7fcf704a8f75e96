package supervisor

import (
	"errors"
	"strings"
)

// Error describes a failed lifecycle operation on a backend process.
type Error struct {
	Engine string
	Op     string
	Reason string

	// ExitCode and the diagnosis fields are set when the process exited
	// during its grace period.
	ExitCode int
	Hints    []string
	Summary  []string

	// Contention is set when another gateway holds the start lock.
	Contention bool

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Engine)
	b.WriteString(" ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func IsLockContention(err error) bool {
	se, ok := AsError(err)
	return ok && se.Contention
}
