package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. These cover host-level failures
// only; agent code failing, timing out, or being rejected by the sanitizer
// is a normal outcome reported inside a Result.
var (
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrIsolatorUnavailable = errors.New("no isolator available")
	ErrManagerClosed       = errors.New("sandbox manager closed")
)

// ExecutionError wraps host-level failures with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
