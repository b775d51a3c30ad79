package commands

import (
	"context"
	"errors"
	"fmt"
)

// ExitError carries the process exit status of a command. Err is nil when
// the status is not a failure of the command itself, such as drift found by
// a dry run.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// exitWith wraps err with code, or returns nil for a clean exit.
func exitWith(code int, err error) error {
	if code == 0 && err == nil {
		return nil
	}
	if code == 0 {
		code = 1
	}
	return &ExitError{Code: code, Err: err}
}
