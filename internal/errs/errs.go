// Package errs distinguishes actionable user-facing errors from unexpected
// internal failures.
package errs

import (
	"errors"
	"fmt"
)

// UserError marks a known, actionable misconfiguration. The CLI prints these
// as a clean one-line message and suppresses verbose detail.
type UserError struct {
	Msg string
	Err error
}

func (e *UserError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *UserError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Userf builds a user-facing error from a format string.
func Userf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

// User wraps err as a user-facing error with a message prefix.
func User(msg string, err error) error {
	return &UserError{Msg: msg, Err: err}
}

// IsUser reports whether err is (or wraps) a user-facing error.
func IsUser(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}
