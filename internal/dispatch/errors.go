package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrSaturated means no agent of the tenant could take the call. Nothing was recorded.
	ErrSaturated  = errors.New("dispatch: no agent available")
	ErrValidation = errors.New("dispatch: validation failed")
)

// ValidationError is a caller mistake: unknown tenant, agent, call or type tag, a malformed
// phone number, or an illegal status change. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("dispatch: invalid %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

func invalid(field, reason string, cause error) error {
	return &ValidationError{Field: field, Reason: reason, Err: cause}
}
