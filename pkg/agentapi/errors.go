package agentapi

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the agent did not finish within the client timeout.
var ErrTimeout = errors.New("agent did not respond in time")

// DispatchError describes a failed call to the agent API.
type DispatchError struct {
	StatusCode int
	Attempts   int
	Transient  bool
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("agent dispatch failed after %d attempt(s): status %d: %v", e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("agent dispatch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is an agent timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsTransient reports whether err would have been retried.
func IsTransient(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Transient
}
