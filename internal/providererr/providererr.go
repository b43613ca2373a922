// Package providererr carries the HTTP status code (when one exists) on a
// provider error so the fallback orchestrator can classify failures without
// coupling to any particular HTTP client's error types.
package providererr

import (
	"errors"
	"fmt"
)

// StatusError wraps an error from a provider call with the HTTP status code
// the provider responded with, if any.
type StatusError struct {
	Provider   string
	StatusCode int // 0 when the failure never reached an HTTP response (timeout, dial error, ...)
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Wrap builds a [StatusError] attributing err to provider with the given
// status code (0 if the error never produced one).
func Wrap(provider string, statusCode int, err error) error {
	return &StatusError{Provider: provider, StatusCode: statusCode, Err: err}
}

// StatusCode extracts the HTTP status code from err, returning (code, true)
// when err is or wraps a [StatusError] with a non-zero code.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode != 0 {
		return se.StatusCode, true
	}
	return 0, false
}
