// Copyright 2024-2026 Aiku AI

package remotecall

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// statusRe matches the HTTP-like status code that remote failures start with.
var statusRe = regexp.MustCompile(`^(\d{3})\b`)

// TransientError is a remote failure worth retrying (429 or 5xx).
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a remote failure that retrying will not fix.
type FatalError struct {
	Status int
	Err    error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Classify wraps err as a *TransientError or *FatalError based on the status
// code at the start of its message. Errors that are already classified are
// returned unchanged. Errors without a status code are fatal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var transient *TransientError
	var fatal *FatalError
	if errors.As(err, &transient) || errors.As(err, &fatal) {
		return err
	}
	status := 0
	if m := statusRe.FindStringSubmatch(err.Error()); m != nil {
		status, _ = strconv.Atoi(m[1])
	}
	if status == 429 || (status >= 500 && status < 600) {
		return &TransientError{Status: status, Err: err}
	}
	return &FatalError{Status: status, Err: err}
}

// StatusError formats a failed remote operation the way the remote service
// reports it, "<status> <op>: <cause>", and classifies it.
func StatusError(status int, op string, err error) error {
	return Classify(fmt.Errorf("%d %s: %w", status, op, err))
}

// IsRetryable reports whether err carries a *TransientError.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
