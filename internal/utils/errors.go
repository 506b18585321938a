package utils

import (
	"errors"
	"fmt"
)

// ErrResyncRequired signals that a watch resume token has expired and the
// watcher must perform a full resynchronization pass before resuming.
var ErrResyncRequired = errors.New("resume token expired, resync required")

// TransientError marks a failure that is safe to retry with backoff:
// stream disconnects, 5xx responses, timeouts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// PermanentError marks a failure that must not be retried, such as a 4xx
// response from a notification channel or rejected credentials.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(op string, err error) error {
	return &PermanentError{Op: op, Err: err}
}

// MalformedResponseError marks a reasoning service response that could not be
// parsed. Recovered locally via the classifier fallback, never surfaced as a
// pipeline failure.
type MalformedResponseError struct {
	Detail string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed response: %s", e.Detail)
	}
	return fmt.Sprintf("malformed response: %s: %v", e.Detail, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
