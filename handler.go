package conveyor

import (
	"context"
	"errors"
	"net"
)

// ErrJobCanceled is raised by a handler (usually via the progress context)
// when it observes a cooperative cancellation request. The executor
// finalizes the job as Canceled: no retry, no dead letter.
var ErrJobCanceled = errors.New("conveyor: job canceled")

// TransientError marks a handler failure as retryable. The executor
// finalizes the job as Failed and schedules a retry with backoff.
type TransientError struct {
	Message string
	Cause   error
}

func (e *TransientError) Error() string { return e.Message }

func (e *TransientError) Unwrap() error { return e.Cause }

// NewTransient creates a retryable handler error.
func NewTransient(message string) error {
	return &TransientError{Message: message}
}

// WrapTransient wraps an underlying error as retryable.
func WrapTransient(message string, cause error) error {
	return &TransientError{Message: message, Cause: cause}
}

// PermanentError marks a handler failure as non-retryable. The executor
// finalizes the job as Dead Letter immediately.
type PermanentError struct {
	Message string
	Cause   error
}

func (e *PermanentError) Error() string { return e.Message }

func (e *PermanentError) Unwrap() error { return e.Cause }

// NewPermanent creates a non-retryable handler error.
func NewPermanent(message string) error {
	return &PermanentError{Message: message}
}

// WrapPermanent wraps an underlying error as non-retryable.
func WrapPermanent(message string, cause error) error {
	return &PermanentError{Message: message, Cause: cause}
}

// Retryable classifies a handler error.
//
// Classification rules:
//   - PermanentError: never retry
//   - TransientError: always retry
//   - context deadline / network timeouts: retry
//   - unknown errors: default to retry (fail-safe)
func Retryable(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return true
}

// ErrorKind returns the classification string stored on the job record:
// "Transient" or "Permanent".
func ErrorKind(err error) string {
	if Retryable(err) {
		return "Transient"
	}
	return "Permanent"
}
