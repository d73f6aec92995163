package resilience

import (
	"context"
	"errors"
)

// permanentError opts a single failure out of retries.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of its kind.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// TransientClassifier builds a classifier that retries errors matched by
// isTransient and an open circuit, and never retries cancellation.
func TransientClassifier(isTransient func(error) bool) ErrorClassifier {
	return func(err error) ErrorClassification {
		switch {
		case err == nil:
			return ErrorClassification{}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ErrorClassification{Retryable: false, RecordFailure: false}
		case IsPermanent(err):
			return ErrorClassification{Retryable: false, RecordFailure: true}
		case IsCircuitOpen(err):
			return ErrorClassification{Retryable: true, RecordFailure: true}
		case isTransient != nil && isTransient(err):
			return ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return ErrorClassification{Retryable: false, RecordFailure: true}
		}
	}
}
