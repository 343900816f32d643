package extract

import (
	"errors"
	"fmt"
)

// Kind classifies a failed extraction attempt for the retry policy.
type Kind string

const (
	RateLimited     Kind = "rate_limited"
	Timeout         Kind = "timeout"
	InvalidResponse Kind = "invalid_response"
	ProviderError   Kind = "provider_error"
)

// Error is a classified extraction failure for one unit. Every kind is
// retryable: the pipeline backs off and tries again, and records the unit
// as failed once attempts are exhausted.
type Error struct {
	Kind Kind
	Unit string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract %s (%s): %v", e.Unit, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassificationError marks a unit that cannot be prepared at all, such
// as an unreadable file or an unregistered variant. Not retryable: the
// pipeline logs it and moves on.
type ClassificationError struct {
	Unit string
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.Unit, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt at the same unit can
// succeed.
func Retryable(err error) bool {
	var ce *ClassificationError
	if errors.As(err, &ce) {
		return false
	}
	var ee *Error
	return errors.As(err, &ee)
}
