// Package resilience wraps outbound calls to models and tool providers with
// a hard per-call timeout, bounded retries for transient failures, and a
// circuit breaker per dependency.
package resilience

import (
	"context"
	"errors"
	"net"
)

// Kind classifies a transient failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
)

var (
	// ErrCircuitOpen is returned without attempting the call while a breaker is open
	// or while its half-open trial call is in flight.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCallTimeout marks a call that exceeded its per-call timeout or the caller deadline.
	ErrCallTimeout = errors.New("call timed out")

	// ErrPanicked wraps a panic recovered from a wrapped call.
	ErrPanicked = errors.New("panic in wrapped call")
)

// TransientError marks an error as retryable.
type TransientError struct {
	Kind Kind
	Err  error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure of the given kind.
func Transient(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Kind: kind, Err: err}
}

// retryable is implemented by errors from other packages that know whether
// they are worth retrying (provider errors, tool errors).
type retryable interface {
	Retryable() bool
}

// IsTransient reports whether err is a transient failure: an explicit
// TransientError, a timeout, or an error that declares itself retryable.
// Cancellation by the caller and an open circuit are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrCallTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// KindOf returns the transient kind of err, or "" if it is not transient.
func KindOf(err error) Kind {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, ErrCallTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if IsTransient(err) {
		return KindUnavailable
	}
	return ""
}
