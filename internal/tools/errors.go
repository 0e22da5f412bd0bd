package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/conductor/internal/resilience"
)

// Policy errors. These are never retried.
var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolNotAllowed   = errors.New("tool not allowed for tenant")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrRateLimited      = errors.New("tool rate limit exceeded")
	ErrUnknownProvider  = errors.New("unknown tool provider")
)

// ErrorKind classifies a tool failure.
type ErrorKind string

const (
	KindPolicy      ErrorKind = "policy"
	KindInvalid     ErrorKind = "invalid_arguments"
	KindRateLimit   ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindUnavailable ErrorKind = "unavailable"
	KindProvider    ErrorKind = "provider"
	KindInternal    ErrorKind = "internal"
)

// ToolError is the uniform failure shape returned to the model.
type ToolError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Normalize maps any error from the pipeline onto a ToolError.
func Normalize(err error) *ToolError {
	if err == nil {
		return nil
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}

	switch {
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrToolNotAllowed), errors.Is(err, ErrUnknownProvider):
		return &ToolError{Kind: KindPolicy, Message: err.Error(), Cause: err}
	case errors.Is(err, ErrInvalidArguments):
		return &ToolError{Kind: KindInvalid, Message: err.Error(), Cause: err}
	case errors.Is(err, ErrRateLimited):
		return &ToolError{Kind: KindRateLimit, Message: err.Error(), Retryable: true, Cause: err}
	case errors.Is(err, resilience.ErrCircuitOpen):
		return &ToolError{Kind: KindUnavailable, Message: err.Error(), Retryable: true, Cause: err}
	case errors.Is(err, resilience.ErrPanicked):
		return &ToolError{Kind: KindInternal, Message: err.Error(), Cause: err}
	case errors.Is(err, context.Canceled):
		return &ToolError{Kind: KindInternal, Message: "canceled", Cause: err}
	case resilience.IsTransient(err):
		return &ToolError{Kind: KindTransient, Message: err.Error(), Retryable: true, Cause: err}
	default:
		return &ToolError{Kind: KindProvider, Message: err.Error(), Cause: err}
	}
}
