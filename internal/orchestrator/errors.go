package orchestrator

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/conductor/internal/tenants"
)

// State is a stage of message processing.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateContextLoaded State = "CONTEXT_LOADED"
	StatePlanning      State = "PLANNING"
	StatePromptBuilt   State = "PROMPT_BUILT"
	StateToolLoop      State = "TOOL_LOOP"
	StateReflecting    State = "REFLECTING"
	StateResponded     State = "RESPONDED"
)

var (
	// ErrUnknownTenant is returned when the message's tenant cannot be resolved.
	ErrUnknownTenant = tenants.ErrUnknownTenant

	// ErrEmptyMessage is returned for an inbound message without text.
	ErrEmptyMessage = errors.New("message has no text")

	// ErrTenantMismatch is returned when the message, identity and tenant
	// context name different tenants.
	ErrTenantMismatch = errors.New("tenant mismatch")
)

// DriverError is a fatal processing error and the stage it happened in.
type DriverError struct {
	Phase State

	// Round is the tool-loop round, zero outside the loop.
	Round int

	Cause error
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	if e.Round > 0 {
		return fmt.Sprintf("orchestrator error at %s (round %d): %v", e.Phase, e.Round, e.Cause)
	}
	return fmt.Sprintf("orchestrator error at %s: %v", e.Phase, e.Cause)
}

// Unwrap returns the underlying error.
func (e *DriverError) Unwrap() error {
	return e.Cause
}
