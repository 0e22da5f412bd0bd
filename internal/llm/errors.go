package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason categorizes why a provider request failed.
type FailoverReason string

const (
	// FailoverBilling indicates payment/quota issues (HTTP 402)
	FailoverBilling FailoverReason = "billing"

	// FailoverRateLimit indicates rate limiting (HTTP 429)
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverAuth indicates authentication failure (HTTP 401, 403)
	FailoverAuth FailoverReason = "auth"

	// FailoverTimeout indicates request timeout
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError indicates server-side issues (HTTP 5xx)
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates client-side issues (HTTP 400)
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable indicates the model is not available
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverContentFilter indicates content was blocked by safety filters
	FailoverContentFilter FailoverReason = "content_filter"

	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable returns true if retrying may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from a model vendor. It implements
// Retryable so the resilience layer retries only transient reasons.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient.
func (e *ProviderError) Retryable() bool {
	return e.Reason.IsRetryable()
}

// NewProviderError creates a ProviderError classified from cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailoverUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus adds the HTTP status and reclassifies.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a provider-specific error code and reclassifies when known.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// ClassifyError inspects an error message and returns a FailoverReason.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "etimedout"):
		return FailoverTimeout
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429", "resource exhausted"):
		return FailoverRateLimit
	case containsAny(msg, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return FailoverAuth
	case containsAny(msg, "billing", "payment", "quota", "insufficient", "402"):
		return FailoverBilling
	case containsAny(msg, "content_filter", "content policy", "safety", "blocked"):
		return FailoverContentFilter
	case containsAny(msg, "model not found", "model_not_found", "does not exist"):
		return FailoverModelUnavailable
	case containsAny(msg, "internal server", "server error", "unavailable", "overloaded", "500", "502", "503", "504"):
		return FailoverServerError
	}
	return FailoverUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusRequestTimeout:
		return FailoverTimeout
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception":
		return FailoverRateLimit
	case "authentication_error", "invalid_api_key", "accessdeniedexception":
		return FailoverAuth
	case "billing_error", "insufficient_quota":
		return FailoverBilling
	case "model_not_found", "model_not_available", "resourcenotfoundexception":
		return FailoverModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailoverContentFilter
	case "server_error", "internal_error", "api_error", "overloaded_error",
		"internalserverexception", "serviceunavailableexception", "modelnotreadyexception":
		return FailoverServerError
	case "modeltimeoutexception":
		return FailoverTimeout
	case "invalid_request_error", "validationexception":
		return FailoverInvalidRequest
	default:
		return FailoverUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}
