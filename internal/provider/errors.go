package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorReason categorizes why a backend request failed, driving retry
// decisions and the error detail surfaced to clients.
type ErrorReason string

const (
	ReasonBilling          ErrorReason = "billing"
	ReasonRateLimit        ErrorReason = "rate_limit"
	ReasonAuth             ErrorReason = "auth"
	ReasonTimeout          ErrorReason = "timeout"
	ReasonServerError      ErrorReason = "server_error"
	ReasonInvalidRequest   ErrorReason = "invalid_request"
	ReasonModelUnavailable ErrorReason = "model_unavailable"
	ReasonContentFilter    ErrorReason = "content_filter"
	ReasonUnknown          ErrorReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Error is a classified failure from an LLM backend.
type Error struct {
	Reason    ErrorReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError wraps a backend failure, classifying it from the cause text.
func NewError(providerName, model string, cause error) *Error {
	e := &Error{
		Provider: providerName,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = Classify(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Reason = classifyStatus(status)
	return e
}

// WithCode records the backend error code, reclassifying when the code
// is recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage replaces the message text.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithRequestID records the backend request id for debugging.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether err is worth retrying, classifying raw
// errors that were never wrapped.
func Retryable(err error) bool {
	if pe, ok := AsError(err); ok {
		return pe.Reason.IsRetryable()
	}
	return Classify(err).IsRetryable()
}

// Classify inspects an error's text and assigns a reason.
func Classify(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth
	case strings.Contains(msg, "billing"),
		strings.Contains(msg, "payment"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "insufficient"),
		strings.Contains(msg, "402"):
		return ReasonBilling
	case strings.Contains(msg, "content_filter"),
		strings.Contains(msg, "content policy"),
		strings.Contains(msg, "safety"),
		strings.Contains(msg, "blocked"):
		return ReasonContentFilter
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "model_not_found"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "unavailable"):
		return ReasonModelUnavailable
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyStatus(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) ErrorReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "overloaded_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}
