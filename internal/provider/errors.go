package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed, feeding the caller's
// retry decision.
type Reason string

const (
	// ReasonRateLimit is HTTP 429: the vendor is throttling.
	ReasonRateLimit Reason = "rate_limit"

	// ReasonAuth is HTTP 401/403: the API key is wrong or lacks access.
	ReasonAuth Reason = "auth"

	// ReasonBilling is HTTP 402 and quota exhaustion.
	ReasonBilling Reason = "billing"

	// ReasonTimeout covers request deadlines and vendor-side timeouts.
	ReasonTimeout Reason = "timeout"

	// ReasonServerError is HTTP 5xx: a vendor-side fault.
	ReasonServerError Reason = "server_error"

	// ReasonInvalidRequest is HTTP 400: the request itself is malformed.
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonModelUnavailable means the requested model does not exist or
	// is not accessible to this account.
	ReasonModelUnavailable Reason = "model_unavailable"

	// ReasonUnknown is everything unclassified.
	ReasonUnknown Reason = "unknown"
)

// Retryable reports whether another attempt against the same provider may
// succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Terminal reports whether the failure cannot be cured by retrying anywhere:
// the request or the account is the problem.
func (r Reason) Terminal() bool {
	switch r {
	case ReasonAuth, ReasonBilling, ReasonInvalidRequest, ReasonModelUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure.
type Error struct {
	// Provider is the adapter that produced the error.
	Provider string

	// Model is the model that was requested.
	Model string

	// Reason categorizes the failure.
	Reason Reason

	// Status is the HTTP status code, when one applies.
	Status int

	// Code is the vendor-specific error code, when one was reported.
	Code string

	// Message is the vendor's human-readable message.
	Message string

	// RequestID is the vendor's request identifier, useful when filing
	// support tickets.
	RequestID string

	// Cause is the underlying SDK error.
	Cause error
}

func (e *Error) Error() string {
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
	if e.RequestID != "" {
		parts = append(parts, "request_id="+e.RequestID)
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the call may be retried.
func (e *Error) Retryable() bool { return e.Reason.Retryable() }

// newError classifies a raw SDK error when no status code is available.
func newError(providerName, model string, cause error) *Error {
	e := &Error{
		Provider: providerName,
		Model:    model,
		Reason:   ReasonUnknown,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classifyMessage(cause.Error())
	}
	return e
}

// withStatus sets the HTTP status and reclassifies from it; status codes
// are more reliable than message text.
func (e *Error) withStatus(status int) *Error {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// withCode records the vendor error code and reclassifies when the code is
// recognized.
func (e *Error) withCode(code string) *Error {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

func (e *Error) withMessage(msg string) *Error {
	if msg != "" {
		e.Message = msg
	}
	return e
}

func (e *Error) withRequestID(id string) *Error {
	if id != "" {
		e.RequestID = id
	}
	return e
}

// IsRetryable reports whether any error, classified or raw, is worth
// retrying against the same provider.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return classifyMessage(err.Error()).Retryable()
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception":
		return ReasonRateLimit
	case "authentication_error", "permission_error", "invalid_api_key", "accessdeniedexception", "unrecognizedclientexception":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "overloaded_error", "api_error", "server_error", "internal_error", "internalserverexception", "serviceunavailableexception", "modelnotreadyexception":
		return ReasonServerError
	case "timeout_error", "modeltimeoutexception":
		return ReasonTimeout
	case "not_found_error", "model_not_found", "resourcenotfoundexception":
		return ReasonModelUnavailable
	case "invalid_request_error", "validationexception":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// classifyMessage is the last resort for SDK errors that expose neither a
// status nor a code.
func classifyMessage(msg string) Reason {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
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
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "payment"):
		return ReasonBilling
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "529"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
