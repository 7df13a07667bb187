// Package errors provides the error envelope shared by every lindagate handler.
// It includes structured error types, JSON response formatting, request ID tracking,
// and integrated logging with Uber's zap logger.
//
// Every failure path in the gateway ends in WriteError, so a caller always receives
// either the handler's regular body or a JSON envelope of the form
//
//	{"error": "text is required", "type": "validation_error", "request_id": "..."}
//
// Upstream provider bodies never reach the caller verbatim. They are attached as a
// capped excerpt through WithDetail/Excerpt.
//
// Basic usage:
//
//	errors.ErrorWithType(w, "Invalid input", errors.ValidationError, http.StatusBadRequest)
//
//	err := errors.NewValidationError(requestID, "text is required", map[string]interface{}{
//	    "field": "text",
//	})
//	errors.WriteError(w, err)
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// DefaultLogger is the default zap logger instance used throughout the package.
// It is initialized to a production configuration but can be overridden using SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger allows setting a custom zap logger instance.
// A nil logger is ignored.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType categorizes a RelayError for clients and logs.
type ErrorType string

const (
	// ValidationError represents missing or malformed input fields
	ValidationError ErrorType = "validation_error"

	// PayloadTooLargeError represents a body or field over its hard limit
	PayloadTooLargeError ErrorType = "payload_too_large"

	// UnsupportedMediaError represents a body with a non-JSON content type
	UnsupportedMediaError ErrorType = "unsupported_media_type"

	// AuthError represents a missing or wrong client secret
	AuthError ErrorType = "authentication_error"

	// OriginError represents a request from a disallowed origin
	OriginError ErrorType = "origin_error"

	// MethodError represents a disallowed HTTP method
	MethodError ErrorType = "method_not_allowed"

	// RateLimitError represents rate limiting errors
	RateLimitError ErrorType = "rate_limit_error"

	// ConfigError represents a missing credential or endpoint
	ConfigError ErrorType = "config_error"

	// ProviderError represents errors from upstream providers
	ProviderError ErrorType = "provider_error"

	// TimeoutError represents an upstream call cancelled by its deadline
	TimeoutError ErrorType = "timeout_error"

	// PaymentRequiredError represents a provider feature the configured plan lacks
	PaymentRequiredError ErrorType = "payment_required"

	// UnavailableError represents a full admission queue or an open circuit breaker
	UnavailableError ErrorType = "service_unavailable"

	// NotFoundError represents an unknown route or action
	NotFoundError ErrorType = "not_found"

	// InternalError represents unexpected internal server errors
	InternalError ErrorType = "internal_error"
)

// RelayError is the gateway's error type. It is serialized to JSON for API
// responses while keeping the underlying error for logging.
type RelayError struct {
	// Message is the human-readable error text, exposed as "error"
	Message string `json:"error"`

	// Type categorizes the error for client handling
	Type ErrorType `json:"type"`

	// Code is the HTTP status code (not exposed in JSON)
	Code int `json:"-"`

	// RequestID links the error to a specific request
	RequestID string `json:"request_id,omitempty"`

	// Detail is a capped excerpt of an upstream body
	Detail string `json:"detail,omitempty"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// headers are set on the response before the status is written
	headers http.Header

	// err is the underlying error (not exposed in JSON)
	err error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.err
}

// Is matches on Type only, so errors.Is(err, &RelayError{Type: RateLimitError})
// works regardless of message or request.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail attaches an excerpt of an upstream body, capped at max runes.
func (e *RelayError) WithDetail(body string, max int) *RelayError {
	e.Detail = Excerpt(body, max)
	return e
}

// WithHeader adds a response header written together with the error.
func (e *RelayError) WithHeader(key, value string) *RelayError {
	if e.headers == nil {
		e.headers = make(http.Header)
	}
	e.headers.Set(key, value)
	return e
}

// Header returns the headers attached with WithHeader.
func (e *RelayError) Header() http.Header {
	return e.headers
}

// WriteError writes a RelayError as JSON with its status code.
func WriteError(w http.ResponseWriter, err *RelayError) {
	for k, vs := range err.headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if err.Code == http.StatusTooManyRequests {
		if ra, ok := err.Details["retry_after"].(int); ok && w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", strconv.Itoa(ra))
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(err.Code)
	_ = json.NewEncoder(w).Encode(err)
}

// ErrorWithType writes an error of the given type. The request ID is taken
// from the X-Request-ID response header set by the RequestID middleware.
func ErrorWithType(w http.ResponseWriter, message string, errType ErrorType, code int) {
	WriteError(w, &RelayError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}
