package errors

import (
	"net/http"
	"strings"
)

// NewError creates a new RelayError with the given parameters.
// For most cases, use one of the specialized constructors below.
//
// Example:
//
//	err := NewError(InternalError, "store unavailable", 500, "req_123", nil, dbErr)
func NewError(errType ErrorType, message string, code int, requestID string, details map[string]interface{}, err error) *RelayError {
	return &RelayError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewValidationError creates a 400 error. The message should name the
// offending field, e.g. "text is required".
//
// Example:
//
//	err := NewValidationError("req_123", "targetLang must be one of EN, ES, FR, TR", map[string]interface{}{
//	    "field": "targetLang",
//	})
func NewValidationError(requestID, message string, validationDetails map[string]interface{}) *RelayError {
	return &RelayError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   validationDetails,
	}
}

// NewRequiredError is the 400 for a required field that normalized to empty.
func NewRequiredError(requestID, field string) *RelayError {
	return NewValidationError(requestID, field+" is required", map[string]interface{}{
		"field": field,
	})
}

// NewPayloadTooLargeError creates a 413 for a body or size-gated field.
func NewPayloadTooLargeError(requestID, field string, limit int) *RelayError {
	msg := "Request body too large"
	if field != "" {
		msg = field + " too long"
	}
	return &RelayError{
		Type:      PayloadTooLargeError,
		Message:   msg,
		Code:      http.StatusRequestEntityTooLarge,
		RequestID: requestID,
		Details: map[string]interface{}{
			"limit": limit,
		},
	}
}

// NewUnsupportedMediaError creates a 415 for non-JSON request bodies.
func NewUnsupportedMediaError(requestID, contentType string) *RelayError {
	return &RelayError{
		Type:      UnsupportedMediaError,
		Message:   "Content-Type must be application/json",
		Code:      http.StatusUnsupportedMediaType,
		RequestID: requestID,
		Details: map[string]interface{}{
			"content_type": contentType,
		},
	}
}

// NewAuthError creates a 401 error.
func NewAuthError(requestID, message string, err error) *RelayError {
	return &RelayError{
		Type:      AuthError,
		Message:   message,
		Code:      http.StatusUnauthorized,
		RequestID: requestID,
		err:       err,
	}
}

// NewOriginError creates a 403 for a rejected Origin or Referer.
func NewOriginError(requestID, origin string) *RelayError {
	return &RelayError{
		Type:      OriginError,
		Message:   "Forbidden origin",
		Code:      http.StatusForbidden,
		RequestID: requestID,
		Details: map[string]interface{}{
			"origin": origin,
		},
	}
}

// NewMethodError creates a 405 carrying the Allow header.
func NewMethodError(requestID, method string, allowed []string) *RelayError {
	allow := strings.Join(allowed, ", ")
	e := &RelayError{
		Type:      MethodError,
		Message:   "Method not allowed",
		Code:      http.StatusMethodNotAllowed,
		RequestID: requestID,
		Details: map[string]interface{}{
			"method":  method,
			"allowed": allow,
		},
	}
	return e.WithHeader("Allow", allow)
}

// NewRateLimitError creates a 429 with a Retry-After hint in seconds.
//
// Example:
//
//	err := NewRateLimitError("req_123", 60)
func NewRateLimitError(requestID string, retryAfter int) *RelayError {
	return &RelayError{
		Type:      RateLimitError,
		Message:   "Rate limit erreicht. Bitte in 1 Minute erneut versuchen.",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewConfigError creates the 500 returned when a credential or endpoint is
// not configured. name is the provider, never the secret.
func NewConfigError(requestID, name string) *RelayError {
	return &RelayError{
		Type:      ConfigError,
		Message:   name + " not configured",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
	}
}

// NewProviderError creates an upstream error. A status outside 400..599
// is reported as 502.
//
// Example:
//
//	err := NewProviderError("req_123", "DeepL API error (456)", 456, nil).WithDetail(body, 500)
func NewProviderError(requestID, message string, status int, err error) *RelayError {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &RelayError{
		Type:      ProviderError,
		Message:   message,
		Code:      status,
		RequestID: requestID,
		err:       err,
	}
}

// NewTimeoutError creates a 504 for an upstream call that hit its deadline.
func NewTimeoutError(requestID, message string, err error) *RelayError {
	return &RelayError{
		Type:      TimeoutError,
		Message:   message,
		Code:      http.StatusGatewayTimeout,
		RequestID: requestID,
		err:       err,
	}
}

// NewPaymentRequiredError creates a 402 for provider features the
// configured plan does not include.
func NewPaymentRequiredError(requestID, message string) *RelayError {
	return &RelayError{
		Type:      PaymentRequiredError,
		Message:   message,
		Code:      http.StatusPaymentRequired,
		RequestID: requestID,
	}
}

// NewNotFoundError creates a 404, or a 400 when the unknown thing is a
// request parameter rather than a path.
func NewNotFoundError(requestID, message string, code int) *RelayError {
	return &RelayError{
		Type:      NotFoundError,
		Message:   message,
		Code:      code,
		RequestID: requestID,
	}
}

// NewUnavailableError creates a 503 for work the gateway cannot take on
// right now.
func NewUnavailableError(requestID, message string, err error) *RelayError {
	return &RelayError{
		Type:      UnavailableError,
		Message:   message,
		Code:      http.StatusServiceUnavailable,
		RequestID: requestID,
		err:       err,
	}
}

// NewInternalError creates a generic 500. The underlying error is kept
// for logging only.
func NewInternalError(requestID string, err error) *RelayError {
	return &RelayError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
