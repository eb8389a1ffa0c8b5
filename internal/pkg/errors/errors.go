// Package errors provides standardized API error types.
package errors

import (
	"errors"
	"net/http"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is reports whether target carries the same machine-readable code.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	cp := *e
	cp.Message = message
	return &cp
}

// WithRequestID returns a copy of the error tagged with a correlation id.
func (e *APIError) WithRequestID(id string) *APIError {
	cp := *e
	cp.RequestID = id
	return &cp
}

// Standard error definitions
var (
	// ErrInvalidAuthInput is returned when wallet auth body fields are missing or malformed.
	ErrInvalidAuthInput = &APIError{
		Code:       "INVALID_AUTH_INPUT",
		Message:    "Wallet address, message and signature are required",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidSignature is returned when the recovered signer does not match.
	ErrInvalidSignature = &APIError{
		Code:       "INVALID_SIGNATURE",
		Message:    "Signature verification failed",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrInvalidAddress is returned for malformed or wrongly checksummed addresses.
	ErrInvalidAddress = &APIError{
		Code:       "INVALID_ADDRESS",
		Message:    "Invalid wallet address",
		StatusCode: http.StatusBadRequest,
	}

	// ErrMissingAuthHeaders is returned when header-based auth is incomplete.
	ErrMissingAuthHeaders = &APIError{
		Code:       "MISSING_AUTH_HEADERS",
		Message:    "Missing authentication headers",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrMalformedAuthHeader is returned when the Authorization header is not "Bearer <token>".
	ErrMalformedAuthHeader = &APIError{
		Code:       "MALFORMED_AUTH_HEADER",
		Message:    "Authorization header must be in the form 'Bearer <token>'",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrInvalidAPIKeyFormat is returned when a bearer token fails format validation.
	ErrInvalidAPIKeyFormat = &APIError{
		Code:       "INVALID_API_KEY_FORMAT",
		Message:    "Invalid API key format",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrInvalidAPIKey is returned for unknown or disabled credentials.
	ErrInvalidAPIKey = &APIError{
		Code:       "INVALID_API_KEY",
		Message:    "Invalid or inactive API key",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrMaxAPIKeysReached is returned when the active credential quota is full.
	ErrMaxAPIKeysReached = &APIError{
		Code:       "MAX_API_KEYS_REACHED",
		Message:    "Maximum number of active API keys reached",
		StatusCode: http.StatusForbidden,
	}

	// ErrAPIKeyNotFound is returned when a rotate/revoke target is missing or disabled.
	ErrAPIKeyNotFound = &APIError{
		Code:       "API_KEY_NOT_FOUND",
		Message:    "API key not found or already disabled",
		StatusCode: http.StatusNotFound,
	}

	// ErrMessageExpired is returned when a signed message is older than the freshness window.
	ErrMessageExpired = &APIError{
		Code:       "MESSAGE_EXPIRED",
		Message:    "Signed message has expired",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrMessageInFuture is returned when a signed message carries a future timestamp.
	ErrMessageInFuture = &APIError{
		Code:       "MESSAGE_IN_FUTURE",
		Message:    "Signed message timestamp is in the future",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrReplayDetected is returned when a signature has already been used.
	ErrReplayDetected = &APIError{
		Code:       "REPLAY_DETECTED",
		Message:    "Signature has already been used",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrTooManyRequests is returned when rate limits are exceeded.
	ErrTooManyRequests = &APIError{
		Code:       "TOO_MANY_REQUESTS",
		Message:    "Rate limit exceeded",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrForbidden is returned when the caller does not own the target resource.
	ErrForbidden = &APIError{
		Code:       "FORBIDDEN",
		Message:    "You don't have permission to perform this action",
		StatusCode: http.StatusForbidden,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       "INTERNAL_ERROR",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return ErrInvalidAuthInput.WithMessage("Validation failed: " + message).WithDetails(map[string]string{
		"field": field,
		"error": message,
	})
}

// MaxAPIKeysReached builds the quota error with its limit/current details.
func MaxAPIKeysReached(limit, current int) *APIError {
	return ErrMaxAPIKeysReached.WithDetails(map[string]int{
		"limit":   limit,
		"current": current,
	})
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal
}
