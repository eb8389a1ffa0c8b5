// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/devoter-xyz/devoter-api/internal/pkg/errors"
)

// Response represents a standard API response envelope.
type Response struct {
	Data  any `json:"data,omitempty"`
	Error any `json:"error,omitempty"`
}

// RateLimitBody is the flat body returned with HTTP 429.
type RateLimitBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
	RequestID  string `json:"request_id,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Data: data}); err != nil {
		// Log error but can't do much else at this point
		http.Error(w, `{"error":{"code":"INTERNAL_ERROR","message":"Failed to encode response"}}`, http.StatusInternalServerError)
	}
}

// Error writes an error response tagged with the request's correlation id.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.AsAPIError(err)
	if r != nil && apiErr.RequestID == "" {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			apiErr = apiErr.WithRequestID(id)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	_ = json.NewEncoder(w).Encode(Response{Error: apiErr})
}

// RateLimited writes the 429 body and Retry-After header.
func RateLimited(w http.ResponseWriter, r *http.Request, message string, retryAfter int) {
	body := RateLimitBody{
		StatusCode: apierrors.ErrTooManyRequests.StatusCode,
		Error:      apierrors.ErrTooManyRequests.Message,
		Code:       apierrors.ErrTooManyRequests.Code,
		Message:    message,
		RetryAfter: retryAfter,
	}
	if r != nil {
		body.RequestID = chimiddleware.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(body.StatusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}
