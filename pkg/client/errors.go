package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrClientError marks a non-retryable 4xx response (other than 429).
	ErrClientError = errors.New("client error")

	// ErrServerError marks a retryable 5xx response.
	ErrServerError = errors.New("server error")

	// ErrRateLimited is returned when the configured cap on 429 waits is reached.
	ErrRateLimited = errors.New("rate limited")

	// ErrEmptyResponse is returned when a 2xx response has no body.
	ErrEmptyResponse = errors.New("empty response from Cliniko API")

	// ErrInvalidResponse is returned when a 2xx body is not valid JSON.
	ErrInvalidResponse = errors.New("invalid JSON response from Cliniko API")

	// ErrMaxRetriesExceeded is returned when all retry attempts are exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrContextCancelled is returned when the context is cancelled while waiting.
	ErrContextCancelled = errors.New("context cancelled")
)

// APIError represents an upstream error response or transport failure.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Cliniko %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("Cliniko %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the error class.
func (e *APIError) Is(target error) bool {
	switch e.ErrorClass {
	case ErrorClassClient:
		return target == ErrClientError
	case ErrorClassServer:
		return target == ErrServerError
	case ErrorClassRateLimit:
		return target == ErrRateLimited
	default:
		return false
	}
}

// shouldRetry determines if an error class should be retried.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx will not change on retry
		return false
	case ErrorClassServer:
		return true
	case ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err may succeed if the request is repeated.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return shouldRetry(apiErr.ErrorClass)
	}
	return false
}
