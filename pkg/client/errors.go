package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is wrapped by the FetchError returned when all
	// attempts failed with a retryable error.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a
	// retry backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents ESI's 520 error-limited responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connect, read and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassUnexpected represents statuses the caller cannot interpret,
	// such as a 3xx other than 304 or a malformed body.
	ErrorClassUnexpected ErrorClass = "unexpected"
)

// FetchError is a terminal fetch failure. StatusCode is the last HTTP status
// seen, or 0 when the last attempt failed at the network level.
type FetchError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ESI %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("ESI %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError builds the terminal error for a response the caller will not
// process further.
func StatusError(resp *Response) *FetchError {
	class := classifyStatus(resp.StatusCode)
	if class == "" {
		class = ErrorClassUnexpected
	}
	return &FetchError{
		StatusCode: resp.StatusCode,
		Class:      class,
		Message:    http.StatusText(resp.StatusCode),
	}
}

// classifyStatus maps an HTTP status to its error class. Successful statuses
// have no class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 520:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	case status >= 300 && status != http.StatusNotModified:
		return ErrorClassUnexpected
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors should NOT be retried (wastes error budget)
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
