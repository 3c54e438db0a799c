package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the chat API. Callers can use
// errors.As to inspect it:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound { ... }
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether repeating the request may succeed:
// network failures, timeouts, throttling and server errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return !errors.Is(err, ErrDecode) && !errors.Is(err, context.Canceled)
}

// ErrDecode marks a response body that could not be parsed.
var ErrDecode = errors.New("history: malformed response")
