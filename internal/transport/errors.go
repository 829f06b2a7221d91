package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// HTTPError is the base error for non-2xx responses. It carries the
// status code and request context so callers can log or branch on it.
type HTTPError struct {
	Message    string
	StatusCode int
	URL        string
	Method     string
	Headers    http.Header
	BodySize   int
}

func (e *HTTPError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

// ValidationError maps 400 responses.
type ValidationError struct{ HTTPError }

// AuthenticationError maps 401 responses.
type AuthenticationError struct{ HTTPError }

// AuthorizationError maps 403 responses.
type AuthorizationError struct{ HTTPError }

// NotFoundError maps 404 responses.
type NotFoundError struct{ HTTPError }

// ConflictError maps 409 responses.
type ConflictError struct{ HTTPError }

// ServerError maps 5xx responses.
type ServerError struct{ HTTPError }

// RateLimitError maps 429 responses and carries the parsed Retry-After
// value in seconds, or 0 when the header was absent or malformed.
type RateLimitError struct {
	HTTPError
	RetryAfter float64
}

// TransportError wraps a network or timeout failure that survived the
// retry loop.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: request failed after retries: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// newStatusError builds the typed error matching a >=400 response.
func newStatusError(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	base := HTTPError{
		Message:    extractMessage(resp, body),
		StatusCode: code,
		URL:        resp.Request.URL.String(),
		Method:     resp.Request.Method,
		Headers:    resp.Header,
		BodySize:   len(body),
	}

	switch {
	case code == http.StatusBadRequest:
		return &ValidationError{base}
	case code == http.StatusUnauthorized:
		return &AuthenticationError{base}
	case code == http.StatusForbidden:
		return &AuthorizationError{base}
	case code == http.StatusNotFound:
		return &NotFoundError{base}
	case code == http.StatusConflict:
		return &ConflictError{base}
	case code == http.StatusTooManyRequests:
		return &RateLimitError{base, parseRetryAfter(resp.Header)}
	case code >= 500 && code < 600:
		return &ServerError{base}
	default:
		return &base
	}
}

// extractMessage pulls a human-readable message out of a JSON error
// body, trying the common field names in order.
func extractMessage(resp *http.Response, body []byte) string {
	message := fmt.Sprintf("HTTP %d", resp.StatusCode)

	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "application/json") {
		return message
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return message
	}

	for _, key := range []string{"message", "error", "detail", "error_description"} {
		if v, ok := fields[key]; ok {
			return fmt.Sprintf("HTTP %d: %v", resp.StatusCode, v)
		}
	}
	return message
}

func parseRetryAfter(h http.Header) float64 {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return seconds
}
