package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stacklok/catalog-mirror/internal/failure"
)

// HTTPError represents an HTTP error
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
	// RetryAfter is the parsed Retry-After header, zero when absent
	RetryAfter time.Duration
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// Classify attaches a failure kind to an HTTP error. Timeouts, throttling
// and server errors are transient, as is 401: the token is invalidated
// before the error is returned, so the retry runs with a fresh one. Any
// other client error is permanent for the requested item.
func Classify(err error) error {
	var he *HTTPError
	if !errors.As(err, &he) {
		return err
	}
	switch {
	case he.StatusCode == http.StatusRequestTimeout,
		he.StatusCode == http.StatusTooManyRequests,
		he.StatusCode >= http.StatusInternalServerError:
		return failure.TransientAfter(err, he.RetryAfter)
	case he.StatusCode == http.StatusUnauthorized:
		return failure.Transient(err)
	default:
		return failure.Permanent(err)
	}
}

// parseRetryAfter reads a Retry-After header given either in seconds or as
// an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
