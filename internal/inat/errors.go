package inat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrUnsupportedImage marks image URLs whose format is never downloaded.
var ErrUnsupportedImage = errors.New("unsupported image format")

// ErrBodyTooLarge marks a response whose body exceeds the configured limit.
// Retrying cannot help, so it is permanent.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// ErrTruncatedBody marks a response that ended before its Content-Length.
var ErrTruncatedBody = errors.New("response body shorter than content length")

// AuthError reports a failed login against the web UI. It aborts the export.
type AuthError struct {
	StatusCode int
	Reason     string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Reason)
	}
	return "authentication failed: " + e.Reason
}

// FetchError wraps a failed GET for a single observation.
type FetchError struct {
	ObservationID int64
	URL           string
	// StatusCode is zero when no response was received.
	StatusCode int
	// RetryAfter is parsed from the response when the server sent one.
	RetryAfter time.Duration
	Cause      error
}

func (e *FetchError) Error() string {
	subject := fmt.Sprintf("fetch observation %d", e.ObservationID)
	if e.ObservationID == 0 {
		subject = "fetch " + e.URL
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", subject, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s: %v", subject, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Transient reports whether retrying the same request may succeed: timeouts,
// transport failures, 5xx and 429 are transient, other statuses are not.
func (e *FetchError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode >= 400:
		return false
	}
	if errors.Is(e.Cause, ErrTruncatedBody) {
		return true
	}
	if errors.Is(e.Cause, context.Canceled) {
		return false
	}
	if errors.Is(e.Cause, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(e.Cause, &netErr) {
		return true
	}
	return e.StatusCode == 0 && e.Cause != nil
}

// StoreError wraps a failed metadata write.
type StoreError struct {
	ObservationID int64
	Op            string
	Cause         error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s observation %d: %v", e.Op, e.ObservationID, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// ParseError reports an API document that does not match the expected shape.
type ParseError struct {
	ObservationID int64
	Cause         error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse observation %d: %v", e.ObservationID, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a FetchError worth retrying.
func IsTransient(err error) bool {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Transient()
	}
	return false
}
