package inat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFetchErrorTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *FetchError
		want bool
	}{
		{"server error", &FetchError{StatusCode: http.StatusInternalServerError, Cause: errors.New("boom")}, true},
		{"bad gateway", &FetchError{StatusCode: http.StatusBadGateway, Cause: errors.New("boom")}, true},
		{"rate limited", &FetchError{StatusCode: http.StatusTooManyRequests, Cause: errors.New("slow down")}, true},
		{"not found", &FetchError{StatusCode: http.StatusNotFound, Cause: errors.New("gone")}, false},
		{"forbidden", &FetchError{StatusCode: http.StatusForbidden, Cause: errors.New("no")}, false},
		{"timeout", &FetchError{Cause: fmt.Errorf("get: %w", timeoutErr{})}, true},
		{"deadline", &FetchError{Cause: context.DeadlineExceeded}, true},
		{"canceled", &FetchError{Cause: context.Canceled}, false},
		{"transport", &FetchError{Cause: errors.New("connection reset")}, true},
		{"truncated body", &FetchError{StatusCode: http.StatusOK, Cause: ErrTruncatedBody}, true},
		{"body too large", &FetchError{StatusCode: http.StatusOK, Cause: ErrBodyTooLarge}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.err.Transient())
			require.Equal(t, tt.want, IsTransient(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

func TestErrorMessagesAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	storeErr := &StoreError{ObservationID: 9, Op: "upsert", Cause: cause}
	require.ErrorIs(t, storeErr, cause)
	require.Contains(t, storeErr.Error(), "observation 9")

	parseErr := &ParseError{ObservationID: 4, Cause: cause}
	require.ErrorIs(t, parseErr, cause)

	fetchErr := &FetchError{ObservationID: 5, StatusCode: 503, Cause: cause}
	require.ErrorIs(t, fetchErr, cause)
	require.Contains(t, fetchErr.Error(), "status 503")

	pageErr := &FetchError{URL: "https://www.inaturalist.org/attachments/flow_task_outputs/1/x.zip", StatusCode: 302, Cause: cause}
	require.Equal(t, "fetch https://www.inaturalist.org/attachments/flow_task_outputs/1/x.zip: status 302: disk full", pageErr.Error())

	authErr := &AuthError{StatusCode: 200, Reason: "login rejected"}
	require.Contains(t, authErr.Error(), "status 200")
	require.False(t, IsTransient(authErr))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	transient := &FetchError{StatusCode: 500, Cause: errors.New("boom")}
	permanent := &FetchError{StatusCode: 404, Cause: errors.New("gone")}

	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(permanent, 1))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(&ParseError{Cause: errors.New("shape")}, 1))
	require.Equal(t, 3, p.MaxAttempts())
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 8; attempt++ {
		wait := p.Backoff(attempt, nil)
		require.GreaterOrEqual(t, wait, time.Duration(0))
		require.LessOrEqual(t, wait, time.Second)
	}

	rateLimited := &FetchError{StatusCode: 429, RetryAfter: 800 * time.Millisecond, Cause: errors.New("slow")}
	require.Equal(t, 800*time.Millisecond, p.Backoff(1, rateLimited))
	require.True(t, p.ShouldRetry(rateLimited, 1))
}

func TestRetryPolicyLongRetryAfterEndsRun(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, time.Second)
	dayLong := &FetchError{StatusCode: http.StatusTooManyRequests, RetryAfter: 24 * time.Hour, Cause: errors.New("quota")}

	require.False(t, p.ShouldRetry(dayLong, 1))
	require.True(t, IsTransient(dayLong))
	require.Equal(t, time.Second, p.Backoff(1, dayLong))
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 5, p.MaxAttempts())
	require.LessOrEqual(t, p.Backoff(20, nil), 30*time.Second)
}
