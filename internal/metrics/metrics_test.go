package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Static.iNaturalist.org/photos/1/medium.jpg", "static.inaturalist.org"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitAndObserve(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchTotal == nil || recordsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(recordsTotal.WithLabelValues("scrape", "stored"))
	ObserveRecord("scrape", "stored")
	if val := testutil.ToFloat64(recordsTotal.WithLabelValues("scrape", "stored")); val != before+1 {
		t.Errorf("expected records counter to advance by 1, got %f -> %f", before, val)
	}

	bytesBefore := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("annotate"))
	ObserveFetch("annotate", "ok", 512, 20*time.Millisecond)
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("annotate")); val != bytesBefore+512 {
		t.Errorf("expected fetched bytes to grow by 512, got %f -> %f", bytesBefore, val)
	}

	ObserveRetry("scrape")
	ObserveStoreWriteFailure()
	IncActiveWorkers()
	DecActiveWorkers()
	ObserveRateLimitDelay("example.com", 5*time.Millisecond)
	if val := testutil.ToFloat64(activeWorkers); val != 0 {
		t.Errorf("expected active workers to return to 0, got %f", val)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://api.inaturalist.org/v1", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeHost(orig)
		if sanitized == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
