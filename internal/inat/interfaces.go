package inat

import (
	"context"
	"io"
	"iter"
	"time"
)

// Store persists observation records keyed by observation id.
type Store interface {
	// Upsert inserts obs or merges it into the existing row with the same id.
	Upsert(ctx context.Context, obs Observation) error
	Get(ctx context.Context, id int64) (Observation, error)
	// Pending lazily yields the observations q's pipeline still has to process.
	Pending(ctx context.Context, q PendingQuery) iter.Seq2[Observation, error]
	Count(ctx context.Context, q PendingQuery) (int64, error)
	Close() error
}

// TaxonStore persists vernacular taxon names.
type TaxonStore interface {
	UpsertTaxa(ctx context.Context, taxa []Taxon) error
	// TaxonName returns ErrNotFound for unknown taxa.
	TaxonName(ctx context.Context, id int64) (string, error)
}

// RunRepository records pipeline run history.
type RunRepository interface {
	UpsertRunStart(ctx context.Context, run Run) error
	CompleteRun(ctx context.Context, run Run) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Limiter throttles outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int, err error) time.Duration
}

// BlobChecker is implemented by blob stores that can report an existing object.
type BlobChecker interface {
	// Exists returns the object's URI when path is already stored.
	Exists(ctx context.Context, path string) (string, bool, error)
}

// RunReader exposes run history to the status server.
type RunReader interface {
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}
