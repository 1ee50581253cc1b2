package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/metrics"
)

// ErrWriterClosed is returned by Submit after Close.
var ErrWriterClosed = errors.New("store writer closed")

// WriterConfig tunes the writer.
//   - Buffer: accepted writes waiting for the writer goroutine (default 128).
//   - Retries: extra attempts after a failed upsert (default 0).
//   - Backoff: delay before the first retry, doubled each attempt (default 100ms).
type WriterConfig struct {
	Buffer  int
	Retries int
	Backoff time.Duration
	Logger  *zap.Logger
	// OnResult is invoked from the writer goroutine after every record.
	OnResult func(obs inat.Observation, err error)
}

// WriterStats summarizes what the writer did.
type WriterStats struct {
	Written int64
	Dropped int64
}

// Writer owns every Upsert issued against a Store.
type Writer struct {
	store    inat.Store
	cfg      WriterConfig
	logger   *zap.Logger
	ctx      context.Context
	requests chan inat.Observation
	done     chan struct{}

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
}

// NewWriter starts the writer goroutine. Writes run under a context detached
// from ctx's cancellation so accepted records are never half-written.
func NewWriter(ctx context.Context, s inat.Store, cfg WriterConfig) *Writer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	w := &Writer{
		store:    s,
		cfg:      cfg,
		logger:   logger,
		ctx:      context.WithoutCancel(ctx),
		requests: make(chan inat.Observation, cfg.Buffer),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit hands a record to the writer, blocking while the buffer is full.
func (w *Writer) Submit(ctx context.Context, obs inat.Observation) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.requests <- obs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes, drains the buffer, and returns the final stats.
func (w *Writer) Close() WriterStats {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.requests)
	}
	w.mu.Unlock()
	<-w.done
	return w.Stats()
}

// Stats reports progress so far.
func (w *Writer) Stats() WriterStats {
	return WriterStats{Written: w.written.Load(), Dropped: w.dropped.Load()}
}

func (w *Writer) run() {
	defer close(w.done)
	for obs := range w.requests {
		err := w.write(obs)
		if err != nil {
			w.dropped.Add(1)
			metrics.ObserveStoreWriteFailure()
			w.logger.Error("store write dropped",
				zap.Int64("observation_id", obs.ID),
				zap.Int("attempts", w.cfg.Retries+1),
				zap.Error(err),
			)
		} else {
			w.written.Add(1)
		}
		if w.cfg.OnResult != nil {
			w.cfg.OnResult(obs, err)
		}
	}
}

func (w *Writer) write(obs inat.Observation) error {
	delay := w.cfg.Backoff
	var err error
	for attempt := 0; attempt <= w.cfg.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = w.store.Upsert(w.ctx, obs); err == nil {
			return nil
		}
		w.logger.Warn("store write failed",
			zap.Int64("observation_id", obs.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	var storeErr *inat.StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return &inat.StoreError{ObservationID: obs.ID, Op: "upsert", Cause: err}
}
