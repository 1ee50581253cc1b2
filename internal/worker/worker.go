// Package worker implements the fetch loop run by each member of the bounded
// worker pool.
package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/metrics"
	"github.com/JakeFAU/inat-scraper/internal/progress"
	"github.com/JakeFAU/inat-scraper/internal/queue/memory"
)

// Source yields work items until it is closed.
type Source interface {
	Dequeue(ctx context.Context) (inat.WorkItem, error)
}

// Processor turns a successful fetch into the observation fields to persist.
// It runs on the worker goroutine, so it must not touch the metadata store.
type Processor interface {
	Process(ctx context.Context, item inat.WorkItem, resp inat.FetchResponse) (inat.Observation, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item inat.WorkItem, resp inat.FetchResponse) (inat.Observation, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, item inat.WorkItem, resp inat.FetchResponse) (inat.Observation, error) {
	return f(ctx, item, resp)
}

// Config controls Worker behavior.
type Config struct {
	// RunID tags the FETCH_DONE events emitted for each fetch.
	RunID   [16]byte
	Headers http.Header
}

// Worker consumes queue items, fetches them and reports a Result.
type Worker struct {
	queue     Source
	results   chan<- inat.Result
	fetcher   inat.Fetcher
	limiter   inat.Limiter
	processor Processor
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. limiter, emitter and logger may be nil.
func New(
	queue Source,
	results chan<- inat.Result,
	fetcher inat.Fetcher,
	limiter inat.Limiter,
	processor Processor,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	metrics.Init()
	return &Worker{
		queue:     queue,
		results:   results,
		fetcher:   fetcher,
		limiter:   limiter,
		processor: processor,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the queue is closed or the context
// finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		res := w.process(ctx, item)
		select {
		case w.results <- res:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, item inat.WorkItem) inat.Result {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	pipeline := string(item.Pipeline)
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, item.URL); err != nil {
			return inat.Result{Item: item, Err: &inat.FetchError{
				ObservationID: item.ObservationID,
				URL:           item.URL,
				Cause:         err,
			}}
		}
	}

	start := time.Now()
	resp, err := w.fetcher.Fetch(ctx, inat.FetchRequest{
		ObservationID: item.ObservationID,
		URL:           item.URL,
		Headers:       w.cfg.Headers,
	})
	elapsed := time.Since(start)
	w.observeFetch(item, resp, err, elapsed)
	if err != nil {
		w.logger.Debug("fetch failed",
			zap.Int64("observation_id", item.ObservationID),
			zap.String("url", item.URL),
			zap.Int("attempt", item.Attempt+1),
			zap.Error(err),
		)
		return inat.Result{Item: item, Response: resp, Err: err}
	}

	update, err := w.processor.Process(ctx, item, resp)
	if err != nil {
		w.logger.Debug("process response failed",
			zap.String("pipeline", pipeline),
			zap.Int64("observation_id", item.ObservationID),
			zap.Error(err),
		)
		return inat.Result{Item: item, Response: resp, Err: err}
	}
	return inat.Result{Item: item, Response: resp, Update: update}
}

func (w *Worker) observeFetch(item inat.WorkItem, resp inat.FetchResponse, err error, elapsed time.Duration) {
	outcome := "ok"
	switch {
	case err == nil:
	case inat.IsTransient(err):
		outcome = "transient"
	default:
		outcome = "permanent"
	}
	metrics.ObserveFetch(string(item.Pipeline), outcome, len(resp.Body), elapsed)

	if resp.StatusCode == 0 {
		return
	}
	w.emitter.Emit(progress.Event{
		RunID:         w.cfg.RunID,
		Stage:         progress.StageFetchDone,
		Pipeline:      item.Pipeline,
		ObservationID: item.ObservationID,
		Host:          metrics.SanitizeHost(item.URL),
		StatusClass:   progress.ClassifyStatus(resp.StatusCode),
		Bytes:         int64(len(resp.Body)),
		Dur:           elapsed,
	})
}
