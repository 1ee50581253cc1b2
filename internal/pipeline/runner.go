package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/inat-scraper/internal/dispatcher"
	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/metrics"
	"github.com/JakeFAU/inat-scraper/internal/progress"
	"github.com/JakeFAU/inat-scraper/internal/queue/memory"
	"github.com/JakeFAU/inat-scraper/internal/store"
	"github.com/JakeFAU/inat-scraper/internal/worker"
)

// Config tunes a Runner.
type Config struct {
	// Concurrency is the number of workers, and so the in-flight fetch bound.
	Concurrency int
	// QueueDepth bounds the work queue between the producer and the workers.
	QueueDepth int
	// Headers are sent with every fetch.
	Headers http.Header
	// Retry classifies transient failures; nil uses the package defaults.
	Retry inat.RetryPolicy
	// WriteRetries and WriteBuffer tune the store writer.
	WriteRetries int
	WriteBuffer  int
	WriteBackoff time.Duration
}

// Summary is the end-of-run tally.
type Summary struct {
	RunID    string
	Pipeline inat.Pipeline
	// Queued counts observations taken from the pending set.
	Queued    int64
	Succeeded int64
	Failed    int64
	// Retried counts re-queues, not distinct observations.
	Retried int64
	// Skipped counts observations left pending: retries exhausted, abandoned
	// on cancel, or failed for a reason that is not the record's fault.
	Skipped       int64
	Bytes         int64
	WriteFailures int64
	Duration      time.Duration
}

// Runner executes stages against a store through a bounded worker pool.
type Runner struct {
	store   inat.Store
	fetcher inat.Fetcher
	limiter inat.Limiter
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger
}

// NewRunner wires a Runner. limiter, emitter and logger may be nil.
func NewRunner(
	st inat.Store,
	fetcher inat.Fetcher,
	limiter inat.Limiter,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*Runner, error) {
	if st == nil || fetcher == nil {
		return nil, errors.New("store and fetcher are required")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0, got %d", cfg.Concurrency)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Concurrency * 4
	}
	if cfg.Retry == nil {
		cfg.Retry = inat.NewExponentialRetryPolicy(0, 0, 0)
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Runner{
		store:   st,
		fetcher: fetcher,
		limiter: limiter,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// run holds the state of one Run call.
type run struct {
	*Runner
	id       [16]byte
	stage    Stage
	pipeline inat.Pipeline
	logger   *zap.Logger
	queue    *memory.Queue[inat.WorkItem]
	writer   *store.Writer
	tracker  *tracker

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	queued, succeeded, failed, retried, skipped, bytes atomic.Int64
}

// Run processes q's pending set with stage until every observation is
// resolved or ctx is canceled. q.Pipeline is taken from the stage. A canceled
// run returns ctx's error alongside the partial summary.
func (r *Runner) Run(ctx context.Context, stage Stage, q inat.PendingQuery) (Summary, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	q.Pipeline = stage.Pipeline()
	started := time.Now()

	rn := &run{
		Runner:   r,
		id:       progress.UUIDToBytes(id),
		stage:    stage,
		pipeline: q.Pipeline,
		logger:   r.logger.With(zap.String("run_id", id.String()), zap.String("pipeline", string(q.Pipeline))),
		queue:    memory.NewQueue[inat.WorkItem](r.cfg.QueueDepth),
		timers:   make(map[*time.Timer]struct{}),
	}
	rn.writer = store.NewWriter(ctx, r.store, store.WriterConfig{
		Buffer:  r.cfg.WriteBuffer,
		Retries: r.cfg.WriteRetries,
		Backoff: r.cfg.WriteBackoff,
		Logger:  rn.logger,
	})
	rn.tracker = newTracker(rn.queue.Close)

	if total, err := r.store.Count(ctx, q); err == nil {
		rn.logger.Info("run started", zap.String("pending", humanize.Comma(total)))
	}
	rn.emit(progress.Event{Stage: progress.StageRunStart, Note: describeQuery(q)})

	runErr := rn.execute(ctx, q)
	stats := rn.writer.Close()

	sum := Summary{
		RunID:         id.String(),
		Pipeline:      q.Pipeline,
		Queued:        rn.queued.Load(),
		Succeeded:     rn.succeeded.Load(),
		Failed:        rn.failed.Load(),
		Retried:       rn.retried.Load(),
		Skipped:       rn.skipped.Load(),
		Bytes:         rn.bytes.Load(),
		WriteFailures: stats.Dropped,
		Duration:      time.Since(started),
	}

	final := progress.Event{
		Stage:     progress.StageRunDone,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		Dur:       sum.Duration,
		Note:      sum.String(),
	}
	switch {
	case ctx.Err() != nil:
		runErr = ctx.Err()
		final.Stage = progress.StageRunCanceled
		rn.logger.Warn("run canceled", sum.fields()...)
	case runErr != nil:
		final.Stage = progress.StageRunError
		final.Note = runErr.Error()
		rn.logger.Error("run failed", append(sum.fields(), zap.Error(runErr))...)
	default:
		rn.logger.Info("run finished", sum.fields()...)
	}
	rn.emit(final)
	return sum, runErr
}

func (rn *run) execute(ctx context.Context, q inat.PendingQuery) error {
	results := make(chan inat.Result, rn.cfg.Concurrency)
	workers := make([]*worker.Worker, rn.cfg.Concurrency)
	for i := range workers {
		workers[i] = worker.New(rn.queue, results, rn.fetcher, rn.limiter, rn.stage, rn.emitter,
			worker.Config{RunID: rn.id, Headers: rn.cfg.Headers}, rn.logger)
	}
	disp := dispatcher.New(rn.queue, workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rn.produce(gctx, disp, q)
	})
	g.Go(func() error {
		disp.Run(gctx)
		close(results)
		return nil
	})
	g.Go(func() error {
		rn.consume(gctx, results)
		return nil
	})
	err := g.Wait()
	rn.stopTimers()
	return err
}

// produce streams the pending set into the queue.
func (rn *run) produce(ctx context.Context, disp *dispatcher.Dispatcher, q inat.PendingQuery) error {
	defer rn.tracker.finishProducing()
	for obs, err := range rn.store.Pending(ctx, q) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("load pending %s: %w", q.Pipeline, err)
		}
		rn.queued.Add(1)
		plan, err := rn.stage.Prepare(ctx, obs)
		switch {
		case err != nil:
			item := inat.WorkItem{ObservationID: obs.ID, Pipeline: q.Pipeline, PriorAttempts: obs.Attempts}
			rn.permanent(ctx, item, obs.Attempts, err)
			continue
		case plan.Done != nil:
			rn.resolve(ctx, *plan.Done, progress.StageRecordStored, inat.StatusStored)
			rn.succeeded.Add(1)
			continue
		}
		rn.tracker.add()
		if err := disp.Enqueue(ctx, plan.Item); err != nil {
			rn.tracker.done()
			return err
		}
	}
	return nil
}

// consume classifies results until the dispatcher closes the channel.
func (rn *run) consume(ctx context.Context, results <-chan inat.Result) {
	for res := range results {
		rn.classify(ctx, res)
	}
}

func (rn *run) classify(ctx context.Context, res inat.Result) {
	item := res.Item
	attempts := item.PriorAttempts + item.Attempt + 1
	log := rn.logger.With(zap.Int64("observation_id", item.ObservationID), zap.Int("attempt", item.Attempt+1))

	switch err := res.Err; {
	case err == nil:
		update := res.Update
		update.ID = item.ObservationID
		update.Attempts = attempts
		rn.bytes.Add(int64(len(res.Response.Body)))
		rn.succeeded.Add(1)
		rn.resolve(ctx, update, progress.StageRecordStored, successStatus(rn.pipeline))
		rn.tracker.done()

	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		rn.skipped.Add(1)
		rn.tracker.done()

	case inat.IsTransient(err) && rn.cfg.Retry.ShouldRetry(err, item.Attempt+1):
		delay := rn.cfg.Retry.Backoff(item.Attempt, err)
		next := item
		next.Attempt++
		rn.retried.Add(1)
		metrics.ObserveRetry(string(rn.pipeline))
		rn.emitRecord(progress.StageRecordRetry, item.ObservationID, err.Error())
		log.Debug("fetch retry scheduled", zap.Duration("delay", delay), zap.Error(err))
		rn.requeue(ctx, next, delay)

	case inat.IsTransient(err):
		rn.skipped.Add(1)
		log.Warn("retries exhausted, leaving pending", zap.Error(err))
		rn.resolve(ctx, inat.Observation{ID: item.ObservationID, Attempts: attempts, LastError: err.Error()},
			progress.StageRecordSkipped, "exhausted")
		rn.tracker.done()

	case isPermanent(err):
		rn.permanent(ctx, item, attempts, err)
		rn.tracker.done()

	default:
		rn.skipped.Add(1)
		log.Error("record not persisted", zap.Error(err))
		rn.resolve(ctx, inat.Observation{ID: item.ObservationID, Attempts: attempts, LastError: err.Error()},
			progress.StageRecordSkipped, "error")
		rn.tracker.done()
	}
}

// permanent records a failure the next run should not retry.
func (rn *run) permanent(ctx context.Context, item inat.WorkItem, attempts int, err error) {
	rn.failed.Add(1)
	rn.logger.Warn("record failed",
		zap.Int64("observation_id", item.ObservationID),
		zap.String("url", item.URL),
		zap.Error(err),
	)
	update := failedUpdate(rn.pipeline, item.ObservationID)
	update.Attempts = attempts
	update.LastError = err.Error()
	rn.resolve(ctx, update, progress.StageRecordFailed, inat.StatusFailed)
}

// resolve submits update to the writer and reports the outcome.
func (rn *run) resolve(ctx context.Context, update inat.Observation, stage progress.Stage, status inat.Status) {
	metrics.ObserveRecord(string(rn.pipeline), string(status))
	rn.emitRecord(stage, update.ID, update.LastError)
	if err := rn.writer.Submit(context.WithoutCancel(ctx), update); err != nil {
		rn.logger.Error("store write rejected", zap.Int64("observation_id", update.ID), zap.Error(err))
	}
}

// requeue re-enqueues item after delay. The item stays outstanding meanwhile.
func (rn *run) requeue(ctx context.Context, item inat.WorkItem, delay time.Duration) {
	rn.timersMu.Lock()
	defer rn.timersMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		rn.timersMu.Lock()
		delete(rn.timers, t)
		rn.timersMu.Unlock()
		if err := rn.queue.Enqueue(ctx, item); err != nil {
			rn.skipped.Add(1)
			rn.tracker.done()
		}
	})
	rn.timers[t] = struct{}{}
}

// stopTimers cancels retries that have not fired. Only called after the
// worker pool is gone, so the items are simply abandoned.
func (rn *run) stopTimers() {
	rn.timersMu.Lock()
	defer rn.timersMu.Unlock()
	for t := range rn.timers {
		if t.Stop() {
			rn.skipped.Add(1)
		}
		delete(rn.timers, t)
	}
}

func (rn *run) emitRecord(stage progress.Stage, id int64, note string) {
	rn.emit(progress.Event{Stage: stage, ObservationID: id, Note: note})
}

func (rn *run) emit(evt progress.Event) {
	evt.RunID = rn.id
	evt.Pipeline = rn.pipeline
	rn.emitter.Emit(evt)
}

func isPermanent(err error) bool {
	var fetchErr *inat.FetchError
	var parseErr *inat.ParseError
	return errors.As(err, &fetchErr) || errors.As(err, &parseErr) || errors.Is(err, inat.ErrUnsupportedImage)
}

func successStatus(p inat.Pipeline) inat.Status {
	if p == inat.PipelineAnnotate {
		return inat.StatusAnnotated
	}
	return inat.StatusStored
}

func describeQuery(q inat.PendingQuery) string {
	note := "pending"
	if q.Force {
		note = "force"
	} else if q.IncludeFailed {
		note = "pending+failed"
	}
	if q.Limit > 0 {
		note += fmt.Sprintf(" limit=%d", q.Limit)
	}
	return note
}

// String renders the summary for logs and run notes.
func (s Summary) String() string {
	return fmt.Sprintf("queued=%s succeeded=%s failed=%s retried=%s skipped=%s bytes=%s",
		humanize.Comma(s.Queued), humanize.Comma(s.Succeeded), humanize.Comma(s.Failed),
		humanize.Comma(s.Retried), humanize.Comma(s.Skipped), humanize.Bytes(uint64(s.Bytes)))
}

func (s Summary) fields() []zap.Field {
	return []zap.Field{
		zap.Int64("queued", s.Queued),
		zap.Int64("succeeded", s.Succeeded),
		zap.Int64("failed", s.Failed),
		zap.Int64("retried", s.Retried),
		zap.Int64("skipped", s.Skipped),
		zap.String("bytes", humanize.Bytes(uint64(s.Bytes))),
		zap.Int64("write_failures", s.WriteFailures),
		zap.Duration("duration", s.Duration),
	}
}
