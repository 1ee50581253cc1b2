// Package app initializes and holds the long-lived services a command needs,
// acting as a small dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/JakeFAU/inat-scraper/internal/api"
	"github.com/JakeFAU/inat-scraper/internal/config"
	"github.com/JakeFAU/inat-scraper/internal/export"
	collyfetcher "github.com/JakeFAU/inat-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/pipeline"
	"github.com/JakeFAU/inat-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/inat-scraper/internal/progress"
	"github.com/JakeFAU/inat-scraper/internal/progress/sinks"
	gcsstorage "github.com/JakeFAU/inat-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/inat-scraper/internal/storage/local"
	pgstore "github.com/JakeFAU/inat-scraper/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/inat-scraper/internal/storage/sqlite"
)

// MetadataStore is everything the commands need from the metadata database.
type MetadataStore interface {
	inat.Store
	inat.TaxonStore
	inat.RunRepository
	inat.RunReader
}

// Option customizes New.
type Option func(*options)

type options struct {
	store      MetadataStore
	registerer prometheus.Registerer
	progress   io.Writer
	progressOK bool
}

// WithStore uses st instead of opening the configured driver.
func WithStore(st MetadataStore) Option {
	return func(o *options) { o.store = st }
}

// WithRegisterer registers the progress collectors on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithProgressOutput overrides where progress bars are drawn; nil disables them.
func WithProgressOutput(w io.Writer) Option {
	return func(o *options) {
		o.progress = w
		o.progressOK = true
	}
}

// App holds the shared services for one command invocation.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     MetadataStore
	hub       *progress.Hub
	snapshots *sinks.SnapshotSink
	limiter   *ratelimit.Limiter
	progress  io.Writer

	gcs *storage.Client

	statusCancel context.CancelFunc
	statusDone   chan error
}

// New opens the metadata store, starts the progress hub and, when an address
// is configured, the status server.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		st, err = openStore(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	snapshots := sinks.NewSnapshotSink()
	hubSinks := []progress.Sink{promSink, sinks.NewStoreSink(st, logger), snapshots}
	if cfg.Progress.LogEvents {
		hubSinks = append(hubSinks, sinks.NewLogSink(logger))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         logger,
	}, hubSinks...)

	out := o.progress
	if !o.progressOK && term.IsTerminal(int(os.Stderr.Fd())) {
		out = os.Stderr
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		hub:       hub,
		snapshots: snapshots,
		limiter:   ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RateLimitRPS, Burst: cfg.HTTP.RateLimitBurst}),
		progress:  out,
	}
	if cfg.Status.Addr != "" {
		a.startStatus(ctx, cfg.Status.Addr)
	}
	logger.Info("application services initialized",
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("images_backend", cfg.Images.Backend),
		zap.String("status_addr", cfg.Status.Addr),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (MetadataStore, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.Path, Table: cfg.Table}, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func (a *App) startStatus(ctx context.Context, addr string) {
	srv := api.NewServer(api.Options{
		Snapshots: a.snapshots,
		Runs:      a.store,
		Ready:     a.ready,
	}, a.logger)
	statusCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.statusCancel = cancel
	a.statusDone = make(chan error, 1)
	go func() {
		err := srv.Serve(statusCtx, addr)
		if err != nil {
			a.logger.Error("status server failed", zap.Error(err))
		}
		a.statusDone <- err
	}()
}

func (a *App) ready(ctx context.Context) error {
	_, err := a.store.Count(ctx, inat.PendingQuery{Pipeline: inat.PipelineScrape, Limit: 1})
	return err
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the metadata store.
func (a *App) Store() MetadataStore { return a.store }

// Snapshots returns the live progress view served on /v1/progress.
func (a *App) Snapshots() *sinks.SnapshotSink { return a.snapshots }

// ProgressOutput is where progress bars are drawn, or nil when stderr is not
// a terminal.
func (a *App) ProgressOutput() io.Writer { return a.progress }

// BlobStore opens the configured image backend.
func (a *App) BlobStore(ctx context.Context) (inat.BlobStore, error) {
	switch a.cfg.Images.Backend {
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Images.Dir})
		if err != nil {
			return nil, fmt.Errorf("open local image store: %w", err)
		}
		return blobs, nil
	case "gcs":
		if a.gcs == nil {
			client, err := storage.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("create gcs client: %w", err)
			}
			a.gcs = client
		}
		blobs, err := gcsstorage.New(a.gcs, gcsstorage.Config{Bucket: a.cfg.Images.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs image store: %w", err)
		}
		a.logger.Info("using gcs image store", zap.String("bucket", a.cfg.Images.GCSBucket))
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown images backend: %s", a.cfg.Images.Backend)
	}
}

// Fetcher builds a colly fetcher routed through proxy, which may be empty.
func (a *App) Fetcher(proxy string) (*collyfetcher.Fetcher, error) {
	f, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.HTTP.UserAgent,
		Timeout:     a.cfg.RequestTimeout(),
		Proxy:       proxy,
		MaxBodySize: a.cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	return f, nil
}

// Runner builds a pipeline runner over the shared store, limiter and hub.
func (a *App) Runner(fetcher inat.Fetcher, concurrency, queueDepth int, headers http.Header) (*pipeline.Runner, error) {
	r, err := pipeline.NewRunner(a.store, fetcher, a.limiter, a.hub, pipeline.Config{
		Concurrency:  concurrency,
		QueueDepth:   queueDepth,
		Headers:      headers,
		Retry:        a.cfg.RetryPolicy(),
		WriteRetries: a.cfg.Store.WriteRetries,
		WriteBuffer:  a.cfg.Store.WriteBuffer,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}
	return r, nil
}

// HTTPClient returns a plain client for archive downloads through the global
// proxy. It has no overall timeout; callers bound it with their context.
func (a *App) HTTPClient() (*http.Client, error) {
	transport, err := collyfetcher.NewTransport(a.cfg.HTTP.Proxy)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}

// ExportClient builds the session client used by the export command.
func (a *App) ExportClient() (*export.Client, error) {
	transport, err := collyfetcher.NewTransport(a.cfg.HTTP.Proxy)
	if err != nil {
		return nil, err
	}
	return export.NewClient(export.ClientConfig{
		BaseURL:   a.cfg.INat.BaseURL,
		APIURL:    a.cfg.INat.APIURL,
		UserAgent: a.cfg.HTTP.UserAgent,
		Timeout:   a.cfg.RequestTimeout(),
	}, transport, a.logger)
}

// Close flushes progress, stops the status server and releases the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", dropped))
		}
	}
	if a.statusCancel != nil {
		a.statusCancel()
		select {
		case <-a.statusDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("status server shutdown: %w", ctx.Err()))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
