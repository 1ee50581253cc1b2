package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/inat-scraper/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns the collectors
// for runs started/completed/running, per-record outcomes and per-host fetch
// counters.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	records *prometheus.CounterVec

	hostFetches  *prometheus.CounterVec
	hostBytes    *prometheus.CounterVec
	hostDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inat_runs_started_total",
			Help: "Total pipeline runs that have started.",
		}, []string{"pipeline"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inat_runs_completed_total",
			Help: "Total pipeline runs completed partitioned by result.",
		}, []string{"pipeline", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inat_runs_running",
			Help: "Current number of running pipeline runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inat_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 21600},
		}, []string{"pipeline", "result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inat_progress_records_total",
			Help: "Record outcomes reported by pipeline runs.",
		}, []string{"pipeline", "stage"}),
		hostFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inat_host_fetches_total",
			Help: "Fetch completions partitioned by host and status class.",
		}, []string{"host", "status_class"}),
		hostBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inat_host_fetch_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		hostDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inat_host_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by host and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.records,
		s.hostFetches,
		s.hostBytes,
		s.hostDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError, progress.StageRunCanceled:
		s.handleRunEvent(evt)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case progress.StageRecordStored, progress.StageRecordFailed, progress.StageRecordRetry, progress.StageRecordSkipped:
		s.records.WithLabelValues(string(evt.Pipeline), string(evt.Stage)).Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	pipeline := string(evt.Pipeline)
	if evt.Stage == progress.StageRunStart {
		s.runsStarted.WithLabelValues(pipeline).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	}
	result := string(runStatus(evt.Stage))
	s.runsCompleted.WithLabelValues(pipeline, result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(pipeline, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	host := evt.Host
	if host == "" {
		host = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.hostFetches.WithLabelValues(host, statusClass).Inc()
	if evt.Bytes > 0 {
		s.hostBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.hostDuration.WithLabelValues(host, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
