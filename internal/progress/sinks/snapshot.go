package sinks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/progress"
)

// RunSnapshot is the live view of one run served on /v1/progress.
type RunSnapshot struct {
	RunID     string        `json:"run_id"`
	Pipeline  inat.Pipeline `json:"pipeline"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Stored    int64         `json:"stored"`
	Failed    int64         `json:"failed"`
	Retried   int64         `json:"retried"`
	Skipped   int64         `json:"skipped"`
	Bytes     int64         `json:"bytes"`
	Done      bool          `json:"done"`
	Result    string        `json:"result,omitempty"`
}

// SnapshotSink folds events into per-run counters kept in memory.
type SnapshotSink struct {
	mu   sync.RWMutex
	runs map[[16]byte]*RunSnapshot
}

// NewSnapshotSink constructs an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{runs: make(map[[16]byte]*RunSnapshot)}
}

// Consume folds the batch into the snapshot.
func (s *SnapshotSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		run := s.runs[evt.RunID]
		if run == nil {
			run = &RunSnapshot{
				RunID:     evt.RunUUID().String(),
				Pipeline:  evt.Pipeline,
				StartedAt: evt.TS,
			}
			s.runs[evt.RunID] = run
		}
		if evt.TS.After(run.UpdatedAt) {
			run.UpdatedAt = evt.TS
		}
		switch evt.Stage {
		case progress.StageRunStart:
			run.StartedAt = evt.TS
		case progress.StageFetchDone:
			run.Bytes += evt.Bytes
		case progress.StageRecordStored:
			run.Stored++
		case progress.StageRecordFailed:
			run.Failed++
		case progress.StageRecordRetry:
			run.Retried++
		case progress.StageRecordSkipped:
			run.Skipped++
		case progress.StageRunDone, progress.StageRunError, progress.StageRunCanceled:
			run.Done = true
			run.Result = string(runStatus(evt.Stage))
		}
	}
	return nil
}

// Snapshots returns copies of all runs, most recently started first.
func (s *SnapshotSink) Snapshots() []RunSnapshot {
	s.mu.RLock()
	out := make([]RunSnapshot, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b RunSnapshot) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *SnapshotSink) Close(context.Context) error {
	return nil
}
