package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/progress"
	"github.com/JakeFAU/inat-scraper/internal/storage/memory"
)

// TestStoreSinkPersistsRuns ensures run milestones land in the repository.
func TestStoreSinkPersistsRuns(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore()
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.Must(uuid.NewV7())
	runID := progress.UUIDToBytes(runUUID)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, Pipeline: inat.PipelineAnnotate, TS: now},
		{RunID: runID, Stage: progress.StageRecordStored, Pipeline: inat.PipelineAnnotate, ObservationID: 3, TS: now},
		{
			RunID:     runID,
			Stage:     progress.StageRunCanceled,
			Pipeline:  inat.PipelineAnnotate,
			TS:        now.Add(3 * time.Second),
			Succeeded: 4,
			Failed:    1,
			Note:      "context canceled",
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	run, ok := repo.Run(runUUID.String())
	require.True(t, ok)
	require.Equal(t, inat.PipelineAnnotate, run.Pipeline)
	require.Equal(t, inat.RunCanceled, run.Status)
	require.Equal(t, int64(4), run.Succeeded)
	require.Equal(t, int64(1), run.Failed)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, now, run.StartedAt)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingRepo{}, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, Pipeline: inat.PipelineScrape, TS: time.Now()},
	})
	require.Error(t, err)

	// Completing a run that never started reports ErrNotFound from the repository.
	err = NewStoreSink(memory.NewStore(), nil).Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunError, Pipeline: inat.PipelineScrape, TS: time.Now()},
	})
	require.ErrorIs(t, err, inat.ErrNotFound)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type failingRepo struct{}

func (failingRepo) UpsertRunStart(context.Context, inat.Run) error { return errors.New("start") }
func (failingRepo) CompleteRun(context.Context, inat.Run) error    { return errors.New("complete") }
