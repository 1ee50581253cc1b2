package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/progress"
)

// StoreSink persists run lifecycle events through an inat.RunRepository.
// Record-level events are ignored; the observation rows already carry them.
type StoreSink struct {
	repo   inat.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo inat.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run start and completion events to the repository. It
// respects ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageRunStart:
			run := inat.Run{
				ID:        evt.RunUUID().String(),
				Pipeline:  evt.Pipeline,
				StartedAt: evt.TS,
			}
			if err := s.repo.UpsertRunStart(ctx, run); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case evt.Stage.Terminal():
			finished := evt.TS
			run := inat.Run{
				ID:         evt.RunUUID().String(),
				Pipeline:   evt.Pipeline,
				FinishedAt: &finished,
				Status:     runStatus(evt.Stage),
				Succeeded:  evt.Succeeded,
				Failed:     evt.Failed,
				Note:       evt.Note,
			}
			if err := s.repo.CompleteRun(ctx, run); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
			s.logger.Debug("run recorded", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		}
	}
	return nil
}

func runStatus(stage progress.Stage) inat.RunStatus {
	switch stage {
	case progress.StageRunDone:
		return inat.RunSuccess
	case progress.StageRunCanceled:
		return inat.RunCanceled
	default:
		return inat.RunError
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
