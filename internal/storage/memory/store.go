package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// Store keeps observations, taxa and runs in maps. It satisfies inat.Store,
// inat.TaxonStore and inat.RunRepository.
type Store struct {
	mu           sync.RWMutex
	observations map[int64]inat.Observation
	taxa         map[int64]string
	runs         map[string]inat.Run
	now          func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		observations: make(map[int64]inat.Observation),
		taxa:         make(map[int64]string),
		runs:         make(map[string]inat.Run),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Upsert merges obs into the existing row with the same id.
func (s *Store) Upsert(ctx context.Context, obs inat.Observation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upsert observation %d: %w", obs.ID, err)
	}
	if obs.ID <= 0 {
		return fmt.Errorf("upsert observation: invalid id %d", obs.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if obs.UpdatedAt.IsZero() {
		obs.UpdatedAt = s.now()
	}
	s.observations[obs.ID] = s.observations[obs.ID].Merge(obs)
	return nil
}

// Get returns the observation with the given id.
func (s *Store) Get(_ context.Context, id int64) (inat.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.observations[id]
	if !ok {
		return inat.Observation{}, fmt.Errorf("observation %d: %w", id, inat.ErrNotFound)
	}
	return obs, nil
}

// Pending yields matching observations ordered by id. The id set is
// snapshotted up front; each row is re-read when yielded.
func (s *Store) Pending(ctx context.Context, q inat.PendingQuery) iter.Seq2[inat.Observation, error] {
	return func(yield func(inat.Observation, error) bool) {
		s.mu.RLock()
		ids := make([]int64, 0, len(s.observations))
		for id, obs := range s.observations {
			if q.Matches(obs) {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
		slices.Sort(ids)
		if q.Limit > 0 && len(ids) > q.Limit {
			ids = ids[:q.Limit]
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(inat.Observation{}, err)
				return
			}
			s.mu.RLock()
			obs, ok := s.observations[id]
			s.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(obs, nil) {
				return
			}
		}
	}
}

// Count returns the size of the pending set.
func (s *Store) Count(_ context.Context, q inat.PendingQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, obs := range s.observations {
		if q.Matches(obs) {
			n++
		}
	}
	if q.Limit > 0 && n > int64(q.Limit) {
		n = int64(q.Limit)
	}
	return n, nil
}

// Len reports the number of stored observations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observations)
}

// UpsertTaxa stores vernacular names keyed by taxon id.
func (s *Store) UpsertTaxa(_ context.Context, taxa []inat.Taxon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range taxa {
		s.taxa[t.ID] = t.Name
	}
	return nil
}

// TaxonName returns the stored vernacular name.
func (s *Store) TaxonName(_ context.Context, id int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.taxa[id]
	if !ok {
		return "", fmt.Errorf("taxon %d: %w", id, inat.ErrNotFound)
	}
	return name, nil
}

// UpsertRunStart records a running pipeline run.
func (s *Store) UpsertRunStart(_ context.Context, run inat.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.ID]; ok {
		run.StartedAt = existing.StartedAt
	}
	run.Status = inat.RunRunning
	s.runs[run.ID] = run
	return nil
}

// CompleteRun marks a run finished.
func (s *Store) CompleteRun(_ context.Context, run inat.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, inat.ErrNotFound)
	}
	existing.FinishedAt = run.FinishedAt
	existing.Status = run.Status
	existing.Succeeded = run.Succeeded
	existing.Failed = run.Failed
	existing.Note = run.Note
	s.runs[run.ID] = existing
	return nil
}

// Run returns a stored run.
func (s *Store) Run(id string) (inat.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// GetRun returns one run.
func (s *Store) GetRun(_ context.Context, id string) (inat.Run, error) {
	run, ok := s.Run(id)
	if !ok {
		return inat.Run{}, fmt.Errorf("run %s: %w", id, inat.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns the latest runs first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]inat.Run, error) {
	s.mu.RLock()
	runs := make([]inat.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()
	slices.SortFunc(runs, func(a, b inat.Run) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
