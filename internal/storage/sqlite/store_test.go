package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "db", "inat.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenValidates(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{}, nil)
	require.Error(t, err)
	_, err = Open(Config{Path: ":memory:", Table: "bad-name"}, nil)
	require.Error(t, err)
}

func TestUpsertMergesAndKeysByID(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	lat := 51.5
	require.NoError(t, s.Upsert(ctx, inat.Observation{
		ID: 7, TaxonID: 47, ImageURL: "https://x/7/medium.jpg", Latitude: &lat, CommonName: "Monarch",
	}))
	require.NoError(t, s.Upsert(ctx, inat.Observation{
		ID: 7, ImageStatus: inat.StatusFailed, Attempts: 2, LastError: "boom",
	}))
	require.NoError(t, s.Upsert(ctx, inat.Observation{
		ID: 7, ImageStatus: inat.StatusStored, ImageURI: "file:///images/7.jpg", ImageBytes: 12,
	}))

	obs, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(47), obs.TaxonID)
	require.Equal(t, "Monarch", obs.CommonName)
	require.NotNil(t, obs.Latitude)
	require.InDelta(t, 51.5, *obs.Latitude, 1e-9)
	require.Equal(t, inat.StatusStored, obs.ImageStatus)
	require.Equal(t, inat.StatusPending, obs.AnnotationStatus)
	require.Equal(t, 2, obs.Attempts)
	require.Empty(t, obs.LastError)
	require.False(t, obs.UpdatedAt.IsZero())

	_, err = s.Get(ctx, 8)
	require.ErrorIs(t, err, inat.ErrNotFound)

	var storeErr *inat.StoreError
	require.ErrorAs(t, s.Upsert(ctx, inat.Observation{ID: -1}), &storeErr)
}

func TestPendingAcrossPages(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	total := pageSize + 37
	for id := 1; id <= total; id++ {
		obs := inat.Observation{ID: int64(id), TaxonID: 1, ImageURL: "https://x/medium.jpg"}
		if id%10 == 0 {
			obs.ImageStatus = inat.StatusStored
		}
		require.NoError(t, s.Upsert(ctx, obs))
	}

	q := inat.PendingQuery{Pipeline: inat.PipelineScrape}
	var ids []int64
	for obs, err := range s.Pending(ctx, q) {
		require.NoError(t, err)
		// Writes while iterating must not block or disturb the scan.
		require.NoError(t, s.Upsert(ctx, inat.Observation{ID: obs.ID, Attempts: 1}))
		ids = append(ids, obs.ID)
	}
	want := total - total/10
	require.Len(t, ids, want)
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i])
	}

	n, err := s.Count(ctx, q)
	require.NoError(t, err)
	require.Equal(t, int64(want), n)

	q.Limit = 5
	ids = ids[:0]
	for obs, err := range s.Pending(ctx, q) {
		require.NoError(t, err)
		ids = append(ids, obs.ID)
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, ids)
	n, err = s.Count(ctx, q)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestPendingPredicates(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	rows := []inat.Observation{
		{ID: 1},
		{ID: 2, ImageStatus: inat.StatusStored},
		{ID: 3, ImageStatus: inat.StatusFailed},
		{ID: 4, ImageStatus: inat.StatusStored, AnnotationStatus: inat.StatusAnnotated},
		{ID: 5, ImageStatus: inat.StatusStored, AnnotationStatus: inat.StatusFailed},
	}
	for _, obs := range rows {
		require.NoError(t, s.Upsert(ctx, obs))
	}

	tests := []struct {
		name string
		q    inat.PendingQuery
		want []int64
	}{
		{"scrape", inat.PendingQuery{Pipeline: inat.PipelineScrape}, []int64{1}},
		{"scrape include failed", inat.PendingQuery{Pipeline: inat.PipelineScrape, IncludeFailed: true}, []int64{1, 3}},
		{"scrape force", inat.PendingQuery{Pipeline: inat.PipelineScrape, Force: true}, []int64{1, 2, 3, 4, 5}},
		{"annotate", inat.PendingQuery{Pipeline: inat.PipelineAnnotate}, []int64{2}},
		{"annotate include failed", inat.PendingQuery{Pipeline: inat.PipelineAnnotate, IncludeFailed: true}, []int64{2, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int64
			for obs, err := range s.Pending(ctx, tt.q) {
				require.NoError(t, err)
				require.True(t, tt.q.Matches(obs))
				got = append(got, obs.ID)
			}
			require.Equal(t, tt.want, got)
		})
	}

	for _, err := range s.Pending(ctx, inat.PendingQuery{Pipeline: "bogus"}) {
		require.Error(t, err)
	}
	_, err := s.Count(ctx, inat.PendingQuery{Pipeline: "bogus"})
	require.Error(t, err)
}

func TestUpsertTaxa(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTaxa(ctx, []inat.Taxon{{ID: 1, Name: "Monarch"}, {ID: 2, Name: "Viceroy"}}))
	require.NoError(t, s.UpsertTaxa(ctx, []inat.Taxon{{ID: 1, Name: "Monarch Butterfly"}}))
	require.NoError(t, s.UpsertTaxa(ctx, nil))

	name, err := s.TaxonName(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Monarch Butterfly", name)
	_, err = s.TaxonName(ctx, 3)
	require.ErrorIs(t, err, inat.ErrNotFound)
}

func TestRunHistory(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertRunStart(ctx, inat.Run{ID: "a", Pipeline: inat.PipelineScrape, StartedAt: started}))
	require.NoError(t, s.UpsertRunStart(ctx, inat.Run{ID: "b", Pipeline: inat.PipelineAnnotate, StartedAt: started.Add(time.Hour)}))
	// Restarting the same run id is idempotent.
	require.NoError(t, s.UpsertRunStart(ctx, inat.Run{ID: "a", Pipeline: inat.PipelineScrape, StartedAt: started}))

	finished := started.Add(time.Minute)
	require.NoError(t, s.CompleteRun(ctx, inat.Run{
		ID: "a", FinishedAt: &finished, Status: inat.RunSuccess, Succeeded: 10, Failed: 1,
	}))
	require.ErrorIs(t, s.CompleteRun(ctx, inat.Run{ID: "zzz", Status: inat.RunError}), inat.ErrNotFound)

	run, err := s.GetRun(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, inat.RunSuccess, run.Status)
	require.Equal(t, int64(10), run.Succeeded)
	require.NotNil(t, run.FinishedAt)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "b", runs[0].ID)
	require.Equal(t, inat.RunRunning, runs[0].Status)

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, inat.ErrNotFound)
}
