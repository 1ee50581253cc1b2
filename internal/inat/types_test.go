package inat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObservationMergeKeepsExistingFields(t *testing.T) {
	t.Parallel()

	lat := 52.1
	existing := Observation{
		ID:               7,
		TaxonID:          3,
		ImageURL:         "https://static.example.org/photos/1/medium.jpg",
		ScientificName:   "Parus major",
		Latitude:         &lat,
		ImageStatus:      StatusPending,
		AnnotationStatus: StatusPending,
		LastError:        "status 500",
		Attempts:         2,
	}
	now := time.Unix(1700000000, 0).UTC()

	merged := existing.Merge(Observation{
		ID:          7,
		ImageStatus: StatusStored,
		ImageURI:    "file:///images/7.jpg",
		ImageBytes:  1024,
		Attempts:    3,
		UpdatedAt:   now,
	})

	require.Equal(t, int64(3), merged.TaxonID)
	require.Equal(t, "Parus major", merged.ScientificName)
	require.Equal(t, &lat, merged.Latitude)
	require.Equal(t, StatusStored, merged.ImageStatus)
	require.Equal(t, "file:///images/7.jpg", merged.ImageURI)
	require.Equal(t, int64(1024), merged.ImageBytes)
	require.Equal(t, 3, merged.Attempts)
	require.Empty(t, merged.LastError)
	require.Equal(t, StatusPending, merged.AnnotationStatus)
	require.Equal(t, now, merged.UpdatedAt)
}

func TestObservationMergeDefaultsStatuses(t *testing.T) {
	t.Parallel()

	merged := Observation{}.Merge(Observation{ID: 1, TaxonID: 2})
	require.Equal(t, StatusPending, merged.ImageStatus)
	require.Equal(t, StatusPending, merged.AnnotationStatus)
	require.Nil(t, merged.Annotations)
}

func TestObservationMergeEmptyAnnotations(t *testing.T) {
	t.Parallel()

	empty := ""
	merged := Observation{ID: 1, ImageStatus: StatusStored}.Merge(Observation{
		ID:               1,
		AnnotationStatus: StatusAnnotated,
		Annotations:      &empty,
	})
	require.NotNil(t, merged.Annotations)
	require.Empty(t, *merged.Annotations)
	require.Equal(t, StatusAnnotated, merged.AnnotationStatus)
	require.Equal(t, StatusStored, merged.ImageStatus)
}

func TestExportStateTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, ExportIdle.Terminal())
	require.False(t, ExportRequested.Terminal())
	require.True(t, ExportArchived.Terminal())
	require.True(t, ExportFailed.Terminal())
}

func TestPendingQueryMatches(t *testing.T) {
	t.Parallel()

	pending := Observation{ID: 1, ImageStatus: StatusPending, AnnotationStatus: StatusPending}
	stored := Observation{ID: 2, ImageStatus: StatusStored, AnnotationStatus: StatusPending}
	failed := Observation{ID: 3, ImageStatus: StatusFailed, AnnotationStatus: StatusPending}
	annotated := Observation{ID: 4, ImageStatus: StatusStored, AnnotationStatus: StatusAnnotated}
	annotateFailed := Observation{ID: 5, ImageStatus: StatusStored, AnnotationStatus: StatusFailed}

	tests := []struct {
		name  string
		query PendingQuery
		obs   Observation
		want  bool
	}{
		{"scrape pending", PendingQuery{Pipeline: PipelineScrape}, pending, true},
		{"scrape stored", PendingQuery{Pipeline: PipelineScrape}, stored, false},
		{"scrape failed excluded", PendingQuery{Pipeline: PipelineScrape}, failed, false},
		{"scrape failed retried", PendingQuery{Pipeline: PipelineScrape, IncludeFailed: true}, failed, true},
		{"scrape force", PendingQuery{Pipeline: PipelineScrape, Force: true}, stored, true},
		{"annotate needs image", PendingQuery{Pipeline: PipelineAnnotate}, pending, false},
		{"annotate stored", PendingQuery{Pipeline: PipelineAnnotate}, stored, true},
		{"annotate done", PendingQuery{Pipeline: PipelineAnnotate}, annotated, false},
		{"annotate failed excluded", PendingQuery{Pipeline: PipelineAnnotate}, annotateFailed, false},
		{"annotate failed retried", PendingQuery{Pipeline: PipelineAnnotate, IncludeFailed: true}, annotateFailed, true},
		{"unknown pipeline", PendingQuery{}, pending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.query.Matches(tt.obs))
		})
	}
}
