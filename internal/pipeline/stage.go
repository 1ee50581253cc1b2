package pipeline

import (
	"context"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/worker"
)

// Plan is what a Stage decided for one pending observation. Exactly one of
// Item or Done is meaningful: Done short-circuits the fetch.
type Plan struct {
	Item inat.WorkItem
	Done *inat.Observation
}

// Stage supplies the per-pipeline behavior the Runner drives.
type Stage interface {
	worker.Processor
	Pipeline() inat.Pipeline
	// Prepare maps a pending observation to work. An error marks the
	// observation permanently failed without fetching.
	Prepare(ctx context.Context, obs inat.Observation) (Plan, error)
}

// failedUpdate marks the stage's status column failed.
func failedUpdate(p inat.Pipeline, id int64) inat.Observation {
	obs := inat.Observation{ID: id}
	switch p {
	case inat.PipelineScrape:
		obs.ImageStatus = inat.StatusFailed
	case inat.PipelineAnnotate:
		obs.AnnotationStatus = inat.StatusFailed
	}
	return obs
}
