package inat

import (
	"net/http"
	"time"
)

// Pipeline names a resumable stage that iterates pending observations.
type Pipeline string

// Supported pipelines.
const (
	PipelineScrape   Pipeline = "scrape"
	PipelineAnnotate Pipeline = "annotate"
)

// Status is the per-stage state persisted for an observation.
type Status string

// Status values persisted in the image_status and annotation_status columns.
const (
	StatusPending   Status = "pending"
	StatusStored    Status = "stored"
	StatusAnnotated Status = "annotated"
	StatusFailed    Status = "failed"
)

// ExportState tracks the lifecycle of a single export request.
type ExportState string

// Export lifecycle states. Archived and Failed are terminal.
const (
	ExportIdle      ExportState = "idle"
	ExportRequested ExportState = "requested"
	ExportArchived  ExportState = "archived"
	ExportFailed    ExportState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ExportState) Terminal() bool {
	return s == ExportArchived || s == ExportFailed
}

// Observation is a single sighting row in the metadata store.
type Observation struct {
	ID             int64    `json:"id"`
	TaxonID        int64    `json:"taxon_id"`
	ImageURL       string   `json:"image_url"`
	ScientificName string   `json:"scientific_name,omitempty"`
	CommonName     string   `json:"common_name,omitempty"`
	QualityGrade   string   `json:"quality_grade,omitempty"`
	ObservedOn     string   `json:"observed_on,omitempty"`
	UserLogin      string   `json:"user_login,omitempty"`
	License        string   `json:"license,omitempty"`
	URL            string   `json:"url,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`

	ImageStatus Status `json:"image_status,omitempty"`
	ImageURI    string `json:"image_uri,omitempty"`
	ImageSHA256 string `json:"image_sha256,omitempty"`
	ImageBytes  int64  `json:"image_bytes,omitempty"`

	AnnotationStatus Status  `json:"annotation_status,omitempty"`
	Annotations      *string `json:"annotations,omitempty"`

	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Merge applies the non-zero fields of update on top of o and returns the
// result. Reaching a success status clears LastError.
func (o Observation) Merge(update Observation) Observation {
	out := o
	if update.ID != 0 {
		out.ID = update.ID
	}
	if update.TaxonID != 0 {
		out.TaxonID = update.TaxonID
	}
	mergeString(&out.ImageURL, update.ImageURL)
	mergeString(&out.ScientificName, update.ScientificName)
	mergeString(&out.CommonName, update.CommonName)
	mergeString(&out.QualityGrade, update.QualityGrade)
	mergeString(&out.ObservedOn, update.ObservedOn)
	mergeString(&out.UserLogin, update.UserLogin)
	mergeString(&out.License, update.License)
	mergeString(&out.URL, update.URL)
	if update.Latitude != nil {
		out.Latitude = update.Latitude
	}
	if update.Longitude != nil {
		out.Longitude = update.Longitude
	}
	if update.ImageStatus != "" {
		out.ImageStatus = update.ImageStatus
	}
	mergeString(&out.ImageURI, update.ImageURI)
	mergeString(&out.ImageSHA256, update.ImageSHA256)
	if update.ImageBytes != 0 {
		out.ImageBytes = update.ImageBytes
	}
	if update.AnnotationStatus != "" {
		out.AnnotationStatus = update.AnnotationStatus
	}
	if update.Annotations != nil {
		out.Annotations = update.Annotations
	}
	if update.Attempts != 0 {
		out.Attempts = update.Attempts
	}
	mergeString(&out.LastError, update.LastError)
	if update.ImageStatus == StatusStored || update.AnnotationStatus == StatusAnnotated {
		out.LastError = ""
	}
	if !update.UpdatedAt.IsZero() {
		out.UpdatedAt = update.UpdatedAt
	}
	if out.ImageStatus == "" {
		out.ImageStatus = StatusPending
	}
	if out.AnnotationStatus == "" {
		out.AnnotationStatus = StatusPending
	}
	return out
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Taxon maps a taxon id to its vernacular name.
type Taxon struct {
	ID   int64  `json:"taxon_id"`
	Name string `json:"name"`
}

// PendingQuery selects the observations a pipeline still has to process.
type PendingQuery struct {
	Pipeline Pipeline
	// IncludeFailed also yields records permanently failed in an earlier run.
	IncludeFailed bool
	// Force yields every candidate regardless of status (scrape only).
	Force bool
	// Limit caps the number of yielded records when > 0.
	Limit int
}

// WorkItem is a single unit of fetch work queued for the worker pool.
type WorkItem struct {
	ObservationID int64
	TaxonID       int64
	Pipeline      Pipeline
	URL           string
	// Ext is the file extension used when persisting an image.
	Ext string
	// Attempt counts previous fetch attempts for this item in the current run.
	Attempt int
	// PriorAttempts is the attempt count persisted by earlier runs.
	PriorAttempts int
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	ObservationID int64
	URL           string
	Headers       http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Result pairs a work item with the outcome of its fetch.
type Result struct {
	Item     WorkItem
	Response FetchResponse
	// Update carries the fields the worker derived from a successful fetch.
	Update Observation
	Err    error
}

// RunStatus mirrors the runs.status column.
type RunStatus string

// Run statuses persisted by the run history sink.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// Run models one invocation of a pipeline.
type Run struct {
	ID         string     `json:"id"`
	Pipeline   Pipeline   `json:"pipeline"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Succeeded  int64      `json:"succeeded"`
	Failed     int64      `json:"failed"`
	Note       string     `json:"note,omitempty"`
}

// Matches reports whether o belongs to the pending set described by q. SQL
// stores express the same predicate in their WHERE clauses.
func (q PendingQuery) Matches(o Observation) bool {
	switch q.Pipeline {
	case PipelineScrape:
		if q.Force {
			return true
		}
		if o.ImageStatus == StatusStored {
			return false
		}
		return q.IncludeFailed || o.ImageStatus != StatusFailed
	case PipelineAnnotate:
		if o.ImageStatus != StatusStored || o.AnnotationStatus == StatusAnnotated {
			return false
		}
		return q.IncludeFailed || o.AnnotationStatus != StatusFailed
	default:
		return false
	}
}
