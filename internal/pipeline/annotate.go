package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// AnnotateConfig tunes the annotation stage.
type AnnotateConfig struct {
	// APIURL is the public API root, e.g. https://api.inaturalist.org/v1.
	APIURL string
	Locale string
}

// AnnotateStage fetches each stored observation's API document and records
// its controlled-term annotation labels.
type AnnotateStage struct {
	cfg AnnotateConfig
}

// NewAnnotateStage validates cfg.
func NewAnnotateStage(cfg AnnotateConfig) (*AnnotateStage, error) {
	if _, err := url.Parse(cfg.APIURL); err != nil || cfg.APIURL == "" {
		return nil, fmt.Errorf("invalid api url %q", cfg.APIURL)
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}
	return &AnnotateStage{cfg: cfg}, nil
}

// Pipeline implements Stage.
func (s *AnnotateStage) Pipeline() inat.Pipeline { return inat.PipelineAnnotate }

// Prepare builds the per-observation API URL.
func (s *AnnotateStage) Prepare(_ context.Context, obs inat.Observation) (Plan, error) {
	target := s.cfg.APIURL + "/observations/" + strconv.FormatInt(obs.ID, 10) +
		"?locale=" + url.QueryEscape(s.cfg.Locale)
	return Plan{Item: inat.WorkItem{
		ObservationID: obs.ID,
		TaxonID:       obs.TaxonID,
		Pipeline:      inat.PipelineAnnotate,
		URL:           target,
		PriorAttempts: obs.Attempts,
	}}, nil
}

type observationDocument struct {
	TotalResults *int `json:"total_results"`
	Results      []struct {
		ID          int64 `json:"id"`
		Annotations []struct {
			ControlledValue *struct {
				Label string `json:"label"`
			} `json:"controlled_value"`
		} `json:"annotations"`
	} `json:"results"`
}

// Process decodes the API document. Anything but exactly one result is a
// ParseError.
func (s *AnnotateStage) Process(_ context.Context, item inat.WorkItem, resp inat.FetchResponse) (inat.Observation, error) {
	labels, err := parseAnnotations(resp.Body)
	if err != nil {
		return inat.Observation{}, &inat.ParseError{ObservationID: item.ObservationID, Cause: err}
	}
	joined := strings.Join(labels, ",")
	return inat.Observation{
		ID:               item.ObservationID,
		AnnotationStatus: inat.StatusAnnotated,
		Annotations:      &joined,
	}, nil
}

func parseAnnotations(body []byte) ([]string, error) {
	var doc observationDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode observation: %w", err)
	}
	if doc.TotalResults == nil {
		return nil, errors.New("response lacks total_results")
	}
	if *doc.TotalResults != 1 || len(doc.Results) != 1 {
		return nil, fmt.Errorf("expected 1 result, got %d", *doc.TotalResults)
	}
	labels := make([]string, 0, len(doc.Results[0].Annotations))
	for i, a := range doc.Results[0].Annotations {
		if a.ControlledValue == nil || a.ControlledValue.Label == "" {
			return nil, fmt.Errorf("annotation %d lacks a controlled value label", i)
		}
		labels = append(labels, a.ControlledValue.Label)
	}
	return labels, nil
}
