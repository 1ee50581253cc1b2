package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// ScrapeConfig tunes the image download stage.
type ScrapeConfig struct {
	// Size is the photo variant to download (small, medium, large, original).
	Size string
	// Prefix is prepended to blob paths.
	Prefix string
	// Force re-downloads images that already exist in the blob store.
	Force bool
}

// ScrapeStage downloads observation photos into a blob store.
type ScrapeStage struct {
	blobs  inat.BlobStore
	cfg    ScrapeConfig
	logger *zap.Logger
}

// NewScrapeStage validates cfg.
func NewScrapeStage(blobs inat.BlobStore, cfg ScrapeConfig, logger *zap.Logger) (*ScrapeStage, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Size == "" {
		cfg.Size = "medium"
	}
	if !inat.ValidImageSize(cfg.Size) {
		return nil, fmt.Errorf("unknown image size %q", cfg.Size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScrapeStage{blobs: blobs, cfg: cfg, logger: logger}, nil
}

// Pipeline implements Stage.
func (s *ScrapeStage) Pipeline() inat.Pipeline { return inat.PipelineScrape }

// Prepare resolves the variant URL and skips images already stored unless
// Force is set.
func (s *ScrapeStage) Prepare(ctx context.Context, obs inat.Observation) (Plan, error) {
	target, ext, err := inat.ImageVariant(obs.ImageURL, s.cfg.Size)
	if err != nil {
		return Plan{}, err
	}
	if !s.cfg.Force {
		if checker, ok := s.blobs.(inat.BlobChecker); ok {
			uri, exists, err := checker.Exists(ctx, inat.ImagePath(s.cfg.Prefix, obs.ID, ext))
			switch {
			case err != nil:
				s.logger.Warn("blob lookup failed, fetching",
					zap.Int64("observation_id", obs.ID), zap.Error(err))
			case exists:
				return Plan{Done: &inat.Observation{
					ID:          obs.ID,
					ImageStatus: inat.StatusStored,
					ImageURI:    uri,
				}}, nil
			}
		}
	}
	return Plan{Item: inat.WorkItem{
		ObservationID: obs.ID,
		TaxonID:       obs.TaxonID,
		Pipeline:      inat.PipelineScrape,
		URL:           target,
		Ext:           ext,
		PriorAttempts: obs.Attempts,
	}}, nil
}

// Process writes the downloaded image to the blob store.
func (s *ScrapeStage) Process(ctx context.Context, item inat.WorkItem, resp inat.FetchResponse) (inat.Observation, error) {
	if len(resp.Body) == 0 {
		return inat.Observation{}, &inat.ParseError{ObservationID: item.ObservationID, Cause: errors.New("empty image body")}
	}
	sum := sha256.Sum256(resp.Body)
	path := inat.ImagePath(s.cfg.Prefix, item.ObservationID, item.Ext)
	uri, err := s.blobs.PutObject(ctx, path, inat.ImageContentType(item.Ext), bytes.NewReader(resp.Body))
	if err != nil {
		return inat.Observation{}, fmt.Errorf("store image %s: %w", path, err)
	}
	s.logger.Debug("image stored",
		zap.Int64("observation_id", item.ObservationID),
		zap.Int64("taxon_id", item.TaxonID),
		zap.String("uri", uri),
	)
	return inat.Observation{
		ID:          item.ObservationID,
		ImageStatus: inat.StatusStored,
		ImageURI:    uri,
		ImageSHA256: hex.EncodeToString(sum[:]),
		ImageBytes:  int64(len(resp.Body)),
	}, nil
}
