package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/archive"
	"github.com/JakeFAU/inat-scraper/internal/inat"
)

const defaultTaxaBatch = 1000

// TaxonomyConfig tunes LoadTaxonomy.
type TaxonomyConfig struct {
	// URL is where the DwC-A is downloaded from when Path does not exist.
	URL      string
	Path     string
	Language string
	// Refresh forces a new download even if Path exists.
	Refresh   bool
	BatchSize int
	Progress  io.Writer
}

// LoadTaxonomy fills taxa from the taxonomy archive's vernacular names. The
// first name listed for a taxon wins. It returns the number of taxa written.
func LoadTaxonomy(ctx context.Context, client *http.Client, taxa inat.TaxonStore, cfg TaxonomyConfig, logger *zap.Logger) (int, error) {
	if taxa == nil {
		return 0, errors.New("taxon store is required")
	}
	if cfg.Path == "" {
		return 0, errors.New("taxonomy path is required")
	}
	if cfg.Language == "" {
		cfg.Language = "english"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultTaxaBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	_, statErr := os.Stat(cfg.Path)
	if cfg.Refresh || errors.Is(statErr, os.ErrNotExist) {
		if cfg.URL == "" {
			return 0, fmt.Errorf("taxonomy archive %s missing and no url configured", cfg.Path)
		}
		logger.Info("downloading taxonomy archive", zap.String("url", cfg.URL))
		n, err := archive.Download(ctx, client, cfg.URL, cfg.Path, cfg.Progress)
		if err != nil {
			return 0, fmt.Errorf("download taxonomy: %w", err)
		}
		logger.Info("taxonomy archive saved", zap.String("path", cfg.Path), zap.String("size", humanize.Bytes(uint64(n))))
	} else if statErr != nil {
		return 0, fmt.Errorf("stat %s: %w", cfg.Path, statErr)
	}

	seen := make(map[int64]struct{})
	batch := make([]inat.Taxon, 0, cfg.BatchSize)
	written := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := taxa.UpsertTaxa(ctx, batch); err != nil {
			return fmt.Errorf("upsert taxa: %w", err)
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	for taxon, err := range archive.VernacularNames(cfg.Path, cfg.Language, cfg.Progress) {
		if err != nil {
			return written, err
		}
		if _, dup := seen[taxon.ID]; dup {
			continue
		}
		seen[taxon.ID] = struct{}{}
		batch = append(batch, taxon)
		if len(batch) == cfg.BatchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	logger.Info("taxonomy loaded", zap.String("taxa", humanize.Comma(int64(written))), zap.String("language", cfg.Language))
	return written, nil
}
