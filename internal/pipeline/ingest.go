package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/archive"
	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/store"
)

// IngestConfig tunes Ingest.
type IngestConfig struct {
	// Dir holds the export zips.
	Dir          string
	WriteRetries int
	WriteBuffer  int
	// Progress receives per-archive progress bars; nil disables them.
	Progress io.Writer
}

// IngestStats tallies an Ingest call.
type IngestStats struct {
	Files      int
	Rows       int64
	Duplicates int64
	Invalid    int64
	Written    int64
	Dropped    int64
}

// Ingest loads every export archive in cfg.Dir into st, keyed by observation
// id. Existing rows are merged so download and annotation state survive.
// Missing common names are filled from taxa when it is non-nil.
func Ingest(ctx context.Context, st inat.Store, taxa inat.TaxonStore, cfg IngestConfig, logger *zap.Logger) (IngestStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	files, err := archive.ExportFiles(cfg.Dir)
	if err != nil {
		return IngestStats{}, err
	}
	if len(files) == 0 {
		logger.Warn("no export archives found", zap.String("dir", cfg.Dir))
		return IngestStats{}, nil
	}

	writer := store.NewWriter(ctx, st, store.WriterConfig{
		Buffer:  cfg.WriteBuffer,
		Retries: cfg.WriteRetries,
		Logger:  logger,
	})
	names := newNameCache(taxa)
	seen := make(map[int64]struct{})
	stats := IngestStats{Files: len(files)}

	err = func() error {
		for _, path := range files {
			for obs, err := range archive.Observations(path, cfg.Progress) {
				var rowErr *archive.RowError
				switch {
				case errors.As(err, &rowErr):
					stats.Invalid++
					logger.Warn("skipping export row", zap.Error(err))
					continue
				case err != nil:
					return err
				}
				stats.Rows++
				if _, dup := seen[obs.ID]; dup {
					stats.Duplicates++
					continue
				}
				seen[obs.ID] = struct{}{}
				if obs.CommonName == "" && obs.TaxonID != 0 {
					obs.CommonName = names.lookup(ctx, obs.TaxonID, logger)
				}
				if err := writer.Submit(ctx, obs); err != nil {
					return fmt.Errorf("submit observation %d: %w", obs.ID, err)
				}
			}
			logger.Debug("export archive read", zap.String("path", path))
		}
		return nil
	}()

	ws := writer.Close()
	stats.Written = ws.Written
	stats.Dropped = ws.Dropped
	if err != nil {
		return stats, fmt.Errorf("ingest exports: %w", err)
	}
	logger.Info("exports ingested",
		zap.Int("files", stats.Files),
		zap.String("rows", humanize.Comma(stats.Rows)),
		zap.String("unique", humanize.Comma(int64(len(seen)))),
		zap.Int64("invalid", stats.Invalid),
		zap.Int64("dropped", stats.Dropped),
	)
	return stats, nil
}

// nameCache memoizes vernacular name lookups, including misses.
type nameCache struct {
	taxa  inat.TaxonStore
	names map[int64]string
	off   bool
}

func newNameCache(taxa inat.TaxonStore) *nameCache {
	return &nameCache{taxa: taxa, names: make(map[int64]string), off: taxa == nil}
}

func (c *nameCache) lookup(ctx context.Context, taxonID int64, logger *zap.Logger) string {
	if c.off {
		return ""
	}
	if name, ok := c.names[taxonID]; ok {
		return name
	}
	name, err := c.taxa.TaxonName(ctx, taxonID)
	switch {
	case errors.Is(err, inat.ErrNotFound):
	case err != nil:
		logger.Warn("taxon lookup failed, disabling name fill", zap.Int64("taxon_id", taxonID), zap.Error(err))
		c.off = true
		return ""
	}
	c.names[taxonID] = name
	return name
}
