package cmd

import (
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/pipeline"
)

type scrapeFlags struct {
	semaphore   int
	size        string
	force       bool
	retryFailed bool
	skipIngest  bool
	maxRecords  int
}

func (c *cli) newScrapeCmd() *cobra.Command {
	var f scrapeFlags
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Ingest export archives and download observation images",
		Long: `Loads every export archive in export.dir into the metadata store, then
downloads the image of each observation not yet stored. Rerunning only
fetches what is still pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runScrape(cmd, f)
		},
	}
	cmd.Flags().IntVar(&f.semaphore, "semaphore", 0, "max concurrent downloads (default from scrape.concurrency)")
	cmd.Flags().StringVarP(&f.size, "size", "s", "", "image size: small, medium, large or original (default from scrape.image_size)")
	cmd.Flags().BoolVarP(&f.force, "force", "f", false, "re-download images that are already stored")
	cmd.Flags().BoolVar(&f.retryFailed, "retry-failed", false, "also retry observations marked failed")
	cmd.Flags().BoolVar(&f.skipIngest, "skip-ingest", false, "do not read export archives first")
	cmd.Flags().IntVar(&f.maxRecords, "max-records", 0, "process at most this many observations")
	return cmd
}

func (c *cli) runScrape(cmd *cobra.Command, f scrapeFlags) error {
	ctx := cmd.Context()
	cfg := c.cfg
	concurrency := cfg.Scrape.Concurrency
	if cmd.Flags().Changed("semaphore") {
		concurrency = f.semaphore
	}
	size := cfg.Scrape.ImageSize
	if f.size != "" {
		if !inat.ValidImageSize(f.size) {
			return fmt.Errorf("--size must be one of %v", inat.ImageSizes)
		}
		size = f.size
	}

	st := c.app.Store()
	if !f.skipIngest {
		stats, err := pipeline.Ingest(ctx, st, st, pipeline.IngestConfig{
			Dir:          cfg.Export.Dir,
			WriteRetries: cfg.Store.WriteRetries,
			WriteBuffer:  cfg.Store.WriteBuffer,
			Progress:     c.app.ProgressOutput(),
		}, c.logger)
		if err != nil {
			return ignoreCanceled(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ingested %s rows from %d archives (%s invalid, %s duplicates)\n",
			humanize.Comma(stats.Rows), stats.Files, humanize.Comma(stats.Invalid), humanize.Comma(stats.Duplicates))
	}

	blobs, err := c.app.BlobStore(ctx)
	if err != nil {
		return err
	}
	stage, err := pipeline.NewScrapeStage(blobs, pipeline.ScrapeConfig{
		Size:   size,
		Prefix: cfg.Images.Prefix,
		Force:  f.force,
	}, c.logger)
	if err != nil {
		return err
	}
	fetcher, err := c.app.Fetcher(cfg.HTTP.Proxy)
	if err != nil {
		return err
	}
	runner, err := c.app.Runner(fetcher, concurrency, cfg.Scrape.QueueDepth, http.Header{"Accept": {"image/*"}})
	if err != nil {
		return err
	}

	sum, err := runner.Run(ctx, stage, inat.PendingQuery{
		IncludeFailed: f.retryFailed,
		Force:         f.force,
		Limit:         f.maxRecords,
	})
	fmt.Fprintf(cmd.OutOrStdout(), "scrape: %s\n", sum)
	if err != nil {
		c.logger.Warn("scrape stopped early", zap.Error(err))
	}
	return ignoreCanceled(err)
}
