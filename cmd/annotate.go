package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/pipeline"
)

type annotateFlags struct {
	limit       int
	proxy       string
	retryFailed bool
	maxRecords  int
}

func (c *cli) newAnnotateCmd() *cobra.Command {
	var f annotateFlags
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Fetch annotations for observations with stored images",
		Long: `Fetches the API document of every observation whose image is stored but
which has not been annotated yet, and records its controlled-term labels.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runAnnotate(cmd, f)
		},
	}
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum concurrent API connections (default from annotate.concurrency)")
	cmd.Flags().StringVar(&f.proxy, "proxy", "", "proxy URL for API requests (default from annotate.proxy, then http.proxy)")
	cmd.Flags().BoolVar(&f.retryFailed, "retry-failed", false, "also retry observations whose annotation failed")
	cmd.Flags().IntVar(&f.maxRecords, "max-records", 0, "process at most this many observations")
	return cmd
}

func (c *cli) runAnnotate(cmd *cobra.Command, f annotateFlags) error {
	cfg := c.cfg
	if f.maxRecords < 0 {
		return fmt.Errorf("--max-records must be >= 0")
	}
	concurrency := cfg.Annotate.Concurrency
	if cmd.Flags().Changed("limit") {
		if f.limit < 1 {
			return fmt.Errorf("--limit must be >= 1")
		}
		concurrency = f.limit
	}
	proxy := cfg.AnnotateProxy()
	if f.proxy != "" {
		proxy = f.proxy
	}

	stage, err := pipeline.NewAnnotateStage(pipeline.AnnotateConfig{
		APIURL: cfg.INat.APIURL,
		Locale: cfg.INat.Locale,
	})
	if err != nil {
		return err
	}
	fetcher, err := c.app.Fetcher(proxy)
	if err != nil {
		return err
	}
	runner, err := c.app.Runner(fetcher, concurrency, cfg.Annotate.QueueDepth, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return err
	}

	sum, err := runner.Run(cmd.Context(), stage, inat.PendingQuery{
		IncludeFailed: f.retryFailed,
		Limit:         f.maxRecords,
	})
	fmt.Fprintf(cmd.OutOrStdout(), "annotate: %s\n", sum)
	return ignoreCanceled(err)
}
