package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/inat-scraper/internal/pipeline"
)

func (c *cli) newTaxonomyCmd() *cobra.Command {
	var (
		refresh  bool
		language string
	)
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Load vernacular taxon names into the metadata store",
		Long: `Downloads the iNaturalist taxonomy Darwin Core archive when it is not on
disk yet and loads one vernacular name per taxon into the taxa table. Later
scrape runs use it to fill in missing common names.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg.Taxonomy
			if language != "" {
				cfg.Language = language
			}
			client, err := c.app.HTTPClient()
			if err != nil {
				return err
			}
			n, err := pipeline.LoadTaxonomy(cmd.Context(), client, c.app.Store(), pipeline.TaxonomyConfig{
				URL:      cfg.URL,
				Path:     cfg.Path,
				Language: cfg.Language,
				Refresh:  refresh,
				Progress: c.app.ProgressOutput(),
			}, c.logger)
			if err != nil {
				return ignoreCanceled(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "taxonomy: %s %s names loaded\n", humanize.Comma(int64(n)), cfg.Language)
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "download the archive even if it exists")
	cmd.Flags().StringVar(&language, "language", "", "vernacular name language (default from taxonomy.language)")
	return cmd
}
