package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/export"
	"github.com/JakeFAU/inat-scraper/internal/inat"
)

type exportFlags struct {
	username     string
	password     string
	qualityGrade string
}

func (c *cli) newExportCmd() *cobra.Command {
	var f exportFlags
	cmd := &cobra.Command{
		Use:   "export <taxon_id>...",
		Short: "Request and download observation export archives",
		Long: `Logs in to iNaturalist, requests one observation export per taxon and
downloads each archive to <export.dir>/<taxon_id>.zip. Missing credentials
are prompted for on the terminal.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runExport(cmd, args, f)
		},
	}
	cmd.Flags().StringVar(&f.username, "username", "", "iNaturalist username or email")
	cmd.Flags().StringVar(&f.password, "password", "", "iNaturalist password")
	cmd.Flags().StringVarP(&f.qualityGrade, "quality-grade", "q", "", "any or research (default from export.quality_grade)")
	return cmd
}

func (c *cli) runExport(cmd *cobra.Command, args []string, f exportFlags) error {
	taxa, err := parseTaxonIDs(args)
	if err != nil {
		return err
	}
	cfg := c.cfg.Export
	if f.qualityGrade != "" {
		switch f.qualityGrade {
		case "any", "research":
			cfg.QualityGrade = f.qualityGrade
		default:
			return fmt.Errorf("--quality-grade must be any or research, got %q", f.qualityGrade)
		}
	}

	username, password, err := c.credentials(cmd.ErrOrStderr(), f)
	if err != nil {
		return err
	}

	client, err := c.app.ExportClient()
	if err != nil {
		return err
	}
	if err := client.Login(cmd.Context(), username, password); err != nil {
		return err
	}

	exporter, err := export.NewExporter(client, export.Config{
		Dir:          cfg.Dir,
		QualityGrade: cfg.QualityGrade,
		MaxResults:   int64(cfg.MaxResults),
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		MaxWait:      time.Duration(cfg.MaxWaitMinutes) * time.Minute,
		FormFile:     cfg.FormFile,
		Progress:     c.app.ProgressOutput(),
	}, c.logger)
	if err != nil {
		return err
	}

	var failed []error
	for _, taxonID := range taxa {
		archive, err := exporter.Export(cmd.Context(), taxonID)
		if err != nil {
			var authErr *inat.AuthError
			if errors.As(err, &authErr) || cmd.Context().Err() != nil {
				return err
			}
			c.logger.Error("export failed", zap.Int64("taxon_id", taxonID), zap.Error(err))
			failed = append(failed, fmt.Errorf("taxon %d: %w", taxonID, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "taxon %d: %s observations, %s written to %s\n",
			taxonID, humanize.Comma(archive.TotalResults), humanize.Bytes(uint64(archive.Bytes)), archive.Path)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d exports failed: %w", len(failed), len(taxa), errors.Join(failed...))
	}
	return nil
}

// credentials fills in what the flags left out from the terminal.
func (c *cli) credentials(prompt io.Writer, f exportFlags) (string, string, error) {
	username, password := f.username, f.password
	reader := bufio.NewReader(c.stdin)
	if username == "" {
		fmt.Fprint(prompt, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Fprint(prompt, "Password: ")
		if fd, ok := c.stdinFD(); ok && c.isTerminal(fd) {
			raw, err := c.readPassword(fd)
			fmt.Fprintln(prompt)
			if err != nil {
				return "", "", fmt.Errorf("read password: %w", err)
			}
			password = string(raw)
		} else {
			line, err := reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return "", "", fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
	}
	if username == "" || password == "" {
		return "", "", &inat.AuthError{Reason: "username and password are required"}
	}
	return username, password, nil
}

func (c *cli) stdinFD() (int, bool) {
	f, ok := c.stdin.(interface{ Fd() uintptr })
	if !ok {
		return 0, false
	}
	return int(f.Fd()), true
}

func parseTaxonIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	seen := make(map[int64]struct{}, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid taxon id %q", arg)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
