// Package cmd defines the inatscrape command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/JakeFAU/inat-scraper/internal/app"
	"github.com/JakeFAU/inat-scraper/internal/config"
	"github.com/JakeFAU/inat-scraper/internal/logging"
)

const closeTimeout = 15 * time.Second

// cli carries the state shared by the command tree for one invocation.
type cli struct {
	cfgFile    string
	statusAddr string

	cfg    config.Config
	logger *zap.Logger
	app    *app.App

	// Overridable in tests.
	appOptions   []app.Option
	stdin        io.Reader
	readPassword func(fd int) ([]byte, error)
	isTerminal   func(fd int) bool
}

func newCLI() *cli {
	return &cli{
		stdin:        os.Stdin,
		readPassword: term.ReadPassword,
		isTerminal:   term.IsTerminal,
	}
}

// newRootCmd creates the root command and its subcommands.
func (c *cli) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inatscrape",
		Short: "Bulk exporter of taxon images and metadata from iNaturalist",
		Long: `inatscrape runs three resumable stages against iNaturalist:

  export    request and download observation export archives per taxon
  scrape    load the archives into the metadata store and download images
  annotate  fetch per-observation annotations for stored images

Every stage records progress in the metadata store, so an interrupted run
picks up where it stopped.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&c.statusAddr, "status-addr", "", "serve /healthz, /metrics and /v1/progress on HOST:PORT")

	cmd.AddCommand(
		c.newExportCmd(),
		c.newScrapeCmd(),
		c.newAnnotateCmd(),
		c.newTaxonomyCmd(),
	)
	return cmd
}

// setup loads configuration, builds the stage logger and the application
// container before any subcommand runs.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	if c.statusAddr != "" {
		cfg.Status.Addr = c.statusAddr
	}
	c.cfg = cfg

	logDir := ""
	if cfg.Logging.Dir != "" {
		logDir = filepath.Join(cfg.Logging.Dir, cmd.Name())
	}
	logger, err := logging.New(cfg.Logging.Development, logDir)
	if err != nil {
		return err
	}
	c.logger = logger.Named(cmd.Name())

	a, err := app.New(cmd.Context(), cfg, c.logger, c.appOptions...)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	c.app = a
	return nil
}

// close shuts the container down. It is safe to call when setup failed.
func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := c.app.Close(ctx)
	c.app = nil
	return err
}

// execute runs the command tree with args and always closes the container.
func (c *cli) execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := c.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	runErr := root.ExecuteContext(ctx)
	if err := c.close(); err != nil && c.logger != nil {
		c.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return runErr
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// stage; progress made so far is kept.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	c := newCLI()
	err := c.execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err == nil {
		return
	}
	if c.logger != nil {
		c.logger.Error("command execution failed", zap.Error(err))
		_ = c.logger.Sync()
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}

// ignoreCanceled treats an interrupted stage as a clean exit: its progress
// is already persisted.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
