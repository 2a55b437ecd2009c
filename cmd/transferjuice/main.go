package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dean-Rough/transferjuice/internal/config"
	"github.com/Dean-Rough/transferjuice/internal/logging"
)

// Version is the version of the application, set at build time
var Version = "dev"

type cli struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "transferjuice",
		Short:        "Transfer news ingestion and live feed",
		Version:      Version,
		SilenceUsage: true,
	}

	root.AddCommand(c.serveCmd(), c.sweepCmd(), c.rosterCmd())
	return root
}

// load reads configuration and builds the logger writing to w.
func (c *cli) load(w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewWithWriter(cfg.Logging, w)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logger
	return nil
}
