package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Dean-Rough/transferjuice/internal/broadcast"
	"github.com/Dean-Rough/transferjuice/internal/ingestion"
)

func (c *cli) sweepCmd() *cobra.Command {
	var (
		dryRun    bool
		showItems bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one ingestion sweep and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.load(cmd.ErrOrStderr()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			opts := appOptions{memoryStore: dryRun}
			if showItems {
				opts.wrapPublisher = func(next ingestion.Publisher) ingestion.Publisher {
					return &echoPublisher{next: next, enc: json.NewEncoder(out)}
				}
			}

			a, err := newApp(cmd.Context(), c.cfg, c.logger, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.pipeline.Sweep(cmd.Context())
			var batchErr *ingestion.BatchError
			if err != nil && !errors.As(err, &batchErr) {
				return err
			}
			return writeReport(out, report)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "keep cursors in memory instead of the configured store")
	cmd.Flags().BoolVar(&showItems, "items", false, "print each published message as a JSON line")
	return cmd
}

func writeReport(w io.Writer, report ingestion.SweepReport) error {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// echoPublisher writes every message it forwards.
type echoPublisher struct {
	next ingestion.Publisher
	enc  *json.Encoder
}

func (p *echoPublisher) Broadcast(t broadcast.EventType, data any, route broadcast.Route) (broadcast.Message, error) {
	msg, err := p.next.Broadcast(t, data, route)
	if err != nil {
		return msg, err
	}
	return msg, p.enc.Encode(msg)
}
