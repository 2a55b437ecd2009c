package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Dean-Rough/transferjuice/internal/config"
)

func (c *cli) rosterCmd() *cobra.Command {
	var (
		path   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Validate and print the tracked-account roster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				if err := c.load(cmd.ErrOrStderr()); err != nil {
					return err
				}
				path = c.cfg.Sweep.RosterPath
			}

			accounts, err := config.LoadRoster(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(accounts)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HANDLE\tTIER\tRELIABILITY\tTOPICS")
			for _, a := range accounts {
				fmt.Fprintf(tw, "@%s\t%d\t%.2f\t%s\n", a.Handle, a.Tier, a.Reliability, strings.Join(a.Topics, ","))
			}
			fmt.Fprintf(tw, "\n%d accounts\n", len(accounts))
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&path, "file", "", "roster file (defaults to ROSTER_PATH)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print accounts as JSON")
	return cmd
}
