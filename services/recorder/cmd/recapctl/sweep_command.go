package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var leftovers time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention and stale-task sweep, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			if leftovers > 0 {
				rt.SweepLeftovers(leftovers)
			}
			report, err := rt.Retention.Sweep(cmd.Context())
			out := cmd.OutOrStdout()
			if report.Skipped {
				fmt.Fprintln(out, "Another sweep holds the lock; nothing done")
				return err
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Object", "Removed"},
				[][]string{
					{"recordings", fmt.Sprint(report.Blobs)},
					{"tasks", fmt.Sprint(report.Tasks)},
					{"transcript pairs", fmt.Sprint(report.Pairs)},
					{"stale tasks failed", fmt.Sprint(report.Stale)},
				},
				[]columnAlignment{alignLeft, alignRight},
			))
			return err
		},
	}
	cmd.Flags().DurationVar(&leftovers, "leftovers", 0, "Also remove staging and partial object files older than this")
	return cmd
}
