package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"recapai/services/recorder/internal/app"
)

func newQuotaCommand(ctx *commandContext) *cobra.Command {
	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and repair per-owner storage quota",
	}
	quotaCmd.AddCommand(newQuotaShowCommand(ctx))
	quotaCmd.AddCommand(newQuotaRecomputeCommand(ctx))
	return quotaCmd
}

func newQuotaShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show stored bytes against ledger usage for every owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			report, err := rt.App.QuotaReport(cmd.Context())
			if err != nil {
				return fmt.Errorf("quota report: %w", err)
			}
			if len(report) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored recordings")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderQuotaReport(report))
			return nil
		},
	}
}

func renderQuotaReport(report []app.OwnerQuota) string {
	rows := make([][]string, 0, len(report))
	for _, q := range report {
		drift := ""
		if q.UsedBytes != q.StoredBytes {
			drift = strconv.FormatInt(q.UsedBytes-q.StoredBytes, 10)
		}
		rows = append(rows, []string{
			q.OwnerID,
			strconv.FormatInt(q.StoredBytes, 10),
			strconv.FormatInt(q.UsedBytes, 10),
			strconv.FormatInt(q.ReservedBytes, 10),
			formatCeiling(q.QuotaBytes),
			drift,
		})
	}
	return renderTable(
		[]string{"Owner", "Stored", "Ledger", "Reserved", "Quota", "Drift"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func formatCeiling(v int64) string {
	if v <= 0 {
		return "unlimited"
	}
	return strconv.FormatInt(v, 10)
}

func newQuotaRecomputeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute [owner...]",
		Short: "Reset ledger usage to the bytes actually stored",
		Long: "Reset ledger usage to the bytes actually stored. Listed owners are reset " +
			"even when they no longer store anything. Run it while uploads are quiet: " +
			"commits racing the reset are overwritten.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			sums, err := rt.App.RecomputeQuota(cmd.Context(), args...)
			if err != nil {
				return fmt.Errorf("recompute quota: %w", err)
			}
			owners := make([]string, 0, len(sums))
			for owner := range sums {
				owners = append(owners, owner)
			}
			sort.Strings(owners)
			rows := make([][]string, 0, len(owners))
			for _, owner := range owners {
				rows = append(rows, []string{owner, strconv.FormatInt(sums[owner], 10)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Owner", "Used"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}
