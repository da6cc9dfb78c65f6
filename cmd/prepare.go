// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgswap/pgswap/cmd/flags"
)

func prepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Stage the source dataset into the destination's shadow namespace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			src, dst, err := openPools(ctx)
			if err != nil {
				return err
			}
			defer src.Close()
			defer dst.Close()

			e := newEngine(src, dst)

			if flags.DryRun() {
				report, err := e.DryRun(ctx)
				if err != nil {
					return err
				}
				printDryRunReport(report)
				return nil
			}

			sp, _ := pterm.DefaultSpinner.WithText("Staging inbound dataset...").Start()
			result, err := e.Prepare(ctx)
			if err != nil {
				sp.Fail(fmt.Sprintf("Prepare failed: %s", err))
				return err
			}

			sp.Success(fmt.Sprintf("migration-id=%s ready for swap", e.ID()))
			fmt.Println(e.ID())

			if flags.JSON() {
				return printStatsJSON(result)
			}
			return nil
		},
	}
}
