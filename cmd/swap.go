// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgswap/pgswap/cmd/flags"
)

func swapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "swap",
		Short: "Perform the atomic namespace swap against an already-prepared destination",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			dst, err := openDestPool(ctx)
			if err != nil {
				return err
			}
			defer dst.Close()

			e := newEngine(nil, dst)

			sp, _ := pterm.DefaultSpinner.WithText("Swapping namespaces...").Start()
			result, err := e.Swap(ctx)
			if err != nil {
				sp.Fail(fmt.Sprintf("Swap failed: %s", err))
				return err
			}

			sp.Success(fmt.Sprintf("Swap complete: %d tables, %d records migrated",
				result.TablesProcessed, result.RecordsMigrated))

			if flags.JSON() {
				return printStatsJSON(result)
			}
			return nil
		},
	}
}
