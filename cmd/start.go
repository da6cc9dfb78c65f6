// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgswap/pgswap/cmd/flags"
	"github.com/pgswap/pgswap/pkg/stats"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Migrate the source database into the destination with zero downtime",
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

			sp, _ := pterm.DefaultSpinner.WithText("Migrating...").Start()
			result, err := e.Migrate(ctx)
			if err != nil {
				sp.Fail(fmt.Sprintf("Migration failed: %s", err))
				return err
			}

			sp.Success(fmt.Sprintf("Migration complete: %d tables, %d records migrated",
				result.TablesProcessed, result.RecordsMigrated))

			if flags.JSON() {
				return printStatsJSON(result)
			}
			return nil
		},
	}
}

func printDryRunReport(r interface{ String() string }) {
	fmt.Println(r.String())
}

// printStatsJSON marshals a completed run's statistics and validates the
// encoding against the schema external consumers (CI pipelines parsing
// `--json` output) are expected to rely on, before printing it.
func printStatsJSON(s *stats.Stats) error {
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := stats.ValidatePayloadSchema(payload); err != nil {
		return fmt.Errorf("internal error: stats payload does not match its own schema: %w", err)
	}
	fmt.Println(string(payload))
	return nil
}
