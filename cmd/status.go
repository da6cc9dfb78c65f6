// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgswap/pgswap/cmd/flags"
	"github.com/pgswap/pgswap/pkg/introspect"
	"github.com/pgswap/pgswap/pkg/namespace"
	"github.com/pgswap/pgswap/pkg/rollback"
)

type statusReport struct {
	ShadowPresent  bool   `json:"shadow_present"`
	ShadowTables   int    `json:"shadow_tables"`
	SyncTriggers   int    `json:"sync_triggers"`
	BackupCount    int    `json:"backup_count"`
	LatestBackup   string `json:"latest_backup,omitempty"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the current state of a pgswap destination",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			dst, err := openDestPool(ctx)
			if err != nil {
				return err
			}
			defer dst.Close()

			ns := namespace.New(dst)

			report := &statusReport{}
			report.ShadowPresent, err = ns.Exists(ctx, "shadow")
			if err != nil {
				return err
			}

			if report.ShadowPresent {
				introspector := introspect.New(dst, nil)
				tables, err := introspector.Introspect(ctx, "shadow")
				if err != nil {
					return err
				}
				report.ShadowTables = len(tables)

				if err := dst.DB().QueryRowContext(ctx, `
					SELECT count(*) FROM pg_catalog.pg_trigger
					WHERE NOT tgisinternal AND tgname LIKE 'sync\_%\_to\_shadow\_trigger'`).Scan(&report.SyncTriggers); err != nil {
					return err
				}
			}

			rb := newRollbackEngine(dst)
			backups, err := rb.List(ctx)
			if err != nil {
				return err
			}
			report.BackupCount = len(backups)
			if len(backups) > 0 {
				report.LatestBackup = backups[0].Namespace
			}

			if flags.JSON() {
				out, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("shadow present: %v\n", report.ShadowPresent)
			if report.ShadowPresent {
				fmt.Printf("shadow tables: %d\n", report.ShadowTables)
				fmt.Printf("active sync triggers: %d\n", report.SyncTriggers)
			}
			fmt.Printf("backups: %d\n", report.BackupCount)
			if report.LatestBackup != "" {
				fmt.Printf("latest backup: %s\n", report.LatestBackup)
			}
			return nil
		},
	}
}
