// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgswap/pgswap/cmd/flags"
)

func rollbackCmd() *cobra.Command {
	var (
		latest      bool
		timestamp   string
		keepTables  []string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Reverse a completed swap by restoring a backup namespace to public",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if !latest && timestamp == "" {
				return errMissingRollbackTarget
			}

			dst, err := openDestPool(ctx)
			if err != nil {
				return err
			}
			defer dst.Close()

			rb := newRollbackEngine(dst)

			backupName := "backup_" + timestamp
			if latest {
				backups, err := rb.List(ctx)
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					return fmt.Errorf("no backup namespaces found")
				}
				backupName = backups[0].Namespace
			}

			if flags.DryRun() {
				fmt.Printf("dry run: would roll back to %s\n", backupName)
				return nil
			}

			sp, _ := pterm.DefaultSpinner.WithText(fmt.Sprintf("Rolling back to %s...", backupName)).Start()
			if err := rb.Rollback(ctx, backupName, keepTables); err != nil {
				sp.Fail(fmt.Sprintf("Rollback failed: %s", err))
				return err
			}

			sp.Success(fmt.Sprintf("Rolled back to %s", backupName))
			return nil
		},
	}

	cmd.Flags().BoolVar(&latest, "latest", false, "roll back to the most recent backup namespace")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "roll back to the backup_<timestamp> namespace")
	cmd.Flags().StringSliceVar(&keepTables, "keep-tables", nil, "tables whose post-swap (shadow) contents should be restored after rollback")

	return cmd
}
