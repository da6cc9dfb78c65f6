// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgswap/pgswap/pkg/rollback"
)

func verifyCmd() *cobra.Command {
	var timestamp string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate a backup namespace's tables, primary-key nulls, and foreign-key references",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if timestamp == "" {
				return fmt.Errorf("--timestamp is required")
			}
			backupName := "backup_" + timestamp
			if _, err := rollback.TimestampOf(backupName); err != nil {
				return err
			}

			dst, err := openDestPool(ctx)
			if err != nil {
				return err
			}
			defer dst.Close()

			rb := newRollbackEngine(dst)
			result, err := rb.Validate(ctx, backupName)
			if err != nil {
				return err
			}

			if result.Valid {
				fmt.Printf("%s: valid\n", backupName)
				for _, w := range result.Warnings {
					fmt.Printf("  warning: %s\n", w)
				}
				return nil
			}

			fmt.Printf("%s: invalid\n", backupName)
			for _, e := range result.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			return fmt.Errorf("backup %q failed validation", backupName)
		},
	}

	cmd.Flags().StringVar(&timestamp, "timestamp", "", "backup timestamp, matching the suffix of a backup_<timestamp> namespace")
	return cmd
}
