// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgswap/pgswap/cmd/flags"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backup namespaces left behind by previous swaps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			dst, err := openDestPool(ctx)
			if err != nil {
				return err
			}
			defer dst.Close()

			rb := newRollbackEngine(dst)
			backups, err := rb.List(ctx)
			if err != nil {
				return err
			}

			if flags.JSON() {
				out, err := json.MarshalIndent(backups, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(backups) == 0 {
				fmt.Println("no backups found")
				return nil
			}

			for _, b := range backups {
				fmt.Printf("%s\tcreated=%s\ttables=%d\tsize=%s\n",
					b.Namespace, b.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), len(b.Tables), b.TotalSizeStr)
			}
			return nil
		},
	}
}
