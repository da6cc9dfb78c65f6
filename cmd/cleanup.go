// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgswap/pgswap/cmd/flags"
	"github.com/pgswap/pgswap/pkg/rollback"
)

func parseBefore(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --before value %q: expected YYYY-MM-DD, \"YYYY-MM-DD HH:MM\", or a millisecond timestamp", s)
}

func cleanupCmd() *cobra.Command {
	var before string
	var policyPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop backup namespaces created before a cutoff, or matching a retention policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if before == "" && policyPath == "" {
				return fmt.Errorf("either --before or --policy is required")
			}
			if before != "" && policyPath != "" {
				return fmt.Errorf("--before and --policy are mutually exclusive")
			}

			dst, err := openDestPool(ctx)
			if err != nil {
				return err
			}
			defer dst.Close()

			rb := newRollbackEngine(dst)

			var dropped []string
			if policyPath != "" {
				policy, err := rollback.LoadRetentionPolicy(policyPath)
				if err != nil {
					return err
				}
				dropped, err = rb.CleanupByPolicy(ctx, policy, flags.DryRun())
				if err != nil {
					return err
				}
			} else {
				cutoff, err := parseBefore(before)
				if err != nil {
					return err
				}
				dropped, err = rb.CleanupBefore(ctx, cutoff, flags.DryRun())
				if err != nil {
					return err
				}
			}

			if flags.DryRun() {
				fmt.Printf("would drop %d backup namespace(s):\n", len(dropped))
			} else {
				fmt.Printf("dropped %d backup namespace(s):\n", len(dropped))
			}
			for _, b := range dropped {
				fmt.Printf("  %s\n", b)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&before, "before", "", "drop backups created before this date or timestamp")
	cmd.Flags().StringVar(&policyPath, "policy", "", "path to a YAML retention policy (maxAge, keepLast)")
	return cmd
}
