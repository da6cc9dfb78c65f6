// SPDX-License-Identifier: Apache-2.0

// Package flags resolves pgswap's configuration from environment
// variables with CLI-flag override, using viper.BindPFlag so either
// source wins consistently across every subcommand.
package flags

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// SourceURL returns the source database's connection URL.
func SourceURL() string {
	return viper.GetString("SOURCE_DATABASE_URL")
}

// DestURL returns the destination database's connection URL, falling
// back to DATABASE_URL when DEST_DATABASE_URL is unset.
func DestURL() string {
	if u := viper.GetString("DEST_DATABASE_URL"); u != "" {
		return u
	}
	return viper.GetString("DATABASE_URL")
}

// PreservedTables returns the comma-separated PRESERVED_TABLES list,
// split and trimmed.
func PreservedTables() []string {
	raw := viper.GetString("PRESERVED_TABLES")
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	tables := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tables = append(tables, t)
		}
	}
	return tables
}

// ParallelJobs returns the restore parallelism request (0 = auto-clamp).
func ParallelJobs() int {
	return viper.GetInt("PARALLEL_JOBS")
}

// PersistentFlags registers the connection and preserved-table flags
// shared by every subcommand, binding each to its environment variable.
func PersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("source-url", "", "Source database connection URL")
	cmd.PersistentFlags().String("dest-url", "", "Destination database connection URL")
	cmd.PersistentFlags().String("preserved-tables", "", "Comma-separated list of tables to preserve across the swap")
	cmd.PersistentFlags().Int("parallel-jobs", 0, "Restore parallelism (0 selects min(8, cpu count))")
	cmd.PersistentFlags().Bool("dry-run", false, "Analyze without mutating either database (honoured by start, prepare, rollback and cleanup)")
	cmd.PersistentFlags().Bool("json", false, "Emit machine-readable JSON output")

	viper.BindPFlag("SOURCE_DATABASE_URL", cmd.PersistentFlags().Lookup("source-url"))
	viper.BindPFlag("DEST_DATABASE_URL", cmd.PersistentFlags().Lookup("dest-url"))
	viper.BindPFlag("PRESERVED_TABLES", cmd.PersistentFlags().Lookup("preserved-tables"))
	viper.BindPFlag("PARALLEL_JOBS", cmd.PersistentFlags().Lookup("parallel-jobs"))
	viper.BindPFlag("DRY_RUN", cmd.PersistentFlags().Lookup("dry-run"))
	viper.BindPFlag("JSON", cmd.PersistentFlags().Lookup("json"))
}

// DryRun reports whether --dry-run was passed.
func DryRun() bool { return viper.GetBool("DRY_RUN") }

// JSON reports whether --json was passed.
func JSON() bool { return viper.GetBool("JSON") }
