// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgswap/pgswap/cmd/flags"
	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/endpoint"
	"github.com/pgswap/pgswap/pkg/engine"
	"github.com/pgswap/pgswap/pkg/metrics"
	"github.com/pgswap/pgswap/pkg/pglog"
	"github.com/pgswap/pgswap/pkg/rollback"
	"github.com/pgswap/pgswap/pkg/transport"
)

// Version is the pgswap version, set at link time.
var Version = "development"

func init() {
	viper.SetEnvPrefix("")
	viper.AutomaticEnv()

	flags.PersistentFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "pgswap",
	Short:        "Zero-downtime PostgreSQL database replacement",
	SilenceUsage: true,
	Version:      Version,
}

// Execute executes the root command.
func Execute() error {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(prepareCmd())
	rootCmd.AddCommand(swapCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(verifyCmd())

	return rootCmd.Execute()
}

// openPools resolves the source and destination database URLs and opens
// a leased-session pool against each, both rooted at the "public"
// namespace. The destination pool is sized to at least parallel-jobs + 4
// so restore parallelism never starves other connection users.
func openPools(ctx context.Context) (src, dst *db.Pool, err error) {
	srcEp, err := endpoint.Parse(flags.SourceURL())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing source-url: %w", err)
	}
	dstEp, err := endpoint.Parse(flags.DestURL())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing dest-url: %w", err)
	}

	src, err = db.Open(ctx, srcEp, "public", 4)
	if err != nil {
		return nil, nil, err
	}

	parallelJobs := transport.ClampParallelJobs(flags.ParallelJobs())
	dst, err = db.Open(ctx, dstEp, "public", parallelJobs+4)
	if err != nil {
		src.Close()
		return nil, nil, err
	}

	return src, dst, nil
}

// openDestPool opens only the destination pool, for subcommands that
// never touch the source (status, list, rollback, cleanup, verify).
func openDestPool(ctx context.Context) (*db.Pool, error) {
	dstEp, err := endpoint.Parse(flags.DestURL())
	if err != nil {
		return nil, fmt.Errorf("parsing dest-url: %w", err)
	}
	return db.Open(ctx, dstEp, "public", 4)
}

func newEngine(srcPool, dstPool *db.Pool) *engine.Engine {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	return engine.New(srcPool, dstPool, engine.Options{
		PreservedTables: flags.PreservedTables(),
		ParallelJobs:    flags.ParallelJobs(),
	}, pglog.New(), reg)
}

func newRollbackEngine(dstPool *db.Pool) *rollback.Engine {
	return rollback.New(dstPool, pglog.New())
}
