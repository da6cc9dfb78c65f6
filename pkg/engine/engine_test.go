// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"database/sql"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgswap/pgswap/internal/testutils"
	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/endpoint"
	"github.com/pgswap/pgswap/pkg/engine"
	"github.com/pgswap/pgswap/pkg/pglog"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func openPool(t *testing.T, ep endpoint.Endpoint) *db.Pool {
	t.Helper()
	pool, err := db.Open(context.Background(), ep, "public", 2)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func requireDumpTools(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("pg_dump"); err != nil {
		t.Skip("pg_dump not available on this machine")
	}
	if _, err := exec.LookPath("pg_restore"); err != nil {
		t.Skip("pg_restore not available on this machine")
	}
}

func TestDryRunReportsRowCountsWithoutMutating(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndDestination(t, func(source, dest *sql.DB, sourceEp, destEp endpoint.Endpoint) {
		ctx := context.Background()
		_, err := source.ExecContext(ctx, "CREATE TABLE widgets (id int PRIMARY KEY, name text)")
		require.NoError(t, err)
		_, err = source.ExecContext(ctx, "INSERT INTO widgets VALUES (1, 'a'), (2, 'b')")
		require.NoError(t, err)

		_, err = dest.ExecContext(ctx, "CREATE TABLE widgets (id int PRIMARY KEY, name text)")
		require.NoError(t, err)
		_, err = dest.ExecContext(ctx, "INSERT INTO widgets VALUES (9, 'pre-existing')")
		require.NoError(t, err)

		srcPool := openPool(t, sourceEp)
		dstPool := openPool(t, destEp)

		e := engine.New(srcPool, dstPool, engine.Options{PreservedTables: []string{"widgets"}}, pglog.NewNoop(), nil)

		report, err := e.DryRun(ctx)
		require.NoError(t, err)

		require.Len(t, report.SourceTables, 1)
		assert.Equal(t, int64(2), report.SourceTables[0].RowCount)

		require.Len(t, report.DestinationTables, 1)
		assert.Equal(t, int64(1), report.DestinationTables[0].RowCount)

		require.Len(t, report.PreservedTables, 1)
		assert.True(t, report.PreservedTables[0].InSource)
		assert.True(t, report.PreservedTables[0].InDestination)

		var count int
		require.NoError(t, dest.QueryRowContext(ctx, "SELECT count(*) FROM widgets").Scan(&count))
		assert.Equal(t, 1, count, "dry run must not mutate the destination")
	})
}

func TestDryRunFailsWhenSourceUnreachable(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndDestination(t, func(_, _ *sql.DB, sourceEp, destEp endpoint.Endpoint) {
		ctx := context.Background()
		srcPool := openPool(t, sourceEp)
		dstPool := openPool(t, destEp)
		srcPool.Close()

		e := engine.New(srcPool, dstPool, engine.Options{}, pglog.NewNoop(), nil)

		_, err := e.DryRun(ctx)
		assert.Error(t, err)
	})
}

func TestMigrateStagesAndSwapsWithPreservedTable(t *testing.T) {
	t.Parallel()
	requireDumpTools(t)

	testutils.WithSourceAndDestination(t, func(source, dest *sql.DB, sourceEp, destEp endpoint.Endpoint) {
		ctx := context.Background()
		_, err := source.ExecContext(ctx, "CREATE TABLE widgets (id int PRIMARY KEY, name text)")
		require.NoError(t, err)
		_, err = source.ExecContext(ctx, "INSERT INTO widgets VALUES (1, 'a'), (2, 'b')")
		require.NoError(t, err)
		_, err = source.ExecContext(ctx, "CREATE TABLE sessions (id int PRIMARY KEY, token text)")
		require.NoError(t, err)

		_, err = dest.ExecContext(ctx, "CREATE TABLE sessions (id int PRIMARY KEY, token text)")
		require.NoError(t, err)
		_, err = dest.ExecContext(ctx, "INSERT INTO sessions VALUES (1, 'keep-me')")
		require.NoError(t, err)

		srcPool := openPool(t, sourceEp)
		dstPool := openPool(t, destEp)

		e := engine.New(srcPool, dstPool, engine.Options{PreservedTables: []string{"sessions"}}, pglog.NewNoop(), nil)

		result, err := e.Migrate(ctx)
		require.NoError(t, err)
		assert.NotNil(t, result)

		var name string
		require.NoError(t, dest.QueryRowContext(ctx, "SELECT name FROM widgets WHERE id = 1").Scan(&name))
		assert.Equal(t, "a", name)

		var token string
		require.NoError(t, dest.QueryRowContext(ctx, "SELECT token FROM sessions WHERE id = 1").Scan(&token))
		assert.Equal(t, "keep-me", token, "preserved table rows written during the window must survive the swap")
	})
}

func TestPrepareThenSwapAcrossTwoCalls(t *testing.T) {
	t.Parallel()
	requireDumpTools(t)

	testutils.WithSourceAndDestination(t, func(source, dest *sql.DB, sourceEp, destEp endpoint.Endpoint) {
		ctx := context.Background()
		_, err := source.ExecContext(ctx, "CREATE TABLE widgets (id int PRIMARY KEY, name text)")
		require.NoError(t, err)
		_, err = source.ExecContext(ctx, "INSERT INTO widgets VALUES (1, 'a')")
		require.NoError(t, err)

		srcPool := openPool(t, sourceEp)
		dstPool := openPool(t, destEp)

		e := engine.New(srcPool, dstPool, engine.Options{}, pglog.NewNoop(), nil)

		_, err = e.Prepare(ctx)
		require.NoError(t, err)

		var count int
		require.NoError(t, dest.QueryRowContext(ctx,
			"SELECT count(*) FROM information_schema.schemata WHERE schema_name = 'shadow'").Scan(&count))
		assert.Equal(t, 1, count, "Prepare must leave the staged dataset in destination shadow")

		result, err := e.Swap(ctx)
		require.NoError(t, err)
		assert.NotNil(t, result)

		var name string
		require.NoError(t, dest.QueryRowContext(ctx, "SELECT name FROM widgets WHERE id = 1").Scan(&name))
		assert.Equal(t, "a", name)
	})
}
