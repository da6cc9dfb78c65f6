// SPDX-License-Identifier: Apache-2.0

package restore_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgswap/pgswap/internal/testutils"
	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/introspect"
	"github.com/pgswap/pgswap/pkg/pglog"
	"github.com/pgswap/pgswap/pkg/restore"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func openPool(t *testing.T, connStr string) *db.Pool {
	t.Helper()
	ep := testutils.EndpointFromConnStr(t, connStr)
	pool, err := db.Open(context.Background(), ep, "public", 2)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestResetSequencesAdvancesPastMaxValue(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		_, err := conn.ExecContext(ctx, "CREATE TABLE widgets (id serial PRIMARY KEY, name text)")
		require.NoError(t, err)
		_, err = conn.ExecContext(ctx, "INSERT INTO widgets (id, name) VALUES (100, 'manually inserted')")
		require.NoError(t, err)

		pool := openPool(t, connStr)
		in := introspect.New(pool, nil)
		tables, err := in.Introspect(ctx, "public")
		require.NoError(t, err)

		r := restore.New(pool, pglog.NewNoop())
		warnings := r.ResetSequences(ctx, "public", tables)
		assert.Empty(t, warnings)

		_, err = conn.ExecContext(ctx, "INSERT INTO widgets (name) VALUES ('next')")
		require.NoError(t, err)

		var id int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT id FROM widgets WHERE name = 'next'").Scan(&id))
		assert.Equal(t, 101, id)
	})
}

func TestRebuildIndexesRecreatesNonUniqueIndex(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		_, err := conn.ExecContext(ctx, "CREATE TABLE widgets (id int PRIMARY KEY, name text)")
		require.NoError(t, err)
		_, err = conn.ExecContext(ctx, "CREATE INDEX widgets_name_idx ON widgets (name)")
		require.NoError(t, err)

		pool := openPool(t, connStr)
		in := introspect.New(pool, nil)
		tables, err := in.Introspect(ctx, "public")
		require.NoError(t, err)

		_, err = conn.ExecContext(ctx, "DROP INDEX widgets_name_idx")
		require.NoError(t, err)

		r := restore.New(pool, pglog.NewNoop())
		warnings := r.RebuildIndexes(ctx, "public", "public", tables)
		assert.Empty(t, warnings)

		var count int
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT count(*) FROM pg_indexes WHERE indexname = 'widgets_name_idx'").Scan(&count))
		assert.Equal(t, 1, count)
	})
}

func TestRebuildIndexesSkipsUniqueIndexes(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		_, err := conn.ExecContext(ctx, "CREATE TABLE widgets (id int PRIMARY KEY, sku text UNIQUE)")
		require.NoError(t, err)

		pool := openPool(t, connStr)
		in := introspect.New(pool, nil)
		tables, err := in.Introspect(ctx, "public")
		require.NoError(t, err)

		r := restore.New(pool, pglog.NewNoop())
		warnings := r.RebuildIndexes(ctx, "public", "public", tables)
		assert.Empty(t, warnings, "unique indexes should be skipped, not rebuilt (and not error)")
	})
}
