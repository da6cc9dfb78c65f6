// SPDX-License-Identifier: Apache-2.0

package introspect_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgswap/pgswap/internal/testutils"
	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/introspect"
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

func TestIntrospectCapturesColumnsConstraintsAndSequence(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		_, err := conn.ExecContext(ctx, `
			CREATE TABLE widgets (
				id serial PRIMARY KEY,
				sku text UNIQUE NOT NULL,
				price numeric DEFAULT 0
			)`)
		require.NoError(t, err)
		_, err = conn.ExecContext(ctx, "CREATE INDEX widgets_price_idx ON widgets (price)")
		require.NoError(t, err)

		pool := openPool(t, connStr)
		in := introspect.New(pool, nil)

		tables, err := in.Introspect(ctx, "public")
		require.NoError(t, err)
		require.Len(t, tables, 1)

		tbl := tables[0]
		assert.Equal(t, "widgets", tbl.Name)
		assert.Equal(t, []string{"id"}, tbl.PrimaryKeyColumns())

		require.Len(t, tbl.Columns, 3)
		assert.Equal(t, "id", tbl.Columns[0].Name)
		assert.False(t, tbl.Columns[0].Nullable)

		require.Len(t, tbl.Sequences, 1)
		assert.Equal(t, "id", tbl.Sequences[0].OwningCol)

		var hasPriceIdx bool
		for _, idx := range tbl.Indexes {
			if idx.Name == "widgets_price_idx" {
				hasPriceIdx = true
				assert.False(t, idx.Unique)
			}
		}
		assert.True(t, hasPriceIdx)
	})
}

func TestIntrospectExcludesSystemTables(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(_ *sql.DB, connStr string) {
		pool := openPool(t, connStr)
		in := introspect.New(pool, nil)

		tables, err := in.Introspect(context.Background(), "public")
		require.NoError(t, err)
		assert.Empty(t, tables)
	})
}

func TestQualifiedNameQuotesNamespaceAndTable(t *testing.T) {
	t.Parallel()

	tbl := introspect.Table{Namespace: "public", Name: "widgets"}
	got := tbl.QualifiedName(func(s string) string { return `"` + s + `"` })
	assert.Equal(t, `"public"."widgets"`, got)
}
