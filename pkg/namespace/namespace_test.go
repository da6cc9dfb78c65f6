// SPDX-License-Identifier: Apache-2.0

package namespace_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgswap/pgswap/internal/testutils"
	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/namespace"
	"github.com/pgswap/pgswap/pkg/pgerrors"
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

func TestCreateThenExists(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(_ *sql.DB, connStr string) {
		pool := openPool(t, connStr)
		m := namespace.New(pool)
		ctx := context.Background()

		exists, err := m.Exists(ctx, "shadow")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, m.Create(ctx, "shadow"))

		exists, err = m.Exists(ctx, "shadow")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestCreateFailsIfAlreadyExists(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(_ *sql.DB, connStr string) {
		pool := openPool(t, connStr)
		m := namespace.New(pool)
		ctx := context.Background()

		require.NoError(t, m.Create(ctx, "shadow"))

		err := m.Create(ctx, "shadow")
		require.Error(t, err)
		var conflict pgerrors.NamespaceConflict
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "create", conflict.Operation)
	})
}

func TestRenameFailsIfSourceMissing(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(_ *sql.DB, connStr string) {
		pool := openPool(t, connStr)
		m := namespace.New(pool)

		err := m.Rename(context.Background(), "shadow", "public2")
		var conflict pgerrors.NamespaceConflict
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "does not exist", conflict.Reason)
	})
}

func TestDropIsIdempotent(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(_ *sql.DB, connStr string) {
		pool := openPool(t, connStr)
		m := namespace.New(pool)
		ctx := context.Background()

		require.NoError(t, m.Drop(ctx, "shadow", false))
		require.NoError(t, m.Drop(ctx, "shadow", false))
	})
}

func TestRenamePairRenamesBothNamespaces(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(_ *sql.DB, connStr string) {
		pool := openPool(t, connStr)
		m := namespace.New(pool)
		ctx := context.Background()

		require.NoError(t, m.Create(ctx, "shadow"))
		require.NoError(t, m.Create(ctx, "backup_1"))

		require.NoError(t, m.RenamePair(ctx, "public", "failed_migration_1", "backup_1", "public"))

		exists, err := m.Exists(ctx, "failed_migration_1")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = m.Exists(ctx, "backup_1")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestSwapTripleCreatesFreshStagedNamespace(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		pool := openPool(t, connStr)
		m := namespace.New(pool)
		ctx := context.Background()

		require.NoError(t, m.Create(ctx, "shadow"))
		_, err := conn.ExecContext(ctx, "CREATE TABLE shadow.widgets (id int)")
		require.NoError(t, err)

		require.NoError(t, m.SwapTriple(ctx, "public", "shadow", "backup_1234"))

		for _, want := range []string{"backup_1234", "public", "shadow"} {
			exists, err := m.Exists(ctx, want)
			require.NoError(t, err)
			assert.Truef(t, exists, "expected namespace %q to exist after swap", want)
		}

		var count int
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT count(*) FROM information_schema.tables WHERE table_schema = 'shadow'").Scan(&count))
		assert.Zero(t, count, "fresh shadow namespace should be empty")
	})
}

func TestValidateNameRejectsUnsafeIdentifiers(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", "Public", "public; drop table x", "1public", "public-prod"} {
		err := namespace.ValidateName(bad)
		assert.Errorf(t, err, "expected %q to be rejected", bad)
	}

	assert.NoError(t, namespace.ValidateName("public"))
	assert.NoError(t, namespace.ValidateName("backup_1700000000000"))
}

func TestValidateBackupNameRequiresBackupPrefix(t *testing.T) {
	t.Parallel()

	assert.NoError(t, namespace.ValidateBackupName("backup_1700000000000"))
	assert.Error(t, namespace.ValidateBackupName("shadow"))
}
