// SPDX-License-Identifier: Apache-2.0

// Package namespace manages the lifecycle of Postgres schemas used as
// namespaces by the migration engine: the live "public" namespace, the
// staged "shadow" namespace, and timestamped "backup_<unix-ms>" namespaces.
// Renames are metadata-only and atomic with respect to concurrent readers.
package namespace

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/pgerrors"
)

// nameRe whitelists the identifiers this package will ever quote and emit
// as DDL. Schema names can't be bound as query parameters, so every name
// is checked against this whitelist before being quoted into a statement.
var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// backupRe additionally constrains backup namespace names to the
// "backup_<unix-ms>" shape the engine generates.
var backupRe = regexp.MustCompile(`^backup_[0-9]+$`)

// Manager creates, drops, renames and swaps namespaces over a pooled
// connection to the destination database.
type Manager struct {
	pool *db.Pool
}

// New creates a Manager bound to pool.
func New(pool *db.Pool) *Manager {
	return &Manager{pool: pool}
}

// ValidateName checks name against the general namespace whitelist.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return pgerrors.InvalidIdentifierError{Name: name, Reason: "namespace names must match ^[a-z][a-z0-9_]*$"}
	}
	return nil
}

// ValidateBackupName checks name against the backup_<unix-ms> shape.
func ValidateBackupName(name string) error {
	if !backupRe.MatchString(name) {
		return pgerrors.InvalidIdentifierError{Name: name, Reason: "backup namespace names must match ^backup_[0-9]+$"}
	}
	return nil
}

// Exists reports whether name exists as a schema in the destination.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	var exists bool
	err := m.pool.DB().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`, name).Scan(&exists)
	return exists, err
}

// Create creates namespace name. Fails if it already exists.
func (m *Manager) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	exists, err := m.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return pgerrors.NamespaceConflict{Operation: "create", Name: name, Reason: "already exists"}
	}

	_, err = m.pool.DB().ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", db.QuoteIdentifier(name)))
	return err
}

// Drop drops namespace name. Idempotent: a missing namespace is not an
// error.
func (m *Manager) Drop(ctx context.Context, name string, cascade bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	stmt := fmt.Sprintf("DROP SCHEMA IF EXISTS %s", db.QuoteIdentifier(name))
	if cascade {
		stmt += " CASCADE"
	}
	_, err := m.pool.DB().ExecContext(ctx, stmt)
	return err
}

// DropTx drops namespace name like Drop, but issues the statement over tx
// instead of a pool-level connection, for callers that need the drop to
// share a transaction (and a single physical connection) with other
// statements, such as rollback's foreign-key-disabled session.
func (m *Manager) DropTx(ctx context.Context, tx *sql.Tx, name string, cascade bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	stmt := fmt.Sprintf("DROP SCHEMA IF EXISTS %s", db.QuoteIdentifier(name))
	if cascade {
		stmt += " CASCADE"
	}
	_, err := tx.ExecContext(ctx, stmt)
	return err
}

// Rename renames namespace from to to. Fails if from is absent or to is
// already present.
func (m *Manager) Rename(ctx context.Context, from, to string) error {
	if err := ValidateName(from); err != nil {
		return err
	}
	if err := ValidateName(to); err != nil {
		return err
	}

	fromExists, err := m.Exists(ctx, from)
	if err != nil {
		return err
	}
	if !fromExists {
		return pgerrors.NamespaceConflict{Operation: "rename", Name: from, Reason: "does not exist"}
	}

	toExists, err := m.Exists(ctx, to)
	if err != nil {
		return err
	}
	if toExists {
		return pgerrors.NamespaceConflict{Operation: "rename", Name: to, Reason: "already exists"}
	}

	_, err = m.pool.DB().ExecContext(ctx, fmt.Sprintf("ALTER SCHEMA %s RENAME TO %s",
		db.QuoteIdentifier(from), db.QuoteIdentifier(to)))
	return err
}

// RenamePair performs two renames inside a single serializable
// transaction: from1->to1 then from2->to2. Used by global recovery
// (public->failed_migration_<ts>, backup_<ts>->public), which requires an
// all-or-nothing pair of renames. Rollback performs its pair
// (public->shadow, backup_<ts>->public) through RenamePairTx instead.
func (m *Manager) RenamePair(ctx context.Context, from1, to1, from2, to2 string) error {
	for _, n := range []string{from1, to1, from2, to2} {
		if err := ValidateName(n); err != nil {
			return err
		}
	}

	return m.pool.DB().WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return renamePairTx(ctx, tx, from1, to1, from2, to2)
	})
}

// RenamePairTx performs RenamePair's two renames over tx directly, for
// callers that need the pair to share a transaction (and a single
// physical connection) with other statements, such as rollback's
// foreign-key-disabled session.
func (m *Manager) RenamePairTx(ctx context.Context, tx *sql.Tx, from1, to1, from2, to2 string) error {
	for _, n := range []string{from1, to1, from2, to2} {
		if err := ValidateName(n); err != nil {
			return err
		}
	}

	return renamePairTx(ctx, tx, from1, to1, from2, to2)
}

func renamePairTx(ctx context.Context, tx *sql.Tx, from1, to1, from2, to2 string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER SCHEMA %s RENAME TO %s",
		db.QuoteIdentifier(from1), db.QuoteIdentifier(to1))); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", from1, to1, err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER SCHEMA %s RENAME TO %s",
		db.QuoteIdentifier(from2), db.QuoteIdentifier(to2))); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", from2, to2, err)
	}

	return nil
}

// SwapTriple performs the atomic triple rename A->C, B->A, then creates a
// fresh empty B, inside one serializable transaction. It is used exactly
// once per migration, as public->backup_<ts>, shadow->public, create
// shadow.
func (m *Manager) SwapTriple(ctx context.Context, a, b, c string) error {
	if err := ValidateName(a); err != nil {
		return err
	}
	if err := ValidateName(b); err != nil {
		return err
	}
	if err := ValidateBackupName(c); err != nil {
		return err
	}

	return m.pool.DB().WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER SCHEMA %s RENAME TO %s",
			db.QuoteIdentifier(a), db.QuoteIdentifier(c))); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", a, c, err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER SCHEMA %s RENAME TO %s",
			db.QuoteIdentifier(b), db.QuoteIdentifier(a))); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", b, a, err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", db.QuoteIdentifier(b))); err != nil {
			return fmt.Errorf("creating fresh %s: %w", b, err)
		}

		return nil
	})
}
