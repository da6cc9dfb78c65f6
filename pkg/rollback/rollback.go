// SPDX-License-Identifier: Apache-2.0

// Package rollback enumerates, validates, and restores backup_<unix-ms>
// namespaces created by a prior migration engine run, sharing the
// namespace.Manager the engine itself uses and a reduced introspection
// call.
package rollback

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/introspect"
	"github.com/pgswap/pgswap/pkg/namespace"
	"github.com/pgswap/pgswap/pkg/pgerrors"
	"github.com/pgswap/pgswap/pkg/pglog"
)

const liveNamespace = "public"
const stagingNamespace = "shadow"

var backupNsRe = regexp.MustCompile(`^backup_([0-9]+)$`)

// BackupRecord describes one backup namespace.
type BackupRecord struct {
	Namespace    string
	CreatedAt    time.Time
	Tables       []TableSummary
	TotalSizeStr string
}

// TableSummary is one table's contribution to a backup's contents.
type TableSummary struct {
	Name     string
	RowCount int64
	SizeStr  string
}

// ValidationResult is the outcome of validating one backup namespace.
type ValidationResult struct {
	Backup  string
	Valid   bool
	Errors  []string
	Warnings []string
	Tables  map[string]error
}

// Engine lists, validates, and restores backup namespaces on one
// destination pool.
type Engine struct {
	pool *db.Pool
	ns   *namespace.Manager
	log  pglog.Logger
}

// New creates a rollback Engine over pool.
func New(pool *db.Pool, log pglog.Logger) *Engine {
	if log == nil {
		log = pglog.NewNoop()
	}
	return &Engine{pool: pool, ns: namespace.New(pool), log: log}
}

// List returns all backup_<*> namespaces with table counts and sizes,
// newest first.
func (e *Engine) List(ctx context.Context) ([]BackupRecord, error) {
	rows, err := e.pool.DB().QueryContext(ctx,
		`SELECT nspname FROM pg_catalog.pg_namespace WHERE nspname ~ '^backup_[0-9]+$'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]BackupRecord, 0, len(names))
	for _, name := range names {
		rec, err := e.describe(ctx, name)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

func (e *Engine) describe(ctx context.Context, name string) (BackupRecord, error) {
	created, err := TimestampOf(name)
	if err != nil {
		return BackupRecord{}, err
	}

	introspector := introspect.New(e.pool, nil)
	tables, err := introspector.Introspect(ctx, name)
	if err != nil {
		return BackupRecord{}, err
	}

	rec := BackupRecord{Namespace: name, CreatedAt: created}
	var totalBytes int64
	for _, t := range tables {
		count, sizeBytes, err := e.tableSize(ctx, name, t.Name)
		if err != nil {
			return BackupRecord{}, err
		}
		totalBytes += sizeBytes
		rec.Tables = append(rec.Tables, TableSummary{Name: t.Name, RowCount: count, SizeStr: humanizeBytes(sizeBytes)})
	}
	rec.TotalSizeStr = humanizeBytes(totalBytes)

	return rec, nil
}

func (e *Engine) tableSize(ctx context.Context, namespace, table string) (int64, int64, error) {
	qualified := db.QuoteIdentifier(namespace) + "." + db.QuoteIdentifier(table)

	var count int64
	if err := e.pool.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", qualified)).Scan(&count); err != nil {
		return 0, 0, err
	}

	var sizeBytes int64
	if err := e.pool.DB().QueryRowContext(ctx,
		"SELECT pg_total_relation_size($1)", qualified).Scan(&sizeBytes); err != nil {
		// size introspection failing shouldn't make the whole listing fail
		sizeBytes = 0
	}

	return count, sizeBytes, nil
}

func humanizeBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// TimestampOf decodes the unix-ms suffix of a backup_<unix-ms> namespace
// name into the instant the backup was taken.
func TimestampOf(name string) (time.Time, error) {
	m := backupNsRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, pgerrors.InvalidIdentifierError{Name: name, Reason: "not a backup_<unix-ms> namespace"}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Validate checks schema existence, enumerates backup tables, verifies
// each has at least one column, verifies primary-key columns have no
// nulls on the first 100 rows, and checks referential integrity of every
// foreign key with a short-circuit orphan probe.
func (e *Engine) Validate(ctx context.Context, backupNamespace string) (ValidationResult, error) {
	result := ValidationResult{Backup: backupNamespace, Valid: true, Tables: make(map[string]error)}

	exists, err := e.ns.Exists(ctx, backupNamespace)
	if err != nil {
		return result, err
	}
	if !exists {
		result.Valid = false
		result.Errors = append(result.Errors, "namespace does not exist")
		return result, nil
	}

	introspector := introspect.New(e.pool, nil)
	tables, err := introspector.Introspect(ctx, backupNamespace)
	if err != nil {
		return result, err
	}

	for _, t := range tables {
		if err := e.validateTable(ctx, backupNamespace, t); err != nil {
			result.Tables[t.Name] = err
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", t.Name, err))
			result.Valid = false
		} else {
			result.Tables[t.Name] = nil
		}
	}

	return result, nil
}

func (e *Engine) validateTable(ctx context.Context, namespace string, t *introspect.Table) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table has no columns")
	}

	qualified := db.QuoteIdentifier(namespace) + "." + db.QuoteIdentifier(t.Name)

	for _, pk := range t.PrimaryKeyColumns() {
		var nullCount int64
		q := fmt.Sprintf("SELECT count(*) FROM (SELECT %s FROM %s LIMIT 100) s WHERE %s IS NULL",
			db.QuoteIdentifier(pk), qualified, db.QuoteIdentifier(pk))
		if err := e.pool.DB().QueryRowContext(ctx, q).Scan(&nullCount); err != nil {
			return fmt.Errorf("checking primary key %q for nulls: %w", pk, err)
		}
		if nullCount > 0 {
			return fmt.Errorf("primary key column %q has null values in its first 100 rows", pk)
		}
	}

	for _, c := range t.Constraints {
		if c.Kind != introspect.ForeignKey {
			continue
		}
		if err := e.probeOrphan(ctx, namespace, t.Name, c); err != nil {
			return err
		}
	}

	return nil
}

// probeOrphan runs a LIMIT-1 anti-join derived from the constraint's
// captured definition to short-circuit on the first orphan found.
func (e *Engine) probeOrphan(ctx context.Context, namespace, table string, c introspect.Constraint) error {
	refTable, localCols, refCols, ok := parseForeignKeyDefinition(c.Definition)
	if !ok {
		return nil
	}

	qualifiedLocal := db.QuoteIdentifier(namespace) + "." + db.QuoteIdentifier(table)
	qualifiedRef := db.QuoteIdentifier(namespace) + "." + db.QuoteIdentifier(refTable)

	joinConds := make([]string, len(localCols))
	nullChecks := make([]string, len(localCols))
	for i := range localCols {
		joinConds[i] = fmt.Sprintf("l.%s = r.%s", db.QuoteIdentifier(localCols[i]), db.QuoteIdentifier(refCols[i]))
		nullChecks[i] = fmt.Sprintf("l.%s IS NOT NULL", db.QuoteIdentifier(localCols[i]))
	}

	q := fmt.Sprintf(`SELECT 1 FROM %s l LEFT JOIN %s r ON %s WHERE r.%s IS NULL AND %s LIMIT 1`,
		qualifiedLocal, qualifiedRef, strings.Join(joinConds, " AND "),
		db.QuoteIdentifier(refCols[0]), strings.Join(nullChecks, " AND "))

	rows, err := e.pool.DB().QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("probing foreign key %q: %w", c.Name, err)
	}
	defer rows.Close()

	if rows.Next() {
		return fmt.Errorf("foreign key %q has at least one orphaned row", c.Name)
	}
	return rows.Err()
}

// parseForeignKeyDefinition extracts the referenced table and column
// mapping from a pg_get_constraintdef-shaped string of the form
// "FOREIGN KEY (a, b) REFERENCES other(x, y)".
func parseForeignKeyDefinition(def string) (refTable string, localCols, refCols []string, ok bool) {
	const refMarker = "REFERENCES"
	idx := strings.Index(def, refMarker)
	if idx < 0 {
		return "", nil, nil, false
	}

	localOpen := strings.Index(def, "(")
	localClose := strings.Index(def, ")")
	if localOpen < 0 || localClose < 0 || localClose < localOpen {
		return "", nil, nil, false
	}
	localCols = splitColumnList(def[localOpen+1 : localClose])

	rest := def[idx+len(refMarker):]
	refOpen := strings.Index(rest, "(")
	refClose := strings.Index(rest, ")")
	if refOpen < 0 || refClose < 0 || refClose < refOpen {
		return "", nil, nil, false
	}
	refTable = strings.TrimSpace(rest[:refOpen])
	refTable = strings.Trim(refTable, `"`)
	refCols = splitColumnList(rest[refOpen+1 : refClose])

	if len(localCols) == 0 || len(localCols) != len(refCols) {
		return "", nil, nil, false
	}

	return refTable, localCols, refCols, true
}

func splitColumnList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Rollback restores backupNamespace to public, preserving keepTables from
// the current public contents. Fails if Validate(backupNamespace) is
// invalid. The drop-shadow, rename-pair and keep-tables restore all run
// inside one transaction over a leased session with foreign-key
// enforcement disabled, so a preserved table with cross-table foreign
// keys can be deleted and reloaded out of dependency order without
// tripping constraints that will be satisfied again once every kept
// table has been restored.
func (e *Engine) Rollback(ctx context.Context, backupNamespace string, keepTables []string) error {
	result, err := e.Validate(ctx, backupNamespace)
	if err != nil {
		return err
	}
	if !result.Valid {
		return pgerrors.BackupValidationError{Backup: backupNamespace, Errors: result.Errors}
	}

	session, err := e.pool.Lease(ctx)
	if err != nil {
		return fmt.Errorf("leasing session for rollback: %w", err)
	}
	defer session.Release()

	if err := session.DisableForeignKeys(ctx); err != nil {
		return err
	}

	tx, err := session.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rollback transaction: %w", err)
	}

	if err := e.ns.DropTx(ctx, tx, stagingNamespace, true); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("dropping pre-existing shadow before rollback: %w", err)
	}

	if err := e.ns.RenamePairTx(ctx, tx, liveNamespace, stagingNamespace, backupNamespace, liveNamespace); err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, table := range keepTables {
		if err := e.restoreKeptTable(ctx, tx, table); err != nil {
			e.log.Warn("keep-tables restore failed", "table", table, "error", err)
		}
	}

	if err := e.ns.DropTx(ctx, tx, stagingNamespace, true); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("dropping shadow after rollback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return e.recoverFromFailedRollback(ctx, backupNamespace, err)
	}

	return nil
}

// restoreKeptTable deletes public's rows for table and bulk-copies shadow's
// copy in, for a table named in keep-tables, over tx so the delete/insert
// pair shares the rollback transaction's relaxed foreign-key enforcement.
func (e *Engine) restoreKeptTable(ctx context.Context, tx *sql.Tx, table string) error {
	liveExists, err := e.tableExists(ctx, tx, liveNamespace, table)
	if err != nil {
		return err
	}
	shadowExists, err := e.tableExists(ctx, tx, stagingNamespace, table)
	if err != nil {
		return err
	}
	if !liveExists || !shadowExists {
		return fmt.Errorf("table %q missing from public or shadow; skipped", table)
	}

	qualifiedLive := db.QuoteIdentifier(liveNamespace) + "." + db.QuoteIdentifier(table)
	qualifiedShadow := db.QuoteIdentifier(stagingNamespace) + "." + db.QuoteIdentifier(table)

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", qualifiedLive)); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", qualifiedLive, qualifiedShadow))
	return err
}

func (e *Engine) tableExists(ctx context.Context, tx *sql.Tx, namespace, table string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pg_catalog.pg_class c
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relname = $2
		)`, namespace, table).Scan(&exists)
	return exists, err
}

// recoverFromFailedRollback handles an ambiguous outcome of the rollback
// transaction's Commit: the client cannot tell whether the server applied
// it before the error arrived (e.g. the connection dropped right after a
// server-side commit). Since the whole rollback runs as one transaction,
// either all of it applied or none of it did, so the check reduces to
// whether backupNamespace (consumed by the rename only on success) is
// still present: if it is, the commit never took effect and there is
// nothing to reconcile; if it's gone, the rollback actually succeeded
// despite the error.
func (e *Engine) recoverFromFailedRollback(ctx context.Context, backupNamespace string, cause error) error {
	backupStillExists, err := e.ns.Exists(ctx, backupNamespace)
	if err != nil {
		return pgerrors.RecoveryError{Reason: "checking backup namespace after ambiguous rollback commit", Err: err}
	}
	if backupStillExists {
		return cause
	}

	return nil
}

// Cleanup validates backupNamespace first; on success it drops the
// namespace, otherwise it fails.
func (e *Engine) Cleanup(ctx context.Context, backupNamespace string) error {
	result, err := e.Validate(ctx, backupNamespace)
	if err != nil {
		return err
	}
	if !result.Valid {
		return pgerrors.BackupValidationError{Backup: backupNamespace, Errors: result.Errors}
	}
	return e.ns.Drop(ctx, backupNamespace, true)
}

// CleanupBefore deletes every backup namespace strictly older than cutoff,
// used by the `cleanup --before=<date>` subcommand. Idempotent: applying
// it twice after the first has already deleted the matching backups is
// equivalent to applying it once.
func (e *Engine) CleanupBefore(ctx context.Context, cutoff time.Time, dryRun bool) ([]string, error) {
	records, err := e.List(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, r := range records {
		if !r.CreatedAt.Before(cutoff) {
			continue
		}
		if dryRun {
			deleted = append(deleted, r.Namespace)
			continue
		}
		if err := e.ns.Drop(ctx, r.Namespace, true); err != nil {
			return deleted, fmt.Errorf("dropping %q: %w", r.Namespace, err)
		}
		deleted = append(deleted, r.Namespace)
	}

	return deleted, nil
}
