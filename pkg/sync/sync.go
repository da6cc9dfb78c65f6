// SPDX-License-Identifier: Apache-2.0

// Package sync mirrors preserved tables from the live namespace into the
// staged namespace using row-level triggers: a CREATE OR REPLACE
// FUNCTION ... LANGUAGE PLPGSQL branching on TG_OP, then a CREATE OR
// REPLACE TRIGGER ... EXECUTE PROCEDURE, mirroring whole rows between
// two namespaces.
package sync

import (
	"context"
	"crypto/md5" //nolint:gosec // used only as a data-integrity checksum, not for security
	"database/sql"
	"fmt"
	"strings"

	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/pgerrors"
	"github.com/pgswap/pgswap/pkg/pglog"
)

// primaryKeyColumn is the column name every preserved table is assumed to
// key its mirror on.
const primaryKeyColumn = "id"

// TriggerRecord describes one installed sync trigger, so Cleanup can drop
// it later, together with the row count and checksum observed at install
// time. Validate recomputes both copies and does not read these values.
type TriggerRecord struct {
	Table           string
	FunctionName    string
	TriggerName     string
	Active          bool
	InitialChecksum string
	InitialRowCount int64
}

func functionName(table string) string { return "sync_" + table + "_to_shadow" }
func triggerName(fn string) string     { return fn + "_trigger" }

// ValidationResult is returned by Validate.
type ValidationResult struct {
	Table         string
	LiveCount     int64
	StagedCount   int64
	LiveChecksum  string
	StagedChecksum string
	Errors        []string
}

// Valid reports whether counts and checksums agree.
func (v ValidationResult) Valid() bool {
	return len(v.Errors) == 0 && v.LiveCount == v.StagedCount && v.LiveChecksum == v.StagedChecksum
}

// Syncer installs and tears down preserved-table mirrors between a live
// namespace ("public") and a staged namespace ("shadow") on the same
// destination pool.
type Syncer struct {
	pool            *db.Pool
	log             pglog.Logger
	liveNamespace   string
	stagedNamespace string
	legacyTrigger   bool
}

// New creates a Syncer over pool, mirroring from live into staged.
func New(pool *db.Pool, log pglog.Logger, liveNamespace, stagedNamespace string) *Syncer {
	return &Syncer{pool: pool, log: log, liveNamespace: liveNamespace, stagedNamespace: stagedNamespace}
}

// WithLegacyTriggerSyntax switches createTrigger to the pre-PG14 DROP
// TRIGGER IF EXISTS + CREATE TRIGGER sequence, since CREATE OR REPLACE
// TRIGGER was only added in PostgreSQL 14. Callers probe the target
// server's version and opt in when it predates that release.
func (s *Syncer) WithLegacyTriggerSyntax() *Syncer {
	s.legacyTrigger = true
	return s
}

// Setup installs a mirror for each of tables, in order: assert existence
// in both namespaces, truncate+copy, install trigger, validate
// immediately. On the first failure it returns the error along with the
// records created before the failure, so the caller can clean them up.
func (s *Syncer) Setup(ctx context.Context, columns map[string][]string, tables []string) ([]TriggerRecord, error) {
	var records []TriggerRecord

	for _, table := range tables {
		cols, ok := columns[table]
		if !ok || len(cols) == 0 {
			return records, pgerrors.PreservedTableError{Table: table, Reason: "not present in both namespaces"}
		}

		if err := s.assertExists(ctx, s.liveNamespace, table); err != nil {
			return records, err
		}
		if err := s.assertExists(ctx, s.stagedNamespace, table); err != nil {
			return records, err
		}

		if err := s.truncateAndCopy(ctx, table); err != nil {
			return records, fmt.Errorf("copying %q into staged namespace: %w", table, err)
		}

		fn := functionName(table)
		trg := triggerName(fn)
		if err := s.createTrigger(ctx, table, cols, fn, trg); err != nil {
			return records, fmt.Errorf("installing trigger for %q: %w", table, err)
		}

		result, err := s.Validate(ctx, table, cols)
		if err != nil {
			return records, fmt.Errorf("validating mirror for %q: %w", table, err)
		}
		if !result.Valid() {
			return records, pgerrors.SyncValidationError{Table: table, Reason: "mirror mismatch immediately after setup", Details: result.Errors}
		}

		records = append(records, TriggerRecord{
			Table:           table,
			FunctionName:    fn,
			TriggerName:     trg,
			Active:          true,
			InitialChecksum: result.LiveChecksum,
			InitialRowCount: result.LiveCount,
		})
		s.log.Info("installed sync trigger", "table", table, "function", fn, "trigger", trg)
	}

	return records, nil
}

func (s *Syncer) assertExists(ctx context.Context, namespace, table string) error {
	var exists bool
	err := s.pool.DB().QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pg_catalog.pg_class c
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind IN ('r', 'p')
		)`, namespace, table).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking existence of %q.%q: %w", namespace, table, err)
	}
	if !exists {
		return pgerrors.PreservedTableError{Table: table, Reason: fmt.Sprintf("missing in namespace %q", namespace)}
	}
	return nil
}

func (s *Syncer) truncateAndCopy(ctx context.Context, table string) error {
	return s.pool.DB().WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		staged := db.QuoteIdentifier(s.stagedNamespace) + "." + db.QuoteIdentifier(table)
		live := db.QuoteIdentifier(s.liveNamespace) + "." + db.QuoteIdentifier(table)

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", staged)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", staged, live))
		return err
	})
}

// createTrigger installs the mirror function and trigger on the live
// table: one CREATE OR REPLACE FUNCTION, then one CREATE OR REPLACE
// TRIGGER (or the legacy DROP+CREATE pair), issued as two ExecContext
// calls. For column list c1..cn: DELETE removes by id = OLD.id, UPDATE
// sets every column where id = OLD.id, INSERT inserts the full row.
func (s *Syncer) createTrigger(ctx context.Context, table string, columns []string, fn, trg string) error {
	hasPK := false
	for _, c := range columns {
		if c == primaryKeyColumn {
			hasPK = true
			break
		}
	}
	if !hasPK {
		return pgerrors.PreservedTableError{Table: table, Reason: "no column named \"id\"; preserved tables require an \"id\" primary key"}
	}

	quotedStaged := db.QuoteIdentifier(s.stagedNamespace) + "." + db.QuoteIdentifier(table)
	colList := quoteColumnNames(columns)

	setClauses := make([]string, 0, len(columns))
	for _, c := range columns {
		setClauses = append(setClauses, fmt.Sprintf("%s = NEW.%s", db.QuoteIdentifier(c), db.QuoteIdentifier(c)))
	}

	newRefs := make([]string, 0, len(columns))
	for _, c := range columns {
		newRefs = append(newRefs, "NEW."+db.QuoteIdentifier(c))
	}

	//nolint:gosec // identifiers are whitelist-validated and quoted above, not interpolated raw
	functionSQL := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s()
    RETURNS TRIGGER
    LANGUAGE PLPGSQL
    AS $$
    BEGIN
      IF TG_OP = 'DELETE' THEN
        DELETE FROM %[2]s WHERE %[3]s = OLD.%[3]s;
        RETURN OLD;
      ELSIF TG_OP = 'UPDATE' THEN
        UPDATE %[2]s SET %[4]s WHERE %[3]s = OLD.%[3]s;
        RETURN NEW;
      ELSE
        INSERT INTO %[2]s (%[5]s) VALUES (%[6]s);
        RETURN NEW;
      END IF;
    END; $$`,
		db.QuoteIdentifier(fn),
		quotedStaged,
		db.QuoteIdentifier(primaryKeyColumn),
		strings.Join(setClauses, ", "),
		strings.Join(colList, ", "),
		strings.Join(newRefs, ", "))

	if _, err := s.pool.DB().ExecContext(ctx, functionSQL); err != nil {
		return err
	}

	qualifiedTable := db.QuoteIdentifier(s.liveNamespace) + "." + db.QuoteIdentifier(table)

	if s.legacyTrigger {
		dropSQL := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", db.QuoteIdentifier(trg), qualifiedTable)
		if _, err := s.pool.DB().ExecContext(ctx, dropSQL); err != nil {
			return err
		}
	}

	triggerVerb := "CREATE OR REPLACE TRIGGER"
	if s.legacyTrigger {
		triggerVerb = "CREATE TRIGGER"
	}
	triggerSQL := fmt.Sprintf(`%[1]s %[2]s
    AFTER INSERT OR UPDATE OR DELETE
    ON %[3]s
    FOR EACH ROW
    EXECUTE PROCEDURE %[4]s();`,
		triggerVerb,
		db.QuoteIdentifier(trg),
		qualifiedTable,
		db.QuoteIdentifier(fn))

	_, err := s.pool.DB().ExecContext(ctx, triggerSQL)
	return err
}

func quoteColumnNames(columns []string) []string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = db.QuoteIdentifier(c)
	}
	return quoted
}

// Cleanup drops every trigger and function named in records, best-effort:
// failures are returned but do not stop the remaining drops from being
// attempted. tableNamespace identifies where the
// trigger-bearing table currently lives: during P2a's own failure path
// that is still the live namespace the Syncer was built with, but after
// the atomic swap it has been renamed into the backup namespace along
// with the table itself, so callers pass that namespace explicitly
// instead of relying on the Syncer's construction-time namespace. The
// function is dropped from tableNamespace too, since it was created in
// the live namespace and moves with it.
func (s *Syncer) Cleanup(ctx context.Context, tableNamespace string, records []TriggerRecord) []error {
	var errs []error
	for _, r := range records {
		dropTrigger := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s",
			db.QuoteIdentifier(r.TriggerName), db.QuoteIdentifier(tableNamespace)+"."+db.QuoteIdentifier(r.Table))
		if _, err := s.pool.DB().ExecContext(ctx, dropTrigger); err != nil {
			errs = append(errs, fmt.Errorf("dropping trigger %q: %w", r.TriggerName, err))
			s.log.Warn("failed to drop sync trigger", "trigger", r.TriggerName, "error", err)
		}

		dropFn := fmt.Sprintf("DROP FUNCTION IF EXISTS %s.%s()",
			db.QuoteIdentifier(tableNamespace), db.QuoteIdentifier(r.FunctionName))
		if _, err := s.pool.DB().ExecContext(ctx, dropFn); err != nil {
			errs = append(errs, fmt.Errorf("dropping function %q: %w", r.FunctionName, err))
			s.log.Warn("failed to drop sync function", "function", r.FunctionName, "error", err)
		}
	}
	return errs
}

// Validate compares row counts and primary-key-ordered row-image
// checksums between the live and staged copies of table.
func (s *Syncer) Validate(ctx context.Context, table string, columns []string) (ValidationResult, error) {
	result := ValidationResult{Table: table}

	liveCount, liveChecksum, err := s.countAndChecksum(ctx, s.liveNamespace, table, columns)
	if err != nil {
		return result, fmt.Errorf("reading live copy of %q: %w", table, err)
	}
	stagedCount, stagedChecksum, err := s.countAndChecksum(ctx, s.stagedNamespace, table, columns)
	if err != nil {
		return result, fmt.Errorf("reading staged copy of %q: %w", table, err)
	}

	result.LiveCount = liveCount
	result.StagedCount = stagedCount
	result.LiveChecksum = liveChecksum
	result.StagedChecksum = stagedChecksum

	if liveCount != stagedCount {
		result.Errors = append(result.Errors, fmt.Sprintf("row count mismatch: live=%d staged=%d", liveCount, stagedCount))
	}
	if liveChecksum != stagedChecksum {
		result.Errors = append(result.Errors, "row-image checksum mismatch")
	}

	return result, nil
}

// countAndChecksum computes count(*) and the md5 of the concatenation of
// per-row md5 hashes, in primary-key order.
func (s *Syncer) countAndChecksum(ctx context.Context, namespace, table string, columns []string) (int64, string, error) {
	qualified := db.QuoteIdentifier(namespace) + "." + db.QuoteIdentifier(table)

	rows, err := s.pool.DB().QueryContext(ctx, fmt.Sprintf(
		"SELECT md5(t::text) FROM (SELECT %s FROM %s ORDER BY %s) t",
		strings.Join(quoteColumnNames(columns), ", "), qualified, db.QuoteIdentifier(primaryKeyColumn)))
	if err != nil {
		return 0, "", err
	}
	defer rows.Close()

	h := md5.New() //nolint:gosec
	var count int64
	for rows.Next() {
		var rowHash string
		if err := rows.Scan(&rowHash); err != nil {
			return 0, "", err
		}
		h.Write([]byte(rowHash))
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, "", err
	}

	return count, fmt.Sprintf("%x", h.Sum(nil)), nil
}
