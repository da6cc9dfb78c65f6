// SPDX-License-Identifier: Apache-2.0

// Package restore resets sequences and rebuilds non-unique indexes after a
// namespace swap has promoted a new "public", re-issuing each captured
// CREATE INDEX definition over a plain db.DB connection.
package restore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/introspect"
	"github.com/pgswap/pgswap/pkg/pglog"
)

// Restorer resets sequences and rebuilds indexes over the destination
// pool after a swap.
type Restorer struct {
	pool *db.Pool
	log  pglog.Logger
}

// New creates a Restorer over pool.
func New(pool *db.Pool, log pglog.Logger) *Restorer {
	return &Restorer{pool: pool, log: log}
}

// ResetSequences sets each sequence's current value to max(column)+1 on
// the now-live table, for every auto-incrementing column in tables. A
// missing or non-existent sequence is a warning, not fatal.
func (r *Restorer) ResetSequences(ctx context.Context, namespace string, tables []*introspect.Table) []string {
	var warnings []string

	for _, t := range tables {
		for _, seq := range t.Sequences {
			if err := r.resetSequence(ctx, namespace, t.Name, seq); err != nil {
				msg := fmt.Sprintf("resetting sequence %q for %q.%q: %s", seq.Name, namespace, t.Name, err)
				warnings = append(warnings, msg)
				r.log.Warn("sequence reset failed", "sequence", seq.Name, "table", t.Name, "error", err)
			}
		}
	}

	return warnings
}

func (r *Restorer) resetSequence(ctx context.Context, namespace, table string, seq introspect.Sequence) error {
	qualifiedTable := db.QuoteIdentifier(namespace) + "." + db.QuoteIdentifier(table)
	qualifiedCol := db.QuoteIdentifier(seq.OwningCol)

	_, err := r.pool.DB().ExecContext(ctx, fmt.Sprintf(
		"SELECT setval(%s, COALESCE((SELECT max(%s) FROM %s), 0) + 1, false)",
		db.QuoteLiteral(namespace+"."+seq.Name), qualifiedCol, qualifiedTable))
	return err
}

// RebuildIndexes recreates every non-unique, non-primary-key index using
// the textual definition captured by the Introspector, with the source
// namespace prefix rewritten to targetNamespace. Spatial indexes (access
// method "gist") are logged explicitly. Per-index failures are warnings,
// not fatal.
func (r *Restorer) RebuildIndexes(ctx context.Context, sourceNamespace, targetNamespace string, tables []*introspect.Table) []string {
	var warnings []string

	for _, t := range tables {
		for _, idx := range t.Indexes {
			if idx.Unique {
				continue
			}

			stmt := rewriteNamespace(idx.Definition, sourceNamespace, targetNamespace)
			if idx.Method == "gist" {
				r.log.Info("rebuilding spatial index", "index", idx.Name, "table", t.Name)
			}

			if _, err := r.pool.DB().ExecContext(ctx, stmt); err != nil {
				msg := fmt.Sprintf("rebuilding index %q on %q.%q: %s", idx.Name, targetNamespace, t.Name, err)
				warnings = append(warnings, msg)
				r.log.Warn("index rebuild failed", "index", idx.Name, "table", t.Name, "error", err)
			}
		}
	}

	return warnings
}

// rewriteNamespace replaces a schema-qualification prefix in a captured
// index definition, in either its quoted form "<from>". or the bare
// form <from>. that pg_get_indexdef renders for lowercase names, with
// "<to>".
func rewriteNamespace(definition, from, to string) string {
	toQualifier := db.QuoteIdentifier(to) + "."
	return strings.NewReplacer(
		db.QuoteIdentifier(from)+".", toQualifier,
		" "+from+".", " "+toQualifier,
	).Replace(definition)
}
