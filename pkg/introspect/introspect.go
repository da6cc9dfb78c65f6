// SPDX-License-Identifier: Apache-2.0

package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/pgswap/pgswap/pkg/db"
	"github.com/pgswap/pgswap/pkg/pgerrors"
	"github.com/pgswap/pgswap/pkg/stats"
)

// systemTablePrefixes excludes the engine's own bookkeeping tables and
// any table belonging to the spatial extension's internal catalogs.
var systemTablePrefixes = []string{
	"spatial_ref_sys",
	"geography_columns",
	"geometry_columns",
	"raster_columns",
	"raster_overviews",
	"pgswap_index_catalog",
}

// Introspector reads catalog metadata over a pooled connection.
type Introspector struct {
	pool *db.Pool
	col  *stats.Collector
}

// New creates an Introspector backed by pool. col may be nil, in which
// case warnings (e.g. for an unparsable sequence default) are dropped.
func New(pool *db.Pool, col *stats.Collector) *Introspector {
	return &Introspector{pool: pool, col: col}
}

// Introspect returns the ordered list of base-table descriptors in
// namespace, excluding system and bookkeeping tables.
func (in *Introspector) Introspect(ctx context.Context, namespace string) ([]*Table, error) {
	names, err := in.tableNames(ctx, namespace)
	if err != nil {
		return nil, pgerrors.IntrospectionError{Namespace: namespace, Err: err}
	}

	tables := make([]*Table, 0, len(names))
	for _, name := range names {
		t, err := in.introspectTable(ctx, namespace, name)
		if err != nil {
			return nil, pgerrors.IntrospectionError{Namespace: namespace, Table: name, Err: err}
		}
		tables = append(tables, t)
	}

	return tables, nil
}

func (in *Introspector) tableNames(ctx context.Context, namespace string) ([]string, error) {
	rows, err := in.pool.DB().QueryContext(ctx, `
		SELECT c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		  AND c.relkind IN ('r', 'p')
		ORDER BY c.relname`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if isSystemTable(name) {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func isSystemTable(name string) bool {
	for _, p := range systemTablePrefixes {
		if name == p {
			return true
		}
	}
	return false
}

func (in *Introspector) introspectTable(ctx context.Context, namespace, name string) (*Table, error) {
	columns, err := in.columns(ctx, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	constraints, err := in.constraints(ctx, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("reading constraints: %w", err)
	}

	indexes, err := in.indexes(ctx, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("reading indexes: %w", err)
	}

	sequences := in.sequences(ctx, namespace, name, columns)

	return &Table{
		Namespace:   namespace,
		Name:        name,
		Columns:     columns,
		Constraints: constraints,
		Indexes:     indexes,
		Sequences:   sequences,
	}, nil
}

func (in *Introspector) columns(ctx context.Context, namespace, table string) ([]Column, error) {
	rows, err := in.pool.DB().QueryContext(ctx, `
		SELECT
			a.attname,
			format_type(a.atttypid, a.atttypmod),
			NOT a.attnotnull,
			pg_get_expr(d.adbin, d.adrelid),
			information_schema._pg_char_max_length(a.atttypid, a.atttypmod)
		FROM pg_catalog.pg_attribute a
		JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_catalog.pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE n.nspname = $1 AND c.relname = $2
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, namespace, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var def sql.NullString
		var maxLen sql.NullInt64
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable, &def, &maxLen); err != nil {
			return nil, err
		}
		if def.Valid {
			v := def.String
			c.Default = &v
		}
		if maxLen.Valid {
			v := int(maxLen.Int64)
			c.MaxLength = &v
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (in *Introspector) constraints(ctx context.Context, namespace, table string) ([]Constraint, error) {
	rows, err := in.pool.DB().QueryContext(ctx, `
		SELECT conname, contype, pg_get_constraintdef(oid)
		FROM pg_catalog.pg_constraint
		WHERE conrelid = (quote_ident($1) || '.' || quote_ident($2))::regclass
		ORDER BY conname`, namespace, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Constraint
	for rows.Next() {
		var name, kind, def string
		if err := rows.Scan(&name, &kind, &def); err != nil {
			return nil, err
		}
		out = append(out, Constraint{Name: name, Kind: constraintKind(kind), Definition: def})
	}
	return out, rows.Err()
}

func constraintKind(pgType string) ConstraintKind {
	switch pgType {
	case "p":
		return PrimaryKey
	case "u":
		return Unique
	case "f":
		return ForeignKey
	case "c":
		return Check
	default:
		return NotNull
	}
}

// indexes excludes implicit primary-key indexes.
func (in *Introspector) indexes(ctx context.Context, namespace, table string) ([]Index, error) {
	rows, err := in.pool.DB().QueryContext(ctx, `
		SELECT i.relname, indexdef, ix.indisunique, am.amname
		FROM pg_catalog.pg_index ix
		JOIN pg_catalog.pg_class i ON i.oid = ix.indexrelid
		JOIN pg_catalog.pg_class t ON t.oid = ix.indrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_catalog.pg_am am ON am.oid = i.relam
		JOIN pg_catalog.pg_indexes pgi ON pgi.indexname = i.relname AND pgi.schemaname = n.nspname
		WHERE n.nspname = $1 AND t.relname = $2 AND NOT ix.indisprimary
		ORDER BY i.relname`, namespace, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Index
	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.Name, &idx.Definition, &idx.Unique, &idx.Method); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

var nextvalPattern = regexp.MustCompile(`nextval\('([^']+)'(?:::regclass)?\)`)

// sequences detects sequences by inspecting default expressions of the
// form referencing nextval. A nextval default of an unrecognized shape,
// or a sequence whose last_value cannot be read, yields a warning and
// no sequence for that column, never a fatal error.
func (in *Introspector) sequences(ctx context.Context, namespace, table string, columns []Column) []Sequence {
	var out []Sequence
	for _, c := range columns {
		if c.Default == nil {
			continue
		}

		m := nextvalPattern.FindStringSubmatch(*c.Default)
		if m == nil {
			if strings.Contains(*c.Default, "nextval(") {
				in.warn("unrecognized nextval default %q on %q.%q; no sequence recorded", *c.Default, namespace, table)
			}
			continue
		}

		seqName := unquoteRegclass(m[1])
		lastValue, err := in.sequenceLastValue(ctx, namespace, seqName)
		if err != nil {
			in.warn("could not read last_value for sequence %q on %q.%q: %s", seqName, namespace, table, err)
			continue
		}

		out = append(out, Sequence{
			Name:        seqName,
			OwningTable: table,
			OwningCol:   c.Name,
			LastValue:   lastValue,
		})
	}
	return out
}

func (in *Introspector) sequenceLastValue(ctx context.Context, namespace, seqName string) (int64, error) {
	qualified := pq.QuoteIdentifier(namespace) + "." + pq.QuoteIdentifier(seqName)
	var lastValue int64
	err := in.pool.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT last_value FROM %s", qualified)).Scan(&lastValue)
	return lastValue, err
}

func (in *Introspector) warn(format string, args ...interface{}) {
	if in.col == nil {
		return
	}
	in.col.Warn(fmt.Sprintf(format, args...))
}

// unquoteRegclass strips an optional schema qualification and double
// quotes from a regclass-shaped sequence reference.
func unquoteRegclass(raw string) string {
	name := raw
	if idx := lastDot(name); idx >= 0 {
		name = name[idx+1:]
	}
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		name = name[1 : len(name)-1]
	}
	return name
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// parseParenColumnList extracts the comma-separated column list from a
// constraint definition of the shape "PRIMARY KEY (a, b)".
func parseParenColumnList(def string) []string {
	open := -1
	closeIdx := -1
	for i, r := range def {
		if r == '(' && open == -1 {
			open = i
		}
		if r == ')' {
			closeIdx = i
		}
	}
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return nil
	}

	inner := def[open+1 : closeIdx]
	var cols []string
	start := 0
	for i := 0; i <= len(inner); i++ {
		if i == len(inner) || inner[i] == ',' {
			col := trimSpaceAndQuotes(inner[start:i])
			if col != "" {
				cols = append(cols, col)
			}
			start = i + 1
		}
	}
	return cols
}

func trimSpaceAndQuotes(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '"') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '"') {
		end--
	}
	return s[start:end]
}
