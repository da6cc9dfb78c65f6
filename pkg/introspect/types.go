// SPDX-License-Identifier: Apache-2.0

// Package introspect reads catalog metadata (tables, columns,
// constraints, indexes, sequences) from a namespace via direct
// pg_catalog/information_schema queries.
package introspect

// Table is the ordered, immutable-after-capture description of one base
// table: its columns in ordinal order, its constraints, its indexes, and
// any sequences backing its auto-incrementing columns.
type Table struct {
	Namespace   string
	Name        string
	Columns     []Column
	Constraints []Constraint
	Indexes     []Index
	Sequences   []Sequence
}

// QualifiedName renders "namespace"."table" for use in generated SQL.
func (t Table) QualifiedName(quote func(string) string) string {
	return quote(t.Namespace) + "." + quote(t.Name)
}

// Column carries ordinal position implicitly via its position in
// Table.Columns.
type Column struct {
	Name      string
	Type      string
	Nullable  bool
	Default   *string
	MaxLength *int
}

// ConstraintKind enumerates the constraint kinds the introspector
// recognizes.
type ConstraintKind string

const (
	PrimaryKey ConstraintKind = "primary_key"
	Unique     ConstraintKind = "unique"
	ForeignKey ConstraintKind = "foreign_key"
	Check      ConstraintKind = "check"
	NotNull    ConstraintKind = "not_null"
)

// Constraint carries a textual definition sufficient to recreate it
// byte-identically, captured verbatim from the engine's own rendering of
// the constraint.
type Constraint struct {
	Name       string
	Kind       ConstraintKind
	Definition string
}

// Index carries the full creation statement, captured verbatim, plus the
// access method name (notably "gist" for spatial indexes).
type Index struct {
	Name       string
	Definition string
	Unique     bool
	Method     string
}

// Sequence describes an auto-incrementing column's backing sequence.
type Sequence struct {
	Name        string
	OwningTable string
	OwningCol   string
	LastValue   int64
}

// PrimaryKeyColumns returns the ordered list of columns that make up the
// table's primary key, or nil if none is declared.
func (t Table) PrimaryKeyColumns() []string {
	for _, c := range t.Constraints {
		if c.Kind != PrimaryKey {
			continue
		}
		return parseParenColumnList(c.Definition)
	}
	return nil
}
