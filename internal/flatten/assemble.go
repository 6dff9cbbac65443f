package flatten

import "strings"

// ColumnKind distinguishes plain projected fields from derived indicators.
type ColumnKind int

const (
	ColumnPlain ColumnKind = iota
	ColumnIndicator
)

// ColumnSpec is one output column of the flattened relation. Aliases are
// globally unique across the manifest; Expr is the SQL expression that
// computes the column from the source row.
type ColumnSpec struct {
	Alias string     `json:"alias"`
	Expr  string     `json:"expr"`
	Kind  ColumnKind `json:"kind"`
}

// Statement is the structured result of assembly: the ordered column
// manifest plus the source and destination references. It is not executed
// here; an external executor renders and runs it, so backends can be
// swapped without touching the column logic.
type Statement struct {
	Source      string       `json:"source"`
	Destination string       `json:"destination"`
	Columns     []ColumnSpec `json:"columns"`
}

// PlainField is a scalar walker emission paired with its assigned alias.
type PlainField struct {
	Path  FieldPath
	Alias string
}

// Assemble builds the output manifest in the fixed order the naming
// contract promises: every plain column first, in walker emission order,
// then every indicator group in the order its array field was first
// encountered by the walker, each group internally in its deterministic
// value order.
func Assemble(plain []PlainField, groups []Group, source, destination string) Statement {
	st := Statement{Source: source, Destination: destination}
	st.Columns = make([]ColumnSpec, 0, len(plain)+len(groups))

	for _, f := range plain {
		st.Columns = append(st.Columns, ColumnSpec{
			Alias: f.Alias,
			Expr:  f.Path.Accessor(),
			Kind:  ColumnPlain,
		})
	}
	for _, g := range groups {
		for _, ind := range g.Indicators {
			st.Columns = append(st.Columns, ColumnSpec{
				Alias: ind.Alias,
				Expr:  IndicatorExpr(ind.Path, ind.Value),
				Kind:  ColumnIndicator,
			})
		}
	}
	return st
}

// IndicatorExpr renders the strictly binary membership test for one
// (array field, value) pair. A missing or empty array makes the condition
// non-true, so the expression yields 0 rather than null for those rows.
func IndicatorExpr(path FieldPath, value string) string {
	return "CASE WHEN list_contains(" + path.Accessor() + ", " + quoteLiteral(value) + ") THEN 1 ELSE 0 END"
}

// SelectList renders the projection: each column as
// "<expression> AS <quoted alias>", comma separated.
func (s Statement) SelectList() string {
	var b strings.Builder
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Expr)
		b.WriteString(" AS ")
		b.WriteString(quoteIdent(c.Alias))
	}
	return b.String()
}

// SQL renders the full flattening statement against the source reference.
func (s Statement) SQL() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(s.SelectList())
	b.WriteString(" FROM ")
	b.WriteString(s.Source)
	return b.String()
}

// Aliases returns the manifest's alias list in output order.
func (s Statement) Aliases() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Alias
	}
	return out
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
