package flatten

import "strings"

// FieldPath is the ordered field names from the root down to a Leaf or
// Array node. Paths are immutable once produced by Walk.
type FieldPath []string

// String joins the raw segments with dots, for error messages and logs.
func (p FieldPath) String() string {
	return strings.Join(p, ".")
}

// Accessor renders the SQL expression that reads this field: every segment
// quoted individually and joined with the struct access operator. Quoting
// preserves exact case and punctuation and protects reserved words.
func (p FieldPath) Accessor() string {
	var b strings.Builder
	for i, seg := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(quoteIdent(seg))
	}
	return b.String()
}

// Equal reports whether two paths have identical segments.
func (p FieldPath) Equal(q FieldPath) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// Field is one walker emission: where the field lives and whether it is a
// plain scalar or an array subject to indicator expansion.
type Field struct {
	Path FieldPath
	Kind Kind
}

// Walk enumerates every Leaf and Array node under root, depth-first,
// pre-order, children in declared order. Struct nodes are descended into
// but not emitted. The output order is solely a function of sibling
// declaration order, so two walks of the same tree are identical.
func Walk(root *Node) []Field {
	var out []Field
	var rec func(n *Node, prefix FieldPath)
	rec = func(n *Node, prefix FieldPath) {
		for _, c := range n.Children {
			path := make(FieldPath, len(prefix), len(prefix)+1)
			copy(path, prefix)
			path = append(path, c.Name)

			switch c.Kind {
			case KindStruct:
				rec(c, path)
			default:
				out = append(out, Field{Path: path, Kind: c.Kind})
			}
		}
	}
	rec(root, nil)
	return out
}
