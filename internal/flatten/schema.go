// Package flatten turns a nested columnar schema into a flat,
// analysis-friendly column set plus the SQL needed to materialize it.
//
// The pipeline is: parse column descriptors into a schema tree, walk the
// tree to enumerate leaf fields, assign collision-free flat aliases, expand
// array-typed leaves into one-hot indicator columns derived from the
// distinct values actually present in the data, and assemble everything
// into a single SELECT statement.
package flatten

import (
	"fmt"
	"strings"
)

// Kind classifies a schema node.
type Kind int

const (
	KindStruct Kind = iota
	KindArray
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// Column describes one column of a relation: its name and the engine's
// type string (e.g. "VARCHAR", "STRUCT(name VARCHAR, tags VARCHAR[])").
// This is the shape DESCRIBE produces and the dictionary loader emits.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Node is one node of the parsed schema tree.
//
// Invariants, established by ParseColumns:
//   - a Struct has ordered children with unique names among siblings
//   - an Array wraps exactly one scalar element type
//   - a Leaf has no children
//
// The root is a synthetic Struct whose children are the top-level columns.
type Node struct {
	Name     string
	Kind     Kind
	Elem     string // scalar type name for Array and Leaf nodes
	Children []*Node
}

// ParseError reports a schema shape this pipeline cannot represent.
// It aborts the whole run; there is no partial output.
type ParseError struct {
	Path   FieldPath
	Reason string
}

func (e *ParseError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("schema: %s", e.Reason)
	}
	return fmt.Sprintf("schema: field %s: %s", e.Path, e.Reason)
}

// ParseColumns builds the schema tree for a relation from its column
// descriptors. The type grammar is the engine's: scalar type names
// (possibly parameterized or multi-word, e.g. DECIMAL(18,3) or TIMESTAMP
// WITH TIME ZONE), STRUCT(name TYPE, ...) with optionally quoted field
// names, and TYPE[] lists.
//
// Unsupported shapes fail with *ParseError rather than being silently
// mishandled: nested arrays, arrays of structs, MAP/UNION types, and
// duplicate sibling names.
func ParseColumns(cols []Column) (*Node, error) {
	root := &Node{Kind: KindStruct}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			return nil, &ParseError{Reason: "column with empty name"}
		}
		if seen[c.Name] {
			return nil, &ParseError{Path: FieldPath{c.Name}, Reason: "duplicate column name"}
		}
		seen[c.Name] = true

		child, err := parseType(c.Type, FieldPath{c.Name})
		if err != nil {
			return nil, err
		}
		child.Name = c.Name
		root.Children = append(root.Children, child)
	}
	return root, nil
}

// parseType parses one type string into an (unnamed) node. path identifies
// the field being parsed, for error reporting.
func parseType(typ string, path FieldPath) (*Node, error) {
	p := &typeParser{src: typ, path: path}
	n, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errf("trailing input %q in type %q", p.src[p.pos:], typ)
	}
	return n, nil
}

type typeParser struct {
	src  string
	pos  int
	path FieldPath
}

func (p *typeParser) errf(format string, args ...any) error {
	return &ParseError{Path: p.path, Reason: fmt.Sprintf(format, args...)}
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

// parse reads one full type, including any [] suffixes.
func (p *typeParser) parse() (*Node, error) {
	p.skipSpace()
	base, err := p.parseBase()
	if err != nil {
		return nil, err
	}

	// Count list suffixes: [] or [N].
	depth := 0
	for {
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != '[' {
			break
		}
		p.pos++
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		if p.pos >= len(p.src) || p.src[p.pos] != ']' {
			return nil, p.errf("unterminated array suffix in type %q", p.src)
		}
		p.pos++
		depth++
	}

	switch {
	case depth == 0:
		return base, nil
	case depth > 1:
		return nil, p.errf("nested arrays are not supported")
	case base.Kind == KindStruct:
		return nil, p.errf("arrays of structs are not supported")
	default:
		return &Node{Kind: KindArray, Elem: base.Elem}, nil
	}
}

// parseBase reads a STRUCT(...) or a scalar type name, without suffixes.
func (p *typeParser) parseBase() (*Node, error) {
	rest := p.src[p.pos:]
	upper := strings.ToUpper(rest)

	switch {
	case strings.HasPrefix(upper, "STRUCT("):
		p.pos += len("STRUCT(")
		return p.parseStructBody()
	case strings.HasPrefix(upper, "MAP("):
		return nil, p.errf("MAP types are not supported")
	case strings.HasPrefix(upper, "UNION("):
		return nil, p.errf("UNION types are not supported")
	}

	// Scalar: consume until a top-level ',' or ')' or a '[' suffix,
	// allowing one balanced parameter list like DECIMAL(18,3) and
	// multi-word names like TIMESTAMP WITH TIME ZONE.
	start := p.pos
	parens := 0
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '(':
			parens++
		case ')':
			if parens == 0 {
				goto done
			}
			parens--
		case ',':
			if parens == 0 {
				goto done
			}
		case '[':
			if parens == 0 {
				goto done
			}
		}
		p.pos++
	}
done:
	if parens != 0 {
		return nil, p.errf("unbalanced parentheses in type %q", p.src)
	}
	name := strings.TrimSpace(p.src[start:p.pos])
	if name == "" {
		return nil, p.errf("empty type")
	}
	return &Node{Kind: KindLeaf, Elem: name}, nil
}

// parseStructBody reads "name TYPE, ..." up to the closing parenthesis.
// Field names may be double-quoted, with embedded quotes doubled.
func (p *typeParser) parseStructBody() (*Node, error) {
	n := &Node{Kind: KindStruct}
	seen := map[string]bool{}

	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == ')' {
		p.pos++
		return n, nil
	}

	for {
		name, err := p.parseFieldName()
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, &ParseError{
				Path:   append(appendPath(p.path), name),
				Reason: "duplicate field name",
			}
		}
		seen[name] = true

		sub := &typeParser{src: p.src, pos: p.pos, path: append(appendPath(p.path), name)}
		child, err := sub.parse()
		if err != nil {
			return nil, err
		}
		p.pos = sub.pos
		child.Name = name
		n.Children = append(n.Children, child)

		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, p.errf("unterminated STRUCT in type %q", p.src)
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
			p.skipSpace()
		case ')':
			p.pos++
			return n, nil
		default:
			return nil, p.errf("unexpected %q in STRUCT body", p.src[p.pos])
		}
	}
}

func (p *typeParser) parseFieldName() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return "", p.errf("unterminated STRUCT in type %q", p.src)
	}

	if p.src[p.pos] == '"' {
		p.pos++
		var b strings.Builder
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			if c == '"' {
				if p.pos+1 < len(p.src) && p.src[p.pos+1] == '"' {
					b.WriteByte('"')
					p.pos += 2
					continue
				}
				p.pos++
				return b.String(), nil
			}
			b.WriteByte(c)
			p.pos++
		}
		return "", p.errf("unterminated quoted field name in type %q", p.src)
	}

	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != ' ' {
		p.pos++
	}
	name := p.src[start:p.pos]
	if name == "" {
		return "", p.errf("missing field name in STRUCT body")
	}
	return name, nil
}

// appendPath copies a path so child parsers never alias the parent's
// backing array.
func appendPath(p FieldPath) FieldPath {
	out := make(FieldPath, len(p), len(p)+1)
	copy(out, p)
	return out
}
