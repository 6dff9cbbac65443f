package flatten

import (
	"strconv"
	"strings"
)

// DefaultMaxValueLength caps sanitized data values used in column names.
// Most warehouse targets limit identifiers to 63 bytes or more, and value
// tokens are only one part of an indicator alias, so the cap is
// configurable per run rather than baked in.
const DefaultMaxValueLength = 63

// Sanitizer turns field paths and data values into safe, readable,
// collision-free SQL identifiers. One Sanitizer owns the alias namespace
// of one invocation; it is not safe for concurrent use and is not meant
// to be shared across runs.
type Sanitizer struct {
	maxValueLen int
	taken       map[string]bool
	nextSuffix  map[string]int
}

// NewSanitizer returns a Sanitizer whose Value tokens are truncated to
// maxValueLen. Zero or negative means DefaultMaxValueLength.
func NewSanitizer(maxValueLen int) *Sanitizer {
	if maxValueLen <= 0 {
		maxValueLen = DefaultMaxValueLength
	}
	return &Sanitizer{
		maxValueLen: maxValueLen,
		taken:       map[string]bool{},
		nextSuffix:  map[string]int{},
	}
}

// Field assigns the flattened alias for a path: each segment sanitized,
// segments joined with underscores, underscore runs collapsed, and the
// result registered in the namespace. The first path to produce a given
// alias keeps it bare; later ones get _2, _3, ... in call order.
func (s *Sanitizer) Field(path FieldPath) string {
	parts := make([]string, len(path))
	for i, seg := range path {
		parts[i] = replaceUnsafe(seg)
	}
	return s.Unique(collapseUnderscores(strings.Join(parts, "_")))
}

// Value sanitizes a raw data value for use inside an indicator alias:
// same character rules as field segments, then truncated to the configured
// maximum. Value does not touch the namespace; the composed indicator
// alias is registered by the caller via Unique.
func (s *Sanitizer) Value(raw string) string {
	v := collapseUnderscores(replaceUnsafe(raw))
	if len(v) > s.maxValueLen {
		v = v[:s.maxValueLen]
	}
	return v
}

// Unique registers candidate in the namespace, returning it unchanged when
// free and with a numeric disambiguator appended otherwise. A suffixed
// candidate that is itself taken keeps incrementing until a free name is
// found, so the result is always unique and deterministic in call order.
func (s *Sanitizer) Unique(candidate string) string {
	if !s.taken[candidate] {
		s.taken[candidate] = true
		return candidate
	}

	n := s.nextSuffix[candidate]
	if n < 2 {
		n = 2
	}
	for {
		name := candidate + "_" + strconv.Itoa(n)
		n++
		if !s.taken[name] {
			s.nextSuffix[candidate] = n
			s.taken[name] = true
			return name
		}
	}
}

// replaceUnsafe maps every character outside [A-Za-z0-9_] to an
// underscore. Multibyte runes count as one character, so the result is
// always ASCII and safe to truncate bytewise.
func replaceUnsafe(in string) string {
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func collapseUnderscores(in string) string {
	for strings.Contains(in, "__") {
		in = strings.ReplaceAll(in, "__", "_")
	}
	return in
}
