// Package dictionary extracts column declarations from HTML data-dictionary
// pages. Warehouses that publish table documentation as HTML tables can feed
// the flattener a schema without the engine ever reading the data files.
package dictionary

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"flattener/internal/flatten"
)

// Rules locate the name and type cells of each dictionary row.
//
// RowSelector matches one element per column declaration; NameSelector and
// TypeSelector are evaluated relative to that element. The optional Attr
// fields read an attribute instead of the element text, and the optional
// Match fields post-filter the extracted value with a regular expression
// (capture group 1 wins when present, otherwise the full match).
type Rules struct {
	RowSelector  string `json:"row_selector"`
	NameSelector string `json:"name_selector"`
	NameAttr     string `json:"name_attr,omitempty"`
	NameMatch    string `json:"name_match,omitempty"`
	TypeSelector string `json:"type_selector"`
	TypeAttr     string `json:"type_attr,omitempty"`
	TypeMatch    string `json:"type_match,omitempty"`
}

// DefaultRules reads a plain two-column HTML table: first cell is the
// column name, second is its type declaration.
func DefaultRules() Rules {
	return Rules{
		RowSelector:  "table tr",
		NameSelector: "td:nth-child(1)",
		TypeSelector: "td:nth-child(2)",
	}
}

// ExtractColumns parses html and returns the declared columns in DOM order.
//
// Rows where either cell is missing or empty are skipped; header rows fall
// out naturally because th cells do not match td selectors. Zero extracted
// columns is an error: it always means the selectors do not fit the page.
func ExtractColumns(html string, rules Rules) ([]flatten.Column, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	nameRe, err := compileOptionalRegex(rules.NameMatch, "name_match")
	if err != nil {
		return nil, err
	}
	typeRe, err := compileOptionalRegex(rules.TypeMatch, "type_match")
	if err != nil {
		return nil, err
	}

	var cols []flatten.Column
	doc.Find(rules.RowSelector).Each(func(_ int, row *goquery.Selection) {
		name := applyRegexFilter(extractCell(row, rules.NameSelector, rules.NameAttr), nameRe)
		typ := applyRegexFilter(extractCell(row, rules.TypeSelector, rules.TypeAttr), typeRe)
		if name == "" || typ == "" {
			return
		}
		cols = append(cols, flatten.Column{Name: name, Type: typ})
	})

	if len(cols) == 0 {
		return nil, fmt.Errorf("dictionary: no columns matched row_selector=%q", rules.RowSelector)
	}
	return cols, nil
}

// extractCell converts the first selector match under row into a trimmed
// string value. It returns "" to represent "no value".
func extractCell(row *goquery.Selection, selector, attr string) string {
	sel := row.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	if attr != "" {
		v, _ := sel.Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(sel.Text())
}

// compileOptionalRegex compiles pattern, returning (nil, nil) for the empty
// pattern. Invalid patterns are annotated with the rule field name to make
// debugging rule files straightforward.
func compileOptionalRegex(pattern, field string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex for %s: %w", field, err)
	}
	return re, nil
}

// applyRegexFilter applies an optional regex post-processing step to value.
//
// Behavior:
//   - If re is nil, it returns value unchanged.
//   - If re does not match, it returns "" (caller should skip the row).
//   - If re matches and contains capture groups, group 1 is returned.
//   - If re matches with no capture groups, the full match is returned.
func applyRegexFilter(value string, re *regexp.Regexp) string {
	if value == "" || re == nil {
		return value
	}

	sm := re.FindStringSubmatch(value)
	if len(sm) == 0 {
		return ""
	}
	if len(sm) > 1 {
		return sm[1]
	}
	return sm[0]
}
