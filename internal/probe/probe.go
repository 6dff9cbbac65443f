// Package probe inspects flattening inputs before the engine touches them.
//
// The probe package is responsible for:
//   - Fetching a bounded sample of input data (local path, glob, or http(s)://)
//   - Detecting the file format (parquet, CSV, JSON, HTML)
//   - Decoding text samples from legacy charsets to UTF-8
//   - Producing a one-line diagnosis for error messages and CLI output
//
// Design constraints:
//   - Sampling must be bounded in memory and time.
//   - Detection is best-effort: an unrecognized input is reported as
//     unknown, never as an error.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/transform"
)

// Format is the detected shape of an input sample.
type Format int

const (
	FormatUnknown Format = iota
	FormatParquet
	FormatCSV
	FormatJSON
	FormatHTML
)

func (f Format) String() string {
	switch f {
	case FormatParquet:
		return "parquet"
	case FormatCSV:
		return "csv"
	case FormatJSON:
		return "json"
	case FormatHTML:
		return "html"
	default:
		return "unknown"
	}
}

// DefaultPeekBytes bounds how much of an input Detect samples when the
// caller does not choose a limit.
const DefaultPeekBytes = 8192

// Diagnosis is the result of probing one input.
type Diagnosis struct {
	Ref     string
	Format  Format
	Sampled int
}

func (d Diagnosis) String() string {
	p := message.NewPrinter(language.English)
	return p.Sprintf("%s: %s (sampled %d bytes)", d.Ref, d.Format, d.Sampled)
}

// peekFn is a small overridable seam used to fetch the first n bytes of an
// input. In production it reads local files directly and http(s) URLs via
// a bounded GET. Tests can replace it to avoid real I/O.
var peekFn = func(ctx context.Context, ref string, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("peek: n must be > 0")
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("http status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, int64(n)))
	}

	f, err := os.Open(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, int64(n)))
}

// Detect samples up to maxBytes of ref and classifies it. maxBytes <= 0
// means DefaultPeekBytes.
func Detect(ctx context.Context, ref string, maxBytes int) (Diagnosis, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultPeekBytes
	}
	b, err := peekFn(ctx, ref, maxBytes)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("peek %s: %w", ref, err)
	}
	return Diagnosis{Ref: ref, Format: Sniff(b), Sampled: len(b)}, nil
}

// DetectGlob probes the first file matching a local glob pattern. Patterns
// without glob metacharacters, and URLs, probe the ref directly. Zero
// matches is an error: the caller is about to flatten this input, and "no
// such input" beats an engine error mid-run.
func DetectGlob(ctx context.Context, pattern string, maxBytes int) (Diagnosis, error) {
	if strings.HasPrefix(pattern, "http://") || strings.HasPrefix(pattern, "https://") ||
		!strings.ContainsAny(pattern, "*?[") {
		return Detect(ctx, pattern, maxBytes)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return Diagnosis{}, fmt.Errorf("no files match %s", pattern)
	}
	return Detect(ctx, matches[0], maxBytes)
}

var parquetMagic = []byte("PAR1")

// Sniff classifies a byte sample. Parquet is recognized by its magic
// number; the text formats by their first significant byte.
func Sniff(b []byte) Format {
	if len(b) >= 4 && bytes.Equal(b[:4], parquetMagic) {
		return FormatParquet
	}

	s := bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
	s = bytes.TrimLeft(s, " \t\r\n")
	if len(s) == 0 {
		return FormatUnknown
	}

	switch s[0] {
	case '{', '[':
		return FormatJSON
	case '<':
		return FormatHTML
	}
	if looksLikeCSV(s) {
		return FormatCSV
	}
	return FormatUnknown
}

// DecodeSample converts a text sample to UTF-8. A UTF-16 byte order mark
// selects the matching UTF-16 decoding and a UTF-8 one is stripped;
// unmarked samples that are not valid UTF-8 fall back to Latin-1, which
// maps every byte, so decoding never fails on messy legacy pages.
func DecodeSample(b []byte) string {
	out, _, err := transform.Bytes(unicode.BOMOverride(encoding.Nop.NewDecoder()), b)
	if err == nil && utf8.Valid(out) {
		return string(out)
	}
	out, _, err = transform.Bytes(charmap.ISO8859_1.NewDecoder(), b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// looksLikeCSV checks whether the first line is valid text containing a
// common field delimiter. NUL bytes disqualify the sample outright so
// arbitrary binary with an embedded comma is not misread as CSV.
func looksLikeCSV(b []byte) bool {
	line := b
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		line = b[:i]
	}
	if bytes.IndexByte(line, 0) >= 0 || !utf8.Valid(line) {
		return false
	}
	for _, d := range []byte{',', '\t', ';', '|'} {
		if bytes.IndexByte(line, d) >= 0 {
			return true
		}
	}
	return false
}
