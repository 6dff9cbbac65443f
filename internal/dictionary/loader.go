package dictionary

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"flattener/internal/probe"
)

// Loader fetches or reads dictionary HTML with a consistent timeout policy.
// References starting with http:// or https:// are fetched; anything else is
// read as a local file path.
type Loader struct {
	client  *http.Client
	timeout time.Duration
}

// NewLoader creates a Loader. A nil client means http.DefaultClient; a
// non-positive timeout means 30 seconds.
func NewLoader(client *http.Client, timeout time.Duration) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Loader{
		client:  client,
		timeout: timeout,
	}
}

// Load returns the HTML source behind ref, decoded to UTF-8. Dictionary
// exports from older warehouses still arrive in Latin-1 or BOM-marked
// UTF-16; the decode keeps goquery and the type parser working on them.
//
// On non-2xx HTTP responses, Load returns an error that includes the status
// code and up to 4KB of the response body for debugging.
func (l *Loader) Load(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		b, err := os.ReadFile(ref)
		if err != nil {
			return "", fmt.Errorf("read dictionary file: %w", err)
		}
		return probe.DecodeSample(b), nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", "flattener/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return probe.DecodeSample(b), nil
}
