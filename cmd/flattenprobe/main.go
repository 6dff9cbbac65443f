// Command flattenprobe classifies flattening inputs by sampling their first
// bytes. It prints one diagnosis line per ref and exits nonzero when any
// input is not parquet, so deployment scripts can gate flatten runs on it.
//
// Refs may be local paths, globs (the first match is sampled), or http(s)
// URLs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"flattener/internal/probe"
)

// run is the testable entrypoint for this command.
//
// Exit codes:
//   - 0: every input sniffed as parquet (or -any was set and all probes ran).
//   - 1: at least one input failed to probe or is not parquet.
//   - 2: invalid CLI usage.
func run(args []string, stdout, stderr io.Writer) int {
	var (
		maxBytes int
		timeout  time.Duration
		anyFmt   bool
	)

	fs := flag.NewFlagSet("flattenprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&maxBytes, "bytes", probe.DefaultPeekBytes, "number of bytes to sample from each input")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "probe timeout per input")
	fs.BoolVar(&anyFmt, "any", false, "report formats without requiring parquet")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	refs := fs.Args()
	if len(refs) == 0 {
		fmt.Fprintln(stderr, "usage: flattenprobe [flags] <path|glob|url> ...")
		return 2
	}

	failed := false
	for _, ref := range refs {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		diag, err := probe.DetectGlob(ctx, ref, maxBytes)
		cancel()
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", ref, err)
			failed = true
			continue
		}
		fmt.Fprintln(stdout, diag)
		if !anyFmt && diag.Format != probe.FormatParquet {
			failed = true
		}
	}

	if failed {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
