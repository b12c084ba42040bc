package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// stdoutIsTerminal reports whether stdout is an interactive terminal.
func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// writeJSON writes one JSON document followed by a newline. pretty indents
// it for humans; otherwise it is compacted to a single line so output can be
// piped to line-oriented tools.
func writeJSON(w io.Writer, data json.RawMessage, pretty bool) error {
	var buf bytes.Buffer

	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	var err error
	if pretty {
		err = json.Indent(&buf, data, "", "  ")
	} else {
		err = json.Compact(&buf, data)
	}

	if err != nil {
		return fmt.Errorf("formatting JSON output: %w", err)
	}

	buf.WriteByte('\n')

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	return nil
}

// encodeJSON marshals v and writes it with writeJSON.
func encodeJSON(w io.Writer, v any, pretty bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return writeJSON(w, data, pretty)
}

// formatExpiry describes a credential expiry relative to now.
func formatExpiry(expiry, now time.Time) string {
	if expiry.IsZero() {
		return "unknown"
	}

	d := expiry.Sub(now).Round(time.Second)
	if d <= 0 {
		return fmt.Sprintf("%s (expired %s ago)", expiry.Local().Format(time.RFC3339), -d)
	}

	return fmt.Sprintf("%s (in %s)", expiry.Local().Format(time.RFC3339), d)
}
