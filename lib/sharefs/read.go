// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package sharefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ReadJSON reads and parses path into v, retrying on I/O and parse
// errors. A reader racing a concurrent atomic write can still observe
// transient failures on share paths (the rename itself briefly locks
// the name), and a plain overwrite by an older writer can expose
// half-written JSON; short retries absorb both.
//
// A missing file returns an error wrapping fs.ErrNotExist immediately,
// without retrying; absence is a normal state, not a fault. Retry
// exhaustion returns an error wrapping ErrCorrupt; polling callers log
// it and keep their previous value instead of dying on one bad read.
func (t *Transport) ReadJSON(path string, v any) error {
	var lastErr error
	for attempt := 0; attempt < t.readRetries; attempt++ {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
			}
			lastErr = err
		} else if err := json.Unmarshal(data, v); err != nil {
			lastErr = err
		} else {
			return nil
		}
		if attempt < t.readRetries-1 {
			t.backoff(attempt, t.readBase, t.readCap)
		}
	}
	return fmt.Errorf("reading %s after %d attempts: %v: %w",
		filepath.Base(path), t.readRetries, lastErr, ErrCorrupt)
}

// ReadJSONDefault reads path into a T, returning fallback when the
// file is missing or unparseable after retries. The second return
// reports whether the file's own contents were used. This is the
// "polling loop never dies from one bad read" form of ReadJSON.
func ReadJSONDefault[T any](t *Transport, path string, fallback T) (T, bool) {
	var value T
	if err := t.ReadJSON(path, &value); err != nil {
		return fallback, false
	}
	return value, true
}
