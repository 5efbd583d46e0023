// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package sharefs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AtomicWrite writes data to path so that a concurrent reader never
// observes a partial file: the data lands in a temporary file in the
// same directory, is fsynced, and is renamed into place. The prior
// file, if any, is first copied to path+".bak" so one generation of
// history survives a bad write.
//
// The rename is retried with capped exponential backoff because on
// network shares a reader or antivirus scanner holding the target
// briefly makes rename fail with a sharing violation. After exhausting
// retries the error wraps ErrLockContention.
func (t *Transport) AtomicWrite(path string, data []byte) error {
	// Writers race endpoint-side directory creation on a fresh share,
	// so the parent is created here rather than assumed.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	// Write, sync, close, in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	// Best-effort backup of the prior generation. A failed backup
	// never blocks the write: the backup exists for operator recovery,
	// not correctness.
	if _, err := os.Stat(path); err == nil {
		copyFileContents(path, path+".bak")
	}

	if err := t.renameWithRetry(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return err
	}

	// Sync the parent directory so the rename survives power loss
	// between rename and the OS flushing directory metadata. Remote
	// shares may reject directory opens; that is fine.
	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}

	return nil
}

// AtomicCopy streams src into dst with the same tmp-then-rename
// discipline as AtomicWrite, without buffering the whole file in
// memory. Media files run to gigabytes, so this is the only copy path
// content sync uses. No backup is taken; content files are
// re-copyable from the master tree.
//
// The destination's modification time is set to src's so fingerprint
// comparison works across the copy.
func (t *Transport) AtomicCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	temporaryPath := dst + ".tmp"
	out, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("copying: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Chtimes(temporaryPath, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("preserving modification time: %w", err)
	}

	if err := t.renameWithRetry(temporaryPath, dst); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	return nil
}

// WriteJSON marshals v with indentation and a trailing newline, then
// writes it via AtomicWrite.
func (t *Transport) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	return t.AtomicWrite(path, data)
}

// renameWithRetry renames with capped exponential backoff on any
// error. Sharing violations surface differently across SMB client
// implementations (EACCES, EBUSY, plain permission errors), so every
// failure is treated as potentially transient.
func (t *Transport) renameWithRetry(from, to string) error {
	var lastErr error
	for attempt := 0; attempt < t.renameRetries; attempt++ {
		if err := os.Rename(from, to); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < t.renameRetries-1 {
			t.backoff(attempt, t.renameBase, t.renameCap)
		}
	}
	return fmt.Errorf("renaming %s into place after %d attempts: %v: %w",
		filepath.Base(to), t.renameRetries, lastErr, ErrLockContention)
}

// copyFileContents copies src to dst, overwriting dst. Errors are
// swallowed by the caller; this is backup machinery only.
func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
