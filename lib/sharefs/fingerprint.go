// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package sharefs

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// Fingerprint is a cheap change-detection proxy for one file. Two
// fingerprints being equal is taken to mean "unchanged" everywhere a
// full re-read would be too expensive: telemetry caching, sync
// diffing, and the supervisor's poll loop.
//
// CTimeMs is included because a file replaced with same-length content
// and a restored mtime (some copy tools do this) still gets a new
// change time; callers that only care about the looser form compare
// MTimeMs and SizeBytes themselves.
//
// Timestamps are truncated to milliseconds. A same-size rewrite
// landing within the same millisecond is indistinguishable from no
// change; the next rewrite reconciles.
type Fingerprint struct {
	MTimeMs   int64
	CTimeMs   int64
	SizeBytes int64
}

// Stat returns the fingerprint for path.
func Stat(path string) (Fingerprint, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Fingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Fingerprint{
		MTimeMs:   st.Mtim.Sec*1000 + st.Mtim.Nsec/1e6,
		CTimeMs:   st.Ctim.Sec*1000 + st.Ctim.Nsec/1e6,
		SizeBytes: st.Size,
	}, nil
}

// StatLoose returns the fingerprint for path with CTimeMs zeroed, for
// callers comparing only the (mtime, size) 2-tuple.
func StatLoose(path string) (Fingerprint, error) {
	fp, err := Stat(path)
	if err != nil {
		return Fingerprint{}, err
	}
	fp.CTimeMs = 0
	return fp, nil
}

// DirEntry is one file's contribution to a directory fingerprint.
type DirEntry struct {
	Name      string
	SizeBytes int64
	MTimeMs   int64
}

// DirFingerprint is the sorted (name, size, mtime) set for a
// directory, the sole primitive used for both sync diffing and the
// supervisor's content change detection.
type DirFingerprint []DirEntry

// FingerprintDir lists the plain files in dir that satisfy match
// (match == nil accepts everything) and returns their sorted
// fingerprint. Files that disappear between listing and stat are
// skipped; the next poll cycle reconciles.
func FingerprintDir(dir string, match func(name string) bool) (DirFingerprint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var result DirFingerprint
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if match != nil && !match(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, DirEntry{
			Name:      entry.Name(),
			SizeBytes: info.Size(),
			MTimeMs:   info.ModTime().UnixMilli(),
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Equal reports whether two directory fingerprints are identical.
func (d DirFingerprint) Equal(other DirFingerprint) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}
