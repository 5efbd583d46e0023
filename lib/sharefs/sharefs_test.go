// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package sharefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
)

func newTestTransport() *Transport {
	// Zero backoff bases still exercise the retry loop shape; the
	// fake clock never blocks on Sleep because nothing advances it,
	// so use tiny real sleeps instead.
	return NewTransport(clock.Real(), Options{
		RenameBackoffBase: time.Microsecond,
		RenameBackoffCap:  time.Microsecond,
		ReadBackoffBase:   time.Microsecond,
		ReadBackoffCap:    time.Microsecond,
	})
}

func TestAtomicWriteRoundTrip(t *testing.T) {
	transport := newTestTransport()
	path := filepath.Join(t.TempDir(), "active.json")

	type doc struct {
		Channel string `json:"active_channel"`
	}
	if err := transport.WriteJSON(path, doc{Channel: "ch07"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got doc
	if err := transport.ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Channel != "ch07" {
		t.Errorf("round trip: got %q, want ch07", got.Channel)
	}

	// No temporary file left behind.
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("temporary file still present after write")
	}
}

func TestAtomicWriteCreatesParentDirectories(t *testing.T) {
	// A controller writing into a freshly provisioned share must not
	// depend on the endpoint having created the directory tree first.
	transport := newTestTransport()
	path := filepath.Join(t.TempDir(), "config", "config.json")

	if err := transport.AtomicWrite(path, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("write into missing directory: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Errorf("content = %q", got)
	}

	// Several levels deep works too; status paths nest by date.
	deep := filepath.Join(t.TempDir(), "a", "b", "c", "status.json")
	if err := transport.AtomicWrite(deep, []byte(`{}`)); err != nil {
		t.Fatalf("write into nested missing directories: %v", err)
	}
}

func TestAtomicWriteCreatesBackup(t *testing.T) {
	transport := newTestTransport()
	path := filepath.Join(t.TempDir(), "config.json")

	if err := transport.AtomicWrite(path, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := transport.AtomicWrite(path, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second write: %v", err)
	}

	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if string(backup) != `{"v":1}` {
		t.Errorf("backup = %q, want prior generation", backup)
	}
	current, _ := os.ReadFile(path)
	if string(current) != `{"v":2}` {
		t.Errorf("current = %q, want new generation", current)
	}
}

func TestAtomicWriteInterruptedLeavesOriginalIntact(t *testing.T) {
	// Simulate the interruption window: the temporary file exists but
	// the rename never ran. The original must be byte-for-byte
	// unchanged and a subsequent write must still succeed.
	transport := newTestTransport()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := []byte(`{"generation":"original"}`)
	if err := transport.AtomicWrite(path, original); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	if err := os.WriteFile(path+".tmp", []byte(`{"generation":"partial`), 0644); err != nil {
		t.Fatalf("planting partial temp file: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading original: %v", err)
	}
	if string(got) != string(original) {
		t.Errorf("original changed: %q", got)
	}

	if err := transport.AtomicWrite(path, []byte(`{"generation":"next"}`)); err != nil {
		t.Fatalf("write over stale temp file: %v", err)
	}
}

func TestReadJSONMissingFileNoRetry(t *testing.T) {
	transport := NewTransport(clock.Real(), Options{
		// A long backoff would make this test slow if the missing
		// path were (wrongly) retried.
		ReadBackoffBase: time.Minute,
		ReadBackoffCap:  time.Minute,
	})

	var v struct{}
	start := time.Now()
	err := transport.ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("missing file took %v: it must not retry", elapsed)
	}
}

func TestReadJSONCorruptReturnsTypedError(t *testing.T) {
	transport := newTestTransport()
	path := filepath.Join(t.TempDir(), "status.json")
	if err := os.WriteFile(path, []byte(`{"truncated`), 0644); err != nil {
		t.Fatal(err)
	}

	var v struct{}
	err := transport.ReadJSON(path, &v)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestRetryLoopsSkipBackoffAfterFinalAttempt(t *testing.T) {
	// With a single attempt allowed, failure must return immediately
	// instead of sleeping a backoff nothing will ever retry after.
	transport := NewTransport(clock.Real(), Options{
		RenameRetries:     1,
		RenameBackoffBase: time.Minute,
		RenameBackoffCap:  time.Minute,
		ReadRetries:       1,
		ReadBackoffBase:   time.Minute,
		ReadBackoffCap:    time.Minute,
	})
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "status.json")
	if err := os.WriteFile(corrupt, []byte(`{"truncated`), 0644); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	var v struct{}
	if err := transport.ReadJSON(corrupt, &v); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("exhausted read took %v: final attempt must not back off", elapsed)
	}

	// A non-empty directory at the destination makes every rename fail.
	blocked := filepath.Join(dir, "config.json")
	if err := os.MkdirAll(filepath.Join(blocked, "occupied"), 0o755); err != nil {
		t.Fatal(err)
	}
	start = time.Now()
	if err := transport.AtomicWrite(blocked, []byte(`{}`)); !errors.Is(err, ErrLockContention) {
		t.Fatalf("err = %v, want ErrLockContention", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("exhausted write took %v: final attempt must not back off", elapsed)
	}
}

func TestReadJSONDefault(t *testing.T) {
	transport := newTestTransport()
	dir := t.TempDir()

	type doc struct {
		Level int `json:"congestion_level"`
	}

	got, fromFile := ReadJSONDefault(transport, filepath.Join(dir, "absent.json"), doc{Level: 1})
	if fromFile || got.Level != 1 {
		t.Errorf("missing file: got (%+v, %v), want fallback (level 1, false)", got, fromFile)
	}

	path := filepath.Join(dir, "ai_status.json")
	if err := transport.WriteJSON(path, doc{Level: 3}); err != nil {
		t.Fatal(err)
	}
	got, fromFile = ReadJSONDefault(transport, path, doc{Level: 1})
	if !fromFile || got.Level != 3 {
		t.Errorf("present file: got (%+v, %v), want (level 3, true)", got, fromFile)
	}
}

func TestFingerprintDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	if err := os.WriteFile(path, []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	before, err := Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	// Size change alone must alter the fingerprint even when mtime
	// granularity hides the rewrite.
	if err := os.WriteFile(path, []byte("different length"), 0644); err != nil {
		t.Fatal(err)
	}
	after, err := Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if before == after {
		t.Error("fingerprint unchanged after content replacement")
	}
}

func TestFingerprintDirSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.mp4", "a.mp4", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	fp, err := FingerprintDir(dir, func(name string) bool {
		return filepath.Ext(name) == ".mp4"
	})
	if err != nil {
		t.Fatalf("FingerprintDir: %v", err)
	}
	if len(fp) != 2 || fp[0].Name != "a.mp4" || fp[1].Name != "b.mp4" {
		t.Errorf("fingerprint = %+v, want sorted [a.mp4 b.mp4]", fp)
	}

	same, err := FingerprintDir(dir, func(name string) bool {
		return filepath.Ext(name) == ".mp4"
	})
	if err != nil {
		t.Fatal(err)
	}
	if !fp.Equal(same) {
		t.Error("identical directory produced unequal fingerprints")
	}
}

func TestProberFastSkipsPing(t *testing.T) {
	pingCalls := 0
	prober := NewProber()
	prober.ping = func(ctx context.Context, addr string, timeout time.Duration) error {
		pingCalls++
		return nil
	}
	prober.dial = func(ctx context.Context, addr string, timeout time.Duration) error {
		return nil
	}

	if err := prober.ProbeFast(context.Background(), "10.0.0.8"); err != nil {
		t.Fatalf("ProbeFast: %v", err)
	}
	if pingCalls != 0 {
		t.Errorf("fast probe ran the coarse liveness check")
	}
}

func TestProberFullRequiresBothStages(t *testing.T) {
	prober := NewProber()
	prober.ping = func(ctx context.Context, addr string, timeout time.Duration) error {
		return nil
	}
	prober.dial = func(ctx context.Context, addr string, timeout time.Duration) error {
		return fmt.Errorf("connection refused")
	}

	if err := prober.Probe(context.Background(), "10.0.0.8"); err == nil {
		t.Error("probe succeeded with the share port down")
	}

	prober.ping = func(ctx context.Context, addr string, timeout time.Duration) error {
		return fmt.Errorf("no reply")
	}
	dialCalls := 0
	prober.dial = func(ctx context.Context, addr string, timeout time.Duration) error {
		dialCalls++
		return nil
	}
	if err := prober.Probe(context.Background(), "10.0.0.8"); err == nil {
		t.Error("probe succeeded with liveness check failing")
	}
	if dialCalls != 0 {
		t.Error("port check ran despite failed liveness probe")
	}
}
