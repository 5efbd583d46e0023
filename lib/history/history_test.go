// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/telemetry"
)

func openTestStore(t *testing.T, clk clock.Clock, options Options) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), clk,
		slog.New(slog.NewTextHandler(io.Discard, nil)), options)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func snapshotAt(id string, at time.Time, cpu float64) telemetry.Snapshot {
	return telemetry.Snapshot{
		EndpointID:  id,
		CollectedAt: at,
		Online:      true,
		Status: &schema.EndpointStatus{
			Timestamp:  at,
			Host:       "SIGN01-PC",
			CPUPercent: cpu,
		},
	}
}

func TestRecordAndRecent(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, clock.Fake(base), Options{SlotWidth: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := store.Record(ctx, snapshotAt("sign01", at, float64(10+i))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := store.Record(ctx, snapshotAt("sign02", base, 99)); err != nil {
		t.Fatalf("Record sign02: %v", err)
	}

	snapshots, err := store.Recent(ctx, "sign01", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snapshots))
	}
	// Newest first, payload intact.
	if snapshots[0].Status.CPUPercent != 12 {
		t.Fatalf("newest CPU = %v, want 12", snapshots[0].Status.CPUPercent)
	}
	if !snapshots[0].CollectedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("newest CollectedAt = %v", snapshots[0].CollectedAt)
	}
	if snapshots[2].Status.Host != "SIGN01-PC" {
		t.Fatalf("oldest host = %q", snapshots[2].Status.Host)
	}
}

func TestRecordDeduplicatesWithinSlot(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, clock.Fake(base), Options{SlotWidth: time.Minute})
	ctx := context.Background()

	// Three polls land in the same minute: one row, last payload wins.
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i*10) * time.Second)
		if err := store.Record(ctx, snapshotAt("sign01", at, float64(i))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	snapshots, err := store.Recent(ctx, "sign01", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1 after in-slot overwrites", len(snapshots))
	}
	if snapshots[0].Status.CPUPercent != 2 {
		t.Fatalf("surviving CPU = %v, want the last write (2)", snapshots[0].Status.CPUPercent)
	}
}

func TestPruneDropsOldRows(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	fake := clock.Fake(base)
	store := openTestStore(t, fake, Options{SlotWidth: time.Minute, Retention: time.Hour})
	ctx := context.Background()

	if err := store.Record(ctx, snapshotAt("sign01", base.Add(-2*time.Hour), 1)); err != nil {
		t.Fatalf("Record old: %v", err)
	}
	if err := store.Record(ctx, snapshotAt("sign01", base.Add(-10*time.Minute), 2)); err != nil {
		t.Fatalf("Record fresh: %v", err)
	}

	pruned, err := store.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d rows, want 1", pruned)
	}

	snapshots, err := store.Recent(ctx, "sign01", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].Status.CPUPercent != 2 {
		t.Fatalf("surviving snapshots = %+v", snapshots)
	}
}
