// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package history records telemetry snapshots in a local SQLite
// database so operators can see what an endpoint was doing before it
// went dark.
//
// Snapshots are bucketed into fixed time slots with one row per
// endpoint per slot; a poller ticking faster than the slot width
// overwrites the slot instead of growing the table. Payloads are
// stored as CBOR blobs so schema evolution never needs a column
// migration.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/sqlitepool"
	"github.com/vantage-displays/vantage/lib/telemetry"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS telemetry (
  endpoint     TEXT    NOT NULL,
  slot         INTEGER NOT NULL,
  collected_at INTEGER NOT NULL,
  online       INTEGER NOT NULL,
  payload      BLOB    NOT NULL,
  PRIMARY KEY (endpoint, slot)
);
CREATE INDEX IF NOT EXISTS telemetry_collected_at ON telemetry (collected_at);
`

// Options tunes the store. Zero values fall back to defaults.
type Options struct {
	// SlotWidth is the deduplication bucket. Default: 1m.
	SlotWidth time.Duration

	// Retention is how far back Prune keeps. Default: 7 days.
	Retention time.Duration
}

func (o *Options) applyDefaults() {
	if o.SlotWidth <= 0 {
		o.SlotWidth = time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
}

// Store persists telemetry snapshots.
type Store struct {
	pool    *sqlitepool.Pool
	clock   clock.Clock
	options Options
}

// Open opens (creating if needed) the history database at path.
func Open(path string, clk clock.Clock, logger *slog.Logger, options Options) (*Store, error) {
	options.applyDefaults()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schemaSQL, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &Store{pool: pool, clock: clk, options: options}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }

// Record stores one snapshot, overwriting any earlier snapshot for
// the same endpoint in the same slot.
func (s *Store) Record(ctx context.Context, snapshot telemetry.Snapshot) error {
	payload, err := cbor.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("history: encoding snapshot: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	online := 0
	if snapshot.Online {
		online = 1
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO telemetry (endpoint, slot, collected_at, online, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (endpoint, slot) DO UPDATE SET
		  collected_at = excluded.collected_at,
		  online       = excluded.online,
		  payload      = excluded.payload;`,
		&sqlitex.ExecOptions{Args: []any{
			snapshot.EndpointID,
			s.slot(snapshot.CollectedAt),
			snapshot.CollectedAt.UnixMilli(),
			online,
			payload,
		}})
	if err != nil {
		return fmt.Errorf("history: recording %s: %w", snapshot.EndpointID, err)
	}
	return nil
}

// Recent returns up to limit snapshots for the endpoint, newest first.
func (s *Store) Recent(ctx context.Context, endpoint string, limit int) ([]telemetry.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var snapshots []telemetry.Snapshot
	var decodeErr error
	err = sqlitex.Execute(conn, `
		SELECT payload FROM telemetry
		WHERE endpoint = ?
		ORDER BY collected_at DESC
		LIMIT ?;`,
		&sqlitex.ExecOptions{
			Args: []any{endpoint, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, payload)
				var snapshot telemetry.Snapshot
				if err := cbor.Unmarshal(payload, &snapshot); err != nil {
					decodeErr = err
					return nil
				}
				snapshots = append(snapshots, snapshot)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history: reading %s: %w", endpoint, err)
	}
	if decodeErr != nil {
		return snapshots, fmt.Errorf("history: decoding snapshot for %s: %w", endpoint, decodeErr)
	}
	return snapshots, nil
}

// Prune deletes snapshots older than the retention window and reports
// how many rows went.
func (s *Store) Prune(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	cutoff := s.clock.Now().Add(-s.options.Retention).UnixMilli()
	err = sqlitex.Execute(conn, `DELETE FROM telemetry WHERE collected_at < ?;`,
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("history: pruning: %w", err)
	}
	return conn.Changes(), nil
}

func (s *Store) slot(at time.Time) int64 {
	width := int64(s.options.SlotWidth / time.Second)
	return at.Unix() / width
}
