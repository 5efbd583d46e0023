// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package sharefs makes a flaky network share usable as a transport.
//
// The fleet's only communication medium is a per-endpoint file share.
// Shares exhibit failure modes a local filesystem never shows: renames
// fail transiently with sharing violations while a reader (or a virus
// scanner) holds the file, reads observe half-written JSON during a
// concurrent write, and a stuck share call can block for minutes with
// no reliable way to cancel it. This package wraps those realities
// into retrying atomic reads and writes, cheap change-detection
// fingerprints, and reachability probes that keep callers from ever
// touching a dead share path.
package sharefs

import (
	"errors"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
)

// ErrLockContention is returned by AtomicWrite after the rename step
// exhausted its retries on transient locking errors.
var ErrLockContention = errors.New("sharefs: rename retries exhausted")

// ErrCorrupt is returned by ReadJSON when the file exists but could
// not be parsed after all retries. Polling callers treat this as "use
// the previous value" rather than a fatal condition.
var ErrCorrupt = errors.New("sharefs: unparseable after retries")

// Transport performs retrying atomic file operations against share
// paths. The zero value is not usable; construct with NewTransport.
type Transport struct {
	clock clock.Clock

	renameRetries int
	renameBase    time.Duration
	renameCap     time.Duration

	readRetries int
	readBase    time.Duration
	readCap     time.Duration
}

// Options tune retry behavior. Zero fields take defaults sized for
// SMB shares under antivirus scanning (the environment the retry
// counts were calibrated against).
type Options struct {
	// RenameRetries bounds rename attempts in AtomicWrite. Default 10.
	RenameRetries int

	// RenameBackoffBase and RenameBackoffCap shape the exponential
	// delay between rename attempts. Defaults 50ms and 500ms.
	RenameBackoffBase time.Duration
	RenameBackoffCap  time.Duration

	// ReadRetries bounds read+parse attempts in ReadJSON. Default 3.
	ReadRetries int

	// ReadBackoffBase and ReadBackoffCap shape the delay between read
	// attempts. Defaults 50ms and 200ms.
	ReadBackoffBase time.Duration
	ReadBackoffCap  time.Duration
}

// NewTransport returns a Transport using the given clock for backoff
// sleeps.
func NewTransport(clk clock.Clock, options Options) *Transport {
	if options.RenameRetries <= 0 {
		options.RenameRetries = 10
	}
	if options.RenameBackoffBase <= 0 {
		options.RenameBackoffBase = 50 * time.Millisecond
	}
	if options.RenameBackoffCap <= 0 {
		options.RenameBackoffCap = 500 * time.Millisecond
	}
	if options.ReadRetries <= 0 {
		options.ReadRetries = 3
	}
	if options.ReadBackoffBase <= 0 {
		options.ReadBackoffBase = 50 * time.Millisecond
	}
	if options.ReadBackoffCap <= 0 {
		options.ReadBackoffCap = 200 * time.Millisecond
	}
	return &Transport{
		clock:         clk,
		renameRetries: options.RenameRetries,
		renameBase:    options.RenameBackoffBase,
		renameCap:     options.RenameBackoffCap,
		readRetries:   options.ReadRetries,
		readBase:      options.ReadBackoffBase,
		readCap:       options.ReadBackoffCap,
	}
}

// backoff sleeps for base * 2^attempt, capped. Attempt counts from 0.
func (t *Transport) backoff(attempt int, base, cap time.Duration) {
	delay := base << uint(attempt)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	t.clock.Sleep(delay)
}
