// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/fleet"
	"github.com/vantage-displays/vantage/lib/history"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

// congestionPoll is how often the congestion document's fingerprint
// is checked between schedule ticks. Cheaper than a schedule
// resolution, so it runs more often.
const congestionPoll = 10 * time.Second

// prunePeriod is how often old telemetry rows are dropped.
const prunePeriod = 24 * time.Hour

// Controller drives the background loops: schedule resolution on a
// timer, immediate re-resolution when the congestion document
// changes, a periodic full pass (distribute plus content sync), and
// history pruning. Telemetry polling runs separately in
// telemetry.Poller.
type Controller struct {
	ops    *Operations
	store  *history.Store
	clock  clock.Clock
	logger *slog.Logger

	congestion sharefs.Fingerprint
}

// Run resolves and distributes once at startup, then loops until ctx
// is canceled. Distribution only runs when some endpoint's resolved
// channel actually changed, except on the full-pass tick.
func (c *Controller) Run(ctx context.Context) error {
	c.congestion, _ = sharefs.StatLoose(c.ops.config.Paths.Congestion)
	c.ops.ResolveActive()
	c.distribute(ctx)

	scheduleTick := c.clock.NewTicker(c.ops.config.Schedule.Interval.Std())
	defer scheduleTick.Stop()
	congestionTick := c.clock.NewTicker(congestionPoll)
	defer congestionTick.Stop()
	fullTick := c.clock.NewTicker(c.ops.config.Schedule.FullInterval.Std())
	defer fullTick.Stop()
	pruneTick := c.clock.NewTicker(prunePeriod)
	defer pruneTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-scheduleTick.C:
			if c.ops.ResolveActive() {
				c.distribute(ctx)
			}

		case <-congestionTick.C:
			if c.congestionChanged() && c.ops.ResolveActive() {
				c.distribute(ctx)
			}

		case <-fullTick.C:
			c.fullPass(ctx)

		case <-pruneTick.C:
			c.prune(ctx)
		}
	}
}

// congestionChanged reports whether the congestion document's
// fingerprint moved since the last check. A vanished document counts
// as a change back to no override.
func (c *Controller) congestionChanged() bool {
	fingerprint, err := sharefs.StatLoose(c.ops.config.Paths.Congestion)
	if err != nil {
		fingerprint = sharefs.Fingerprint{}
	}
	if fingerprint == c.congestion {
		return false
	}
	c.congestion = fingerprint
	return true
}

func (c *Controller) distribute(ctx context.Context) {
	summary, err := c.ops.DistributeConfig(ctx)
	if err != nil {
		c.logger.Warn("distribution not started", "error", err)
		return
	}
	if summary.Failed() {
		c.logger.Warn("distribution finished with errors", "summary", summary.String())
	}
}

// fullPass redistributes every config and mirrors every channel, so
// endpoints that missed a delta converge anyway. The two operations
// share the orchestrator, so they run back to back, not concurrently.
func (c *Controller) fullPass(ctx context.Context) {
	c.ops.ResolveActive()
	c.distribute(ctx)

	summary, err := c.ops.SyncContent(ctx)
	if errors.Is(err, fleet.ErrBusy) {
		c.logger.Warn("content sync skipped, operation in progress")
		return
	}
	if err != nil {
		c.logger.Warn("content sync not started", "error", err)
		return
	}
	if summary.Failed() {
		c.logger.Warn("content sync finished with errors", "summary", summary.String())
	}
}

func (c *Controller) prune(ctx context.Context) {
	if c.store == nil {
		return
	}
	dropped, err := c.store.Prune(ctx)
	if err != nil {
		c.logger.Warn("pruning telemetry history", "error", err)
		return
	}
	if dropped > 0 {
		c.logger.Info("telemetry history pruned", "rows", dropped)
	}
}
