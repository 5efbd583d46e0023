// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry polls endpoint status documents in the background.
//
// The poller is deliberately gentle with the share: each tick probes a
// bounded round-robin batch, a cheap port probe gates every remote
// read, unchanged status files are served from a fingerprint cache
// without re-reading, and failing endpoints back off exponentially.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/fleet"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

// ProbeFunc checks reachability of an endpoint address before any
// remote read. Production wires sharefs.Prober.ProbeFast.
type ProbeFunc func(ctx context.Context, address string) error

// ShareRootFunc maps an endpoint to the local path where its share is
// mounted.
type ShareRootFunc func(endpoint fleet.Endpoint) string

// Snapshot is the outcome of polling one endpoint.
type Snapshot struct {
	EndpointID  string
	CollectedAt time.Time

	// Online means the probe succeeded, whether or not a status
	// document existed yet.
	Online bool

	// Stale means the status document exists but its timestamp is
	// older than the configured staleness bound. The endpoint answers
	// probes but its agent has stopped reporting.
	Stale bool

	// FromCache means the status file's fingerprint was unchanged and
	// Status was served from the cache without a remote read.
	FromCache bool

	Status    *schema.EndpointStatus
	Heartbeat *schema.Heartbeat
	Err       string
}

// Options tunes the poller. Zero values fall back to defaults.
type Options struct {
	// Interval is the poll tick.
	Interval time.Duration

	// BatchSize caps endpoints polled per tick.
	BatchSize int

	// PendingTimeout bounds how long a tick waits for its in-flight
	// reads, and how long a read may stay pending afterwards. A read
	// that finishes between ticks is applied at the next tick; one
	// still running past the timeout at the next tick is written off
	// as hung and its eventual result discarded.
	PendingTimeout time.Duration

	// BackoffBase and BackoffMax bound the per-endpoint retry delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Stale is how old a status timestamp may be before the snapshot
	// is flagged stale.
	Stale time.Duration

	// CacheSize is the fingerprint cache capacity.
	CacheSize int
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 6
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = 2 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.Stale <= 0 {
		o.Stale = 2 * time.Minute
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 256
	}
}

type cachedStatus struct {
	fingerprint sharefs.Fingerprint
	status      schema.EndpointStatus
}

// Poller polls endpoint telemetry. It is single-threaded: Poll and
// Run must not be called concurrently. Collection itself fans out
// into goroutines, but results are applied only from Poll.
type Poller struct {
	registry  *fleet.Registry
	transport *sharefs.Transport
	probe     ProbeFunc
	shareRoot ShareRootFunc
	clock     clock.Clock
	logger    *slog.Logger
	options   Options
	sink      func(Snapshot)

	cache   *lru.Cache[string, cachedStatus]
	backoff *backoffTable
	cursor  int
	// inFlight maps endpoint ID to dispatch time for reads not yet
	// applied or written off.
	inFlight map[string]time.Time
	results  chan Snapshot
}

// NewPoller builds a poller. sink, if non-nil, receives every applied
// snapshot (the history store hangs off it).
func NewPoller(registry *fleet.Registry, transport *sharefs.Transport, probe ProbeFunc, shareRoot ShareRootFunc, clk clock.Clock, logger *slog.Logger, options Options, sink func(Snapshot)) *Poller {
	options.applyDefaults()
	cache, err := lru.New[string, cachedStatus](options.CacheSize)
	if err != nil {
		// Only reachable with a non-positive size, which applyDefaults
		// prevents.
		panic(fmt.Sprintf("telemetry: building status cache: %v", err))
	}
	return &Poller{
		registry:  registry,
		transport: transport,
		probe:     probe,
		shareRoot: shareRoot,
		clock:     clk,
		logger:    logger,
		options:   options,
		sink:      sink,
		cache:     cache,
		backoff:   newBackoffTable(options.BackoffBase, options.BackoffMax),
		inFlight:  make(map[string]time.Time),
		results:   make(chan Snapshot, 256),
	}
}

// Run polls on the configured interval until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.options.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Suppress keeps the endpoint out of polling for the given duration.
// Callers use it after issuing a power command, when the endpoint is
// expected to drop off the network and probing it would only burn a
// worker slot. Safe to call concurrently with Run.
func (p *Poller) Suppress(id string, d time.Duration) {
	p.backoff.hold(id, p.clock.Now(), d)
}

// Poll runs one tick: harvest leftovers from previous ticks, write off
// reads hung past PendingTimeout, dispatch a fresh batch, then wait up
// to PendingTimeout for results.
func (p *Poller) Poll(ctx context.Context) {
	p.drain()
	p.abandonHung()

	for _, endpoint := range p.selectBatch() {
		p.inFlight[endpoint.ID] = p.clock.Now()
		go func(endpoint fleet.Endpoint) {
			p.results <- p.collect(ctx, endpoint)
		}(endpoint)
	}

	p.harvest()
}

// drain applies any results that arrived since the previous tick,
// without waiting.
func (p *Poller) drain() {
	for {
		select {
		case snapshot := <-p.results:
			p.apply(snapshot)
		default:
			return
		}
	}
}

// abandonHung writes off collections still in flight past
// PendingTimeout. A share read hung inside the kernel cannot be
// canceled; the endpoint is recorded as a timeout failure so backoff
// and the registry see it, and it becomes eligible for re-dispatch.
// The hung goroutine's eventual result is discarded by apply.
func (p *Poller) abandonHung() {
	now := p.clock.Now()
	for id, dispatched := range p.inFlight {
		age := now.Sub(dispatched)
		if age <= p.options.PendingTimeout {
			continue
		}
		p.logger.Warn("abandoning hung telemetry collection",
			"endpoint", id,
			"age", age)
		p.apply(Snapshot{
			EndpointID:  id,
			CollectedAt: now,
			Err:         fmt.Sprintf("collection timed out after %s", age.Round(time.Millisecond)),
		})
	}
}

// harvest waits up to PendingTimeout for in-flight results.
func (p *Poller) harvest() {
	if len(p.inFlight) == 0 {
		return
	}
	deadline := p.clock.After(p.options.PendingTimeout)
	for len(p.inFlight) > 0 {
		select {
		case snapshot := <-p.results:
			p.apply(snapshot)
		case <-deadline:
			p.logger.Debug("poll results still pending past timeout",
				"pending", len(p.inFlight))
			return
		}
	}
}

// selectBatch picks up to BatchSize targets round-robin, skipping
// endpoints with a read still in flight and endpoints backing off.
func (p *Poller) selectBatch() []fleet.Endpoint {
	targets := p.registry.Targets()
	if len(targets) == 0 {
		return nil
	}
	now := p.clock.Now()

	var batch []fleet.Endpoint
	for i := 0; i < len(targets) && len(batch) < p.options.BatchSize; i++ {
		endpoint := targets[(p.cursor+i)%len(targets)]
		if _, busy := p.inFlight[endpoint.ID]; busy || !p.backoff.due(endpoint.ID, now) {
			continue
		}
		batch = append(batch, endpoint)
	}
	p.cursor = (p.cursor + p.options.BatchSize) % len(targets)
	return batch
}

// collect reads one endpoint's telemetry. Runs in its own goroutine.
func (p *Poller) collect(ctx context.Context, endpoint fleet.Endpoint) Snapshot {
	snapshot := Snapshot{
		EndpointID:  endpoint.ID,
		CollectedAt: p.clock.Now(),
	}

	if err := p.probe(ctx, endpoint.Address); err != nil {
		snapshot.Err = fmt.Sprintf("probe: %v", err)
		return snapshot
	}
	snapshot.Online = true

	layout := schema.ShareLayout{Root: p.shareRoot(endpoint)}
	p.readStatus(layout, &snapshot)

	var heartbeat schema.Heartbeat
	err := p.transport.ReadJSON(layout.HeartbeatPath(), &heartbeat)
	switch {
	case err == nil:
		snapshot.Heartbeat = &heartbeat
	case errors.Is(err, fs.ErrNotExist):
		// Endpoint without a supervisor yet. Not an error.
	default:
		snapshot.Err = fmt.Sprintf("heartbeat: %v", err)
	}

	return snapshot
}

// readStatus fills snapshot.Status, serving it from the fingerprint
// cache when the file is unchanged since the last successful read.
func (p *Poller) readStatus(layout schema.ShareLayout, snapshot *Snapshot) {
	path := layout.StatusPath()
	fingerprint, err := sharefs.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			snapshot.Err = fmt.Sprintf("status: %v", err)
		}
		// Missing status is normal for a freshly provisioned endpoint.
		return
	}

	if cached, ok := p.cache.Get(snapshot.EndpointID); ok && cached.fingerprint == fingerprint {
		status := cached.status
		snapshot.Status = &status
		snapshot.FromCache = true
	} else {
		var status schema.EndpointStatus
		if err := p.transport.ReadJSON(path, &status); err != nil {
			snapshot.Err = fmt.Sprintf("status: %v", err)
			return
		}
		snapshot.Status = &status
		p.cache.Add(snapshot.EndpointID, cachedStatus{fingerprint: fingerprint, status: status})
	}

	if snapshot.CollectedAt.Sub(snapshot.Status.Timestamp) > p.options.Stale {
		snapshot.Stale = true
	}
}

// apply records a snapshot in the registry and backoff table and
// forwards it to the sink. Runs only on the Poll goroutine.
func (p *Poller) apply(snapshot Snapshot) {
	if _, pending := p.inFlight[snapshot.EndpointID]; !pending {
		// A collection written off as hung finally returned. Its
		// failure was already recorded; the stale result is dropped.
		p.logger.Debug("discarding result from abandoned collection",
			"endpoint", snapshot.EndpointID)
		return
	}
	delete(p.inFlight, snapshot.EndpointID)
	now := p.clock.Now()

	p.registry.Apply(snapshot.EndpointID, func(e *fleet.Endpoint) {
		e.Online = snapshot.Online
		e.LastUpdate = now
		e.LastError = snapshot.Err
		if snapshot.Stale {
			e.LastError = "telemetry stale"
		}
	})

	if snapshot.Err == "" {
		if p.backoff.success(snapshot.EndpointID) {
			p.logger.Info("endpoint recovered", "endpoint", snapshot.EndpointID)
		}
	} else {
		delay, repeat, suppressed := p.backoff.failure(snapshot.EndpointID, now, snapshot.Err)
		if repeat {
			p.logger.Debug("endpoint poll still failing",
				"endpoint", snapshot.EndpointID,
				"suppressed", suppressed,
				"retry_in", delay)
		} else {
			p.logger.Warn("endpoint poll failed",
				"endpoint", snapshot.EndpointID,
				"error", snapshot.Err,
				"retry_in", delay)
		}
	}

	if p.sink != nil {
		p.sink(snapshot)
	}
}
