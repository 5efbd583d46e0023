// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
)

// ErrBusy is returned synchronously when an operation is requested
// while another fleet operation is still running. Operations are
// never queued; the caller retries when the fleet is idle.
var ErrBusy = errors.New("fleet operation already in progress")

// Task is one unit of endpoint work. It must honor ctx: the
// orchestrator abandons tasks that outlive the operation deadline but
// cannot interrupt them, so a task that ignores ctx occupies a worker
// until it returns on its own.
type Task func(ctx context.Context, endpoint Endpoint) error

// EndpointResult is the per-endpoint outcome delivered to the
// progress callback and recorded in the Summary.
type EndpointResult struct {
	EndpointID string
	Reason     Reason
	Detail     string
	Elapsed    time.Duration
}

// Summary aggregates one fleet operation. Unreachable endpoints count
// as skipped, not failed: a powered-off display is an expected state,
// not an operation error.
type Summary struct {
	Operation string
	OK        int
	Skipped   int
	Errors    int
	Results   []EndpointResult
}

// Failed reports whether the operation should be surfaced as a
// failure to the operator.
func (s Summary) Failed() bool { return s.Errors > 0 }

func (s Summary) String() string {
	return fmt.Sprintf("%s: ok=%d skipped=%d errors=%d", s.Operation, s.OK, s.Skipped, s.Errors)
}

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	// Workers is the size of the shared worker pool. All operation
	// kinds draw from the same pool, so a stuck worker reduces
	// capacity for every subsequent operation until it returns.
	Workers int

	// PerEndpoint scales the operation deadline with target count.
	PerEndpoint time.Duration

	// MinDeadline and MaxDeadline clamp the scaled deadline.
	MinDeadline time.Duration
	MaxDeadline time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.PerEndpoint <= 0 {
		o.PerEndpoint = 600 * time.Millisecond
	}
	if o.MinDeadline <= 0 {
		o.MinDeadline = time.Second
	}
	if o.MaxDeadline <= 0 {
		o.MaxDeadline = 12 * time.Second
	}
}

// Orchestrator fans a Task out across the registry's targets through
// a fixed worker pool, enforcing one operation at a time.
type Orchestrator struct {
	registry *Registry
	clock    clock.Clock
	logger   *slog.Logger
	options  Options

	work chan workItem
	busy chan struct{}
}

type workItem struct {
	ctx      context.Context
	endpoint Endpoint
	task     Task
	results  chan<- workResult
	started  time.Time
}

type workResult struct {
	endpoint Endpoint
	err      error
	elapsed  time.Duration
}

// NewOrchestrator starts the worker pool. Close stops it.
func NewOrchestrator(registry *Registry, clk clock.Clock, logger *slog.Logger, options Options) *Orchestrator {
	options.applyDefaults()
	o := &Orchestrator{
		registry: registry,
		clock:    clk,
		logger:   logger,
		options:  options,
		work:     make(chan workItem),
		busy:     make(chan struct{}, 1),
	}
	for i := 0; i < options.Workers; i++ {
		go o.worker()
	}
	return o
}

// Close stops the worker pool. Workers finish their current task
// first; Close does not wait for them.
func (o *Orchestrator) Close() { close(o.work) }

func (o *Orchestrator) worker() {
	for item := range o.work {
		err := item.task(item.ctx, item.endpoint)
		// The results channel is buffered to the full target count,
		// so this send never blocks even when the operation has
		// already given up on us and stopped reading.
		item.results <- workResult{
			endpoint: item.endpoint,
			err:      err,
			elapsed:  o.clock.Now().Sub(item.started),
		}
	}
}

// Deadline returns the operation deadline for n targets:
// n*PerEndpoint clamped to [MinDeadline, MaxDeadline].
func (o *Orchestrator) Deadline(n int) time.Duration {
	d := time.Duration(n) * o.options.PerEndpoint
	if d < o.options.MinDeadline {
		d = o.options.MinDeadline
	}
	if d > o.options.MaxDeadline {
		d = o.options.MaxDeadline
	}
	return d
}

// Run executes task against every current target. It rejects with
// ErrBusy if another operation is in flight. progress, if non-nil, is
// called from the orchestration goroutine as each result lands.
//
// Endpoints whose task has not finished by the operation deadline are
// recorded as timeouts and abandoned: their workers keep running until
// the task returns, but the result is discarded.
func (o *Orchestrator) Run(ctx context.Context, operation string, task Task, progress func(EndpointResult)) (Summary, error) {
	select {
	case o.busy <- struct{}{}:
	default:
		return Summary{}, ErrBusy
	}
	defer func() { <-o.busy }()

	targets := o.registry.Targets()
	summary := Summary{Operation: operation}
	if len(targets) == 0 {
		return summary, nil
	}

	deadline := o.Deadline(len(targets))
	expired := o.clock.After(deadline)
	results := make(chan workResult, len(targets))

	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	o.logger.Info("fleet operation started",
		"operation", operation,
		"targets", len(targets),
		"deadline", deadline)

	pending := make(map[string]Endpoint, len(targets))
	for _, endpoint := range targets {
		pending[endpoint.ID] = endpoint
	}

	submit := targets
	for len(pending) > 0 {
		// Feed the pool and collect in one loop so that a full pool
		// never stops us from noticing the deadline.
		var workCh chan workItem
		var item workItem
		if len(submit) > 0 {
			workCh = o.work
			item = workItem{
				ctx:      opCtx,
				endpoint: submit[0],
				task:     task,
				results:  results,
				started:  o.clock.Now(),
			}
		}
		select {
		case workCh <- item:
			submit = submit[1:]
			continue
		case result := <-results:
			delete(pending, result.endpoint.ID)
			o.record(&summary, result.endpoint, result.err, result.elapsed, progress)
		case <-expired:
			// Results that raced the deadline still count.
			for {
				select {
				case result := <-results:
					delete(pending, result.endpoint.ID)
					o.record(&summary, result.endpoint, result.err, result.elapsed, progress)
					continue
				default:
				}
				break
			}
			for _, endpoint := range pending {
				o.record(&summary, endpoint, context.DeadlineExceeded, deadline, progress)
			}
			pending = nil
		case <-ctx.Done():
			for _, endpoint := range pending {
				o.record(&summary, endpoint, ctx.Err(), 0, progress)
			}
			pending = nil
		}
	}

	o.logger.Info("fleet operation finished",
		"operation", operation,
		"ok", summary.OK,
		"skipped", summary.Skipped,
		"errors", summary.Errors)
	return summary, nil
}

func (o *Orchestrator) record(summary *Summary, endpoint Endpoint, err error, elapsed time.Duration, progress func(EndpointResult)) {
	result := EndpointResult{
		EndpointID: endpoint.ID,
		Reason:     Classify(err),
		Elapsed:    elapsed,
	}
	if err != nil {
		result.Detail = err.Error()
	}
	switch result.Reason {
	case ReasonOK:
		summary.OK++
	case ReasonUnreachable:
		summary.Skipped++
	default:
		summary.Errors++
	}

	now := o.clock.Now()
	o.registry.Apply(endpoint.ID, func(e *Endpoint) {
		e.LastUpdate = now
		switch result.Reason {
		case ReasonOK:
			e.Online = true
			e.LastError = ""
		case ReasonUnreachable:
			e.Online = false
			e.LastError = result.Detail
		default:
			e.LastError = result.Detail
		}
	})

	if result.Reason != ReasonOK {
		o.logger.Warn("endpoint operation result",
			"operation", summary.Operation,
			"endpoint", endpoint.ID,
			"reason", result.Reason,
			"detail", result.Detail)
	}
	summary.Results = append(summary.Results, result)
	if progress != nil {
		progress(result)
	}
}
