// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"sync"
	"time"
)

// backoffState tracks retry scheduling for one endpoint.
type backoffState struct {
	failures   int
	next       time.Time
	lastError  string
	suppressed int
}

// backoffTable schedules per-endpoint retries. After each consecutive
// failure the delay doubles, starting at base and capped at max. A
// success clears the state so the endpoint polls on the normal
// schedule again. Time comparisons use the caller's clock so the
// table never consults the wall clock itself.
type backoffTable struct {
	mu     sync.Mutex
	base   time.Duration
	max    time.Duration
	states map[string]*backoffState
}

func newBackoffTable(base, max time.Duration) *backoffTable {
	return &backoffTable{base: base, max: max, states: make(map[string]*backoffState)}
}

// due reports whether the endpoint may be polled at now.
func (b *backoffTable) due(id string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[id]
	if !ok {
		return true
	}
	return !now.Before(state.next)
}

// success clears the endpoint's backoff. It reports whether the
// endpoint was previously failing, so the caller can log a recovery.
func (b *backoffTable) success(id string) (recovered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[id]
	if !ok {
		return false
	}
	delete(b.states, id)
	return state.failures > 0
}

// failure records a failed poll at now and returns the delay until
// the next attempt. repeat is true when errText matches the previous
// failure verbatim; suppressed counts how many identical failures
// have accumulated, so callers can log the first occurrence loudly
// and the repetitions quietly.
func (b *backoffTable) failure(id string, now time.Time, errText string) (delay time.Duration, repeat bool, suppressed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[id]
	if !ok {
		state = &backoffState{}
		b.states[id] = state
	}
	state.failures++

	delay = b.base << (state.failures - 1)
	if delay > b.max || delay <= 0 {
		delay = b.max
	}
	state.next = now.Add(delay)

	repeat = state.failures > 1 && errText == state.lastError
	if repeat {
		state.suppressed++
	} else {
		state.suppressed = 0
	}
	state.lastError = errText
	return delay, repeat, state.suppressed
}

// hold keeps the endpoint out of polling until now+d without touching
// its failure count. An existing later deadline is left alone.
func (b *backoffTable) hold(id string, now time.Time, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[id]
	if !ok {
		state = &backoffState{}
		b.states[id] = state
	}
	if until := now.Add(d); until.After(state.next) {
		state.next = until
	}
}
