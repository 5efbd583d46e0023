// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet holds the in-memory fleet model and the orchestrator
// that fans operations out to endpoints under bounded concurrency.
package fleet

import (
	"sort"
	"sync"
	"time"
)

// Endpoint is one managed display machine. Identity and addressing
// come from the inventory; the remaining fields are runtime state
// mutated only through Registry.Apply by the orchestrator and the
// telemetry poller when results land.
type Endpoint struct {
	// ID is the inventory key, e.g. "sign04".
	ID string

	// Address is the network address hosting the endpoint's share.
	Address string

	// Share is the exported share name on Address.
	Share string

	// Provisioned records whether the endpoint exists in inventory.
	// Deprovisioned entries stay visible (an operator may re-enable
	// them) but are never operation targets.
	Provisioned bool

	// Enabled is the operator switch, persisted back to inventory.
	Enabled bool

	Online        bool
	LastError     string
	LastUpdate    time.Time
	ActiveChannel string
}

// Target reports whether fleet operations should touch this endpoint.
func (e Endpoint) Target() bool { return e.Provisioned && e.Enabled }

// Registry owns the endpoint records. Reads return copies; all
// mutation funnels through Apply so that result application stays a
// single code path (worker tasks return values, they never mutate
// shared state directly).
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	order     []string
}

// NewRegistry builds a registry from the given endpoints, preserving
// a stable sorted iteration order by ID.
func NewRegistry(endpoints []Endpoint) *Registry {
	r := &Registry{endpoints: make(map[string]*Endpoint, len(endpoints))}
	for _, endpoint := range endpoints {
		e := endpoint
		r.endpoints[e.ID] = &e
		r.order = append(r.order, e.ID)
	}
	sort.Strings(r.order)
	return r
}

// Get returns a copy of the endpoint record.
func (r *Registry) Get(id string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return *endpoint, true
}

// All returns copies of every endpoint in stable ID order.
func (r *Registry) All() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Endpoint, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, *r.endpoints[id])
	}
	return result
}

// Targets returns copies of the endpoints eligible for fleet
// operations (provisioned and enabled), in stable ID order.
func (r *Registry) Targets() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Endpoint
	for _, id := range r.order {
		if endpoint := r.endpoints[id]; endpoint.Target() {
			result = append(result, *endpoint)
		}
	}
	return result
}

// Apply runs fn against the live record for id under the registry
// lock. It is the only mutation path; callers are the orchestration
// and poller result-application code.
func (r *Registry) Apply(id string, fn func(*Endpoint)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoint, ok := r.endpoints[id]
	if !ok {
		return false
	}
	fn(endpoint)
	return true
}
