// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package inventory loads and persists the endpoint inventory file.
//
// The inventory is hand-maintained JSON mapping endpoint IDs to their
// addressing. Operators annotate it freely, so reads tolerate // and
// /* */ comments plus trailing commas. Writes (only the enabled flag
// changes programmatically) emit plain JSON; operator comments do not
// survive a programmatic write.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tidwall/jsonc"

	"github.com/vantage-displays/vantage/lib/fleet"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

// Entry is one inventory record.
type Entry struct {
	// Address is the network address hosting the endpoint's share.
	Address string `json:"address"`

	// Share is the exported share name. Empty means the fleet default.
	Share string `json:"share,omitempty"`

	// Provisioned marks the endpoint's share tree as set up. An
	// unprovisioned endpoint is inventoried but never targeted.
	Provisioned bool `json:"provisioned"`

	// Enabled is the operator switch. Disabled endpoints stay in the
	// inventory but are never operation targets.
	Enabled bool `json:"enabled"`
}

// Inventory is the parsed inventory file.
type Inventory struct {
	path    string
	Entries map[string]Entry
}

// Load reads and parses the inventory file at path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}

	entries := make(map[string]Entry)
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}
	for id, entry := range entries {
		if id == "" {
			return nil, fmt.Errorf("inventory %s: empty endpoint ID", path)
		}
		if entry.Address == "" {
			return nil, fmt.Errorf("inventory %s: endpoint %q has no address", path, id)
		}
	}
	return &Inventory{path: path, Entries: entries}, nil
}

// IDs returns the endpoint IDs in sorted order.
func (inv *Inventory) IDs() []string {
	ids := make([]string, 0, len(inv.Entries))
	for id := range inv.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Endpoints converts the inventory to fleet endpoint records.
// defaultShare fills entries without an explicit share name.
func (inv *Inventory) Endpoints(defaultShare string) []fleet.Endpoint {
	endpoints := make([]fleet.Endpoint, 0, len(inv.Entries))
	for _, id := range inv.IDs() {
		entry := inv.Entries[id]
		share := entry.Share
		if share == "" {
			share = defaultShare
		}
		endpoints = append(endpoints, fleet.Endpoint{
			ID:          id,
			Address:     entry.Address,
			Share:       share,
			Provisioned: entry.Provisioned,
			Enabled:     entry.Enabled,
		})
	}
	return endpoints
}

// SetEnabled flips the operator switch for id and persists the whole
// inventory atomically.
func (inv *Inventory) SetEnabled(transport *sharefs.Transport, id string, enabled bool) error {
	entry, ok := inv.Entries[id]
	if !ok {
		return fmt.Errorf("endpoint %q not in inventory", id)
	}
	entry.Enabled = enabled
	inv.Entries[id] = entry
	return inv.Save(transport)
}

// Save writes the inventory back to its file as plain JSON with
// sorted keys.
func (inv *Inventory) Save(transport *sharefs.Transport) error {
	if err := transport.WriteJSON(inv.path, inv.Entries); err != nil {
		return fmt.Errorf("saving inventory: %w", err)
	}
	return nil
}
