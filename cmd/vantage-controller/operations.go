// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/config"
	"github.com/vantage-displays/vantage/lib/fleet"
	"github.com/vantage-displays/vantage/lib/inventory"
	"github.com/vantage-displays/vantage/lib/logbundle"
	"github.com/vantage-displays/vantage/lib/mirror"
	"github.com/vantage-displays/vantage/lib/schedule"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
	"github.com/vantage-displays/vantage/lib/telemetry"
)

// Operations bundles the fleet-wide actions the controller offers.
// Every action dispatches through the shared orchestrator, so at most
// one runs at a time; a concurrent invocation gets fleet.ErrBusy back
// instead of queueing.
type Operations struct {
	config    *config.Config
	registry  *fleet.Registry
	inventory *inventory.Inventory
	transport *sharefs.Transport
	orch      *fleet.Orchestrator
	poller    *telemetry.Poller
	syncer    *mirror.Syncer
	bundler   *logbundle.Bundler
	clock     clock.Clock
	logger    *slog.Logger

	// probe is the full two-stage reachability check. Production
	// wires sharefs.Prober.Probe.
	probe func(ctx context.Context, address string) error
}

// shareRoot maps an endpoint to the local path where its share is
// mounted.
func (ops *Operations) shareRoot(endpoint fleet.Endpoint) string {
	return filepath.Join(ops.config.Paths.MountRoot, endpoint.ID)
}

func (ops *Operations) layoutFor(endpoint fleet.Endpoint) schema.ShareLayout {
	return schema.ShareLayout{Root: ops.shareRoot(endpoint)}
}

// probeFirst guards share-path work behind the reachability probe. A
// stuck share call can block for minutes, so no task touches the
// mount until the probe passes. Probe failures count the endpoint as
// skipped, not failed.
func (ops *Operations) probeFirst(ctx context.Context, endpoint fleet.Endpoint) error {
	if err := ops.probe(ctx, endpoint.Address); err != nil {
		return fmt.Errorf("%w: %v", fleet.ErrUnreachable, err)
	}
	return nil
}

// loadChannelConfig reads the endpoint's schedule document, falling
// back to default.json when the endpoint has no file of its own.
// Operator comments and trailing commas are tolerated.
func (ops *Operations) loadChannelConfig(id string) (schema.ChannelConfig, error) {
	var channelConfig schema.ChannelConfig
	candidates := []string{
		filepath.Join(ops.config.Paths.Schedules, id+".json"),
		filepath.Join(ops.config.Paths.Schedules, "default.json"),
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return channelConfig, err
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &channelConfig); err != nil {
			return channelConfig, fmt.Errorf("parsing %s: %w", path, err)
		}
		return channelConfig, nil
	}
	return channelConfig, fmt.Errorf("no schedule for endpoint %s in %s", id, ops.config.Paths.Schedules)
}

// congestionLevel reads the external congestion document. The file
// belongs to a separate monitor and may be missing, mid-rewrite, or
// annotated; anything unreadable means no override.
func (ops *Operations) congestionLevel() int {
	data, err := os.ReadFile(ops.config.Paths.Congestion)
	if err != nil {
		return 1
	}
	var status schema.CongestionStatus
	if err := json.Unmarshal(jsonc.ToJSON(data), &status); err != nil {
		ops.logger.Warn("unparseable congestion document",
			"path", ops.config.Paths.Congestion,
			"error", err)
		return 1
	}
	if status.Level < 1 {
		return 1
	}
	return status.Level
}

// ResolveActive recomputes every target's active channel from its
// schedule and the current congestion level, and reports whether any
// channel changed. An endpoint whose schedule cannot be loaded keeps
// its previous channel.
func (ops *Operations) ResolveActive() bool {
	now := ops.clock.Now()
	level := ops.congestionLevel()
	changed := false
	for _, endpoint := range ops.registry.Targets() {
		channelConfig, err := ops.loadChannelConfig(endpoint.ID)
		if err != nil {
			ops.logger.Warn("schedule unavailable",
				"endpoint", endpoint.ID,
				"error", err)
			continue
		}
		channel := schedule.Resolve(channelConfig, level, now)
		if channel == endpoint.ActiveChannel {
			continue
		}
		ops.registry.Apply(endpoint.ID, func(e *fleet.Endpoint) {
			e.ActiveChannel = channel
		})
		ops.logger.Info("active channel changed",
			"endpoint", endpoint.ID,
			"channel", channel,
			"congestion", level)
		changed = true
	}
	return changed
}

// DistributeConfig writes each target's schedule document and its
// resolved active-channel instruction into the endpoint share.
func (ops *Operations) DistributeConfig(ctx context.Context) (fleet.Summary, error) {
	type payload struct {
		config schema.ChannelConfig
		active schema.ActiveChannel
	}
	// Snapshot the per-endpoint documents up front so the tasks never
	// touch controller-local files from worker goroutines.
	payloads := make(map[string]payload)
	for _, endpoint := range ops.registry.Targets() {
		channelConfig, err := ops.loadChannelConfig(endpoint.ID)
		if err != nil {
			ops.logger.Warn("schedule unavailable, endpoint not distributed",
				"endpoint", endpoint.ID,
				"error", err)
			continue
		}
		payloads[endpoint.ID] = payload{
			config: channelConfig,
			active: schema.ActiveChannel{Channel: endpoint.ActiveChannel},
		}
	}

	return ops.orch.Run(ctx, "distribute-config", func(ctx context.Context, endpoint fleet.Endpoint) error {
		p, ok := payloads[endpoint.ID]
		if !ok {
			return fmt.Errorf("no schedule for endpoint %s", endpoint.ID)
		}
		if err := ops.probeFirst(ctx, endpoint); err != nil {
			return err
		}
		layout := ops.layoutFor(endpoint)
		if err := os.MkdirAll(layout.ConfigDir(), 0o755); err != nil {
			return err
		}
		if err := ops.transport.WriteJSON(layout.ConfigPath(), p.config); err != nil {
			return err
		}
		return ops.transport.WriteJSON(layout.ActivePath(), p.active)
	}, nil)
}

// CheckConnectivity probes every target and verifies its mount is
// visible. It changes nothing on the endpoints.
func (ops *Operations) CheckConnectivity(ctx context.Context) (fleet.Summary, error) {
	return ops.orch.Run(ctx, "check-connectivity", func(ctx context.Context, endpoint fleet.Endpoint) error {
		if err := ops.probeFirst(ctx, endpoint); err != nil {
			return err
		}
		if _, err := os.Stat(ops.shareRoot(endpoint)); err != nil {
			return fmt.Errorf("share mount: %w", err)
		}
		return nil
	}, nil)
}

// SyncContent mirrors the master content tree onto every target.
func (ops *Operations) SyncContent(ctx context.Context) (fleet.Summary, error) {
	return ops.orch.Run(ctx, "sync-content", func(ctx context.Context, endpoint fleet.Endpoint) error {
		if err := ops.probeFirst(ctx, endpoint); err != nil {
			return err
		}
		reports, err := ops.syncer.SyncEndpoint(ctx, ops.config.Paths.Content, ops.layoutFor(endpoint), ops.config.Channels)
		for _, report := range reports {
			if report.Changed() {
				ops.logger.Info("channel synced",
					"endpoint", endpoint.ID,
					"channel", report.Channel,
					"result", report.String())
			}
		}
		return err
	}, nil)
}

// CollectLogs archives every target's logs directory into the local
// bundle directory, one bundle per endpoint.
func (ops *Operations) CollectLogs(ctx context.Context) (fleet.Summary, error) {
	return ops.orch.Run(ctx, "collect-logs", func(ctx context.Context, endpoint fleet.Endpoint) error {
		if err := ops.probeFirst(ctx, endpoint); err != nil {
			return err
		}
		result, err := ops.bundler.Collect(ctx, endpoint.ID, ops.layoutFor(endpoint).LogsDir(), ops.config.Paths.LogBundles)
		if err != nil {
			return err
		}
		if result.Skipped > 0 {
			ops.logger.Warn("log files skipped during collection",
				"endpoint", endpoint.ID,
				"skipped", result.Skipped)
		}
		return nil
	}, nil)
}

// SendPowerCommand writes a fire-and-forget power command into every
// target share. There is no acknowledgement channel: callers either
// read the command result later or watch the endpoint drop offline.
// Endpoints that accepted the command are held out of telemetry
// polling while they go down.
func (ops *Operations) SendPowerCommand(ctx context.Context, action string, force bool) (fleet.Summary, error) {
	if action != schema.ActionShutdown && action != schema.ActionReboot {
		return fleet.Summary{}, fmt.Errorf("unsupported power action %q", action)
	}
	issuedBy, _ := os.Hostname()
	command := schema.Command{
		CommandID: fmt.Sprintf("cmd-%d", ops.clock.Now().UnixNano()),
		Action:    action,
		Force:     force,
		IssuedAt:  ops.clock.Now().UTC(),
		IssuedBy:  issuedBy,
	}

	return ops.orch.Run(ctx, "power-"+action, func(ctx context.Context, endpoint fleet.Endpoint) error {
		if err := ops.probeFirst(ctx, endpoint); err != nil {
			return err
		}
		layout := ops.layoutFor(endpoint)
		if err := os.MkdirAll(layout.ConfigDir(), 0o755); err != nil {
			return err
		}
		if err := ops.transport.WriteJSON(layout.CommandPath(), command); err != nil {
			return err
		}
		if ops.poller != nil {
			ops.poller.Suppress(endpoint.ID, ops.config.Fleet.PowerHold.Std())
		}
		return nil
	}, nil)
}

// SetEndpointEnabled flips the endpoint's enabled flag in the live
// registry and persists it back to the inventory file.
func (ops *Operations) SetEndpointEnabled(id string, enabled bool) error {
	if err := ops.inventory.SetEnabled(ops.transport, id, enabled); err != nil {
		return err
	}
	ops.registry.Apply(id, func(e *fleet.Endpoint) {
		e.Enabled = enabled
	})
	ops.logger.Info("endpoint enabled flag changed",
		"endpoint", id,
		"enabled", enabled)
	return nil
}
