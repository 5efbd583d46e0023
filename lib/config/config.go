// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Vantage
// controller.
//
// Configuration is loaded from a single file specified by:
//   - VANTAGE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for the Vantage controller.
type Config struct {
	// Paths configures directory and file locations.
	Paths PathsConfig `yaml:"paths"`

	// Channels lists the channel names the controller manages, e.g.
	// ["ch01", "ch02"]. The order is the display order in summaries.
	Channels []string `yaml:"channels"`

	// Telemetry configures the background status poller.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Fleet configures fleet-wide operation dispatch.
	Fleet FleetConfig `yaml:"fleet"`

	// Sync configures content mirroring.
	Sync SyncConfig `yaml:"sync"`

	// Schedule configures active-channel recomputation.
	Schedule ScheduleConfig `yaml:"schedule"`
}

// PathsConfig configures directory and file locations.
type PathsConfig struct {
	// Inventory is the endpoint inventory file. Operator comments in
	// the file are tolerated.
	Inventory string `yaml:"inventory"`

	// Content is the local master content tree, one subdirectory per
	// channel.
	Content string `yaml:"content"`

	// Congestion is the shared file carrying the current network
	// congestion level, published by an external monitor.
	Congestion string `yaml:"congestion"`

	// Schedules is the local directory holding per-endpoint channel
	// schedules (<endpoint-id>.json) plus a default.json used for
	// endpoints without their own file. Operator comments are
	// tolerated.
	Schedules string `yaml:"schedules"`

	// MountRoot is the directory under which each endpoint's share
	// is mounted, one subdirectory per endpoint ID.
	MountRoot string `yaml:"mount_root"`

	// History is the SQLite database recording telemetry snapshots.
	History string `yaml:"history"`

	// LogBundles is the local directory receiving archived endpoint
	// logs.
	LogBundles string `yaml:"log_bundles"`
}

// TelemetryConfig configures the background status poller.
type TelemetryConfig struct {
	// Interval is the poll tick. Default: 10s.
	Interval Duration `yaml:"interval"`

	// BatchSize is the maximum endpoints polled per tick. Default: 6.
	BatchSize int `yaml:"batch_size"`

	// PendingTimeout bounds harvesting of results already in flight.
	// Default: 2s.
	PendingTimeout Duration `yaml:"pending_timeout"`

	// ProbeTimeout is the fast share-port probe timeout. Default: 200ms.
	ProbeTimeout Duration `yaml:"probe_timeout"`

	// BackoffBase is the first retry delay after a failure. Default: 10s.
	BackoffBase Duration `yaml:"backoff_base"`

	// BackoffMax caps the exponential retry delay. Default: 5m.
	BackoffMax Duration `yaml:"backoff_max"`

	// Stale is how old a status may be before the endpoint is shown
	// as unknown. Default: 2m.
	Stale Duration `yaml:"stale"`
}

// FleetConfig configures fleet-wide operation dispatch.
type FleetConfig struct {
	// Workers is the shared worker pool size. Default: 8.
	Workers int `yaml:"workers"`

	// DefaultShare is the share name used for endpoints whose
	// inventory entry does not name one. Default: "signage".
	DefaultShare string `yaml:"default_share"`

	// PowerHold is how long telemetry polling skips an endpoint after
	// a power command, while it is expected to be off the network.
	// Default: 60s.
	PowerHold Duration `yaml:"power_hold"`

	// PerEndpoint scales the operation deadline with target count.
	// Default: 600ms.
	PerEndpoint Duration `yaml:"per_endpoint"`

	// MinDeadline and MaxDeadline clamp the scaled deadline.
	// Defaults: 1s and 12s.
	MinDeadline Duration `yaml:"min_deadline"`
	MaxDeadline Duration `yaml:"max_deadline"`
}

// SyncConfig configures content mirroring.
type SyncConfig struct {
	// Verify enables content hashing during sync planning. Without it
	// only size and timestamps decide whether a file is stale.
	Verify bool `yaml:"verify"`

	// StrictFingerprint includes the change timestamp in file
	// comparison. Some shares report unstable change times; those
	// fleets run loose.
	StrictFingerprint bool `yaml:"strict_fingerprint"`
}

// ScheduleConfig configures active-channel recomputation.
type ScheduleConfig struct {
	// Interval is how often active channels are recomputed and, when
	// changed, redistributed. Default: 1m.
	Interval Duration `yaml:"interval"`

	// FullInterval is how often a full pass runs regardless of
	// change: distribute every config and mirror every channel, so
	// endpoints that missed a delta converge anyway. Default: 1h.
	FullInterval Duration `yaml:"full_interval"`
}

// Default returns the default configuration. The config file is still
// required; these exist so every field has a sensible zero-value.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "vantage")

	return &Config{
		Paths: PathsConfig{
			Inventory:  filepath.Join(defaultRoot, "inventory.json"),
			Content:    filepath.Join(defaultRoot, "content"),
			Congestion: filepath.Join(defaultRoot, "congestion.json"),
			Schedules:  filepath.Join(defaultRoot, "schedules"),
			MountRoot:  filepath.Join(defaultRoot, "mounts"),
			History:    filepath.Join(defaultRoot, "history.db"),
			LogBundles: filepath.Join(defaultRoot, "log-bundles"),
		},
		Channels: []string{"ch01", "ch02", "ch03", "ch04", "ch05"},
		Telemetry: TelemetryConfig{
			Interval:       Duration(10 * time.Second),
			BatchSize:      6,
			PendingTimeout: Duration(2 * time.Second),
			ProbeTimeout:   Duration(200 * time.Millisecond),
			BackoffBase:    Duration(10 * time.Second),
			BackoffMax:     Duration(5 * time.Minute),
			Stale:          Duration(2 * time.Minute),
		},
		Fleet: FleetConfig{
			Workers:      8,
			DefaultShare: "signage",
			PowerHold:    Duration(time.Minute),
			PerEndpoint:  Duration(600 * time.Millisecond),
			MinDeadline:  Duration(time.Second),
			MaxDeadline:  Duration(12 * time.Second),
		},
		Sync: SyncConfig{
			Verify:            false,
			StrictFingerprint: true,
		},
		Schedule: ScheduleConfig{
			Interval:     Duration(time.Minute),
			FullInterval: Duration(time.Hour),
		},
	}
}

// Load loads configuration from the VANTAGE_CONFIG environment
// variable. There are no fallbacks: if VANTAGE_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("VANTAGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("VANTAGE_CONFIG environment variable not set; " +
			"set it to the path of your vantage.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults. Environment variables do not override config
// values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Inventory == "" {
		errs = append(errs, fmt.Errorf("paths.inventory is required"))
	}
	if c.Paths.Content == "" {
		errs = append(errs, fmt.Errorf("paths.content is required"))
	}
	if c.Paths.MountRoot == "" {
		errs = append(errs, fmt.Errorf("paths.mount_root is required"))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, fmt.Errorf("channels must list at least one channel"))
	}
	for _, channel := range c.Channels {
		if channel == "" {
			errs = append(errs, fmt.Errorf("channels must not contain empty names"))
			break
		}
	}
	if c.Telemetry.Interval <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.interval must be positive"))
	}
	if c.Telemetry.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.batch_size must be positive"))
	}
	if c.Telemetry.BackoffBase <= 0 || c.Telemetry.BackoffMax < c.Telemetry.BackoffBase {
		errs = append(errs, fmt.Errorf("telemetry backoff bounds invalid: base=%v max=%v",
			c.Telemetry.BackoffBase.Std(), c.Telemetry.BackoffMax.Std()))
	}
	if c.Fleet.Workers <= 0 {
		errs = append(errs, fmt.Errorf("fleet.workers must be positive"))
	}
	if c.Fleet.MinDeadline > c.Fleet.MaxDeadline {
		errs = append(errs, fmt.Errorf("fleet deadline bounds invalid: min=%v max=%v",
			c.Fleet.MinDeadline.Std(), c.Fleet.MaxDeadline.Std()))
	}
	if c.Schedule.Interval <= 0 {
		errs = append(errs, fmt.Errorf("schedule.interval must be positive"))
	}
	if c.Schedule.FullInterval <= 0 {
		errs = append(errs, fmt.Errorf("schedule.full_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured local directories if they don't
// exist. Remote share paths are never created here.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Content,
		c.Paths.Schedules,
		c.Paths.LogBundles,
		filepath.Dir(c.Paths.History),
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
