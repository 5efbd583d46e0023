// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// vantage-controller is the fleet-side daemon. It owns the master
// content tree and the endpoint inventory, resolves each endpoint's
// active channel from its schedule and the external congestion
// signal, and pushes configuration, content, and power commands over
// the endpoints' file shares. All endpoint communication is files on
// those shares; there is no network protocol beyond the mounts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/config"
	"github.com/vantage-displays/vantage/lib/fleet"
	"github.com/vantage-displays/vantage/lib/history"
	"github.com/vantage-displays/vantage/lib/inventory"
	"github.com/vantage-displays/vantage/lib/logbundle"
	"github.com/vantage-displays/vantage/lib/mirror"
	"github.com/vantage-displays/vantage/lib/process"
	"github.com/vantage-displays/vantage/lib/sharefs"
	"github.com/vantage-displays/vantage/lib/telemetry"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var logLevel string
	var bundleCodec string

	flagSet := pflag.NewFlagSet("vantage-controller", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to vantage.yaml (overrides VANTAGE_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.StringVar(&bundleCodec, "bundle-codec", "", "log bundle compression: zstd (default) or lz4")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	codec, err := logbundle.ParseCodec(bundleCodec)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	inv, err := inventory.Load(cfg.Paths.Inventory)
	if err != nil {
		return fmt.Errorf("loading inventory: %w", err)
	}
	registry := fleet.NewRegistry(inv.Endpoints(cfg.Fleet.DefaultShare))

	clk := clock.Real()
	transport := sharefs.NewTransport(clk, sharefs.Options{})
	prober := sharefs.NewProber()
	if d := cfg.Telemetry.ProbeTimeout.Std(); d > 0 {
		prober.FastDialTimeout = d
	}

	store, err := history.Open(cfg.Paths.History, clk, logger, history.Options{})
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	orch := fleet.NewOrchestrator(registry, clk, logger, fleet.Options{
		Workers:     cfg.Fleet.Workers,
		PerEndpoint: cfg.Fleet.PerEndpoint.Std(),
		MinDeadline: cfg.Fleet.MinDeadline.Std(),
		MaxDeadline: cfg.Fleet.MaxDeadline.Std(),
	})
	defer orch.Close()

	shareRoot := func(endpoint fleet.Endpoint) string {
		return filepath.Join(cfg.Paths.MountRoot, endpoint.ID)
	}
	sink := func(snapshot telemetry.Snapshot) {
		if err := store.Record(context.Background(), snapshot); err != nil {
			logger.Warn("recording telemetry",
				"endpoint", snapshot.EndpointID,
				"error", err)
		}
	}
	poller := telemetry.NewPoller(registry, transport, prober.ProbeFast, shareRoot, clk, logger, telemetry.Options{
		Interval:       cfg.Telemetry.Interval.Std(),
		BatchSize:      cfg.Telemetry.BatchSize,
		PendingTimeout: cfg.Telemetry.PendingTimeout.Std(),
		BackoffBase:    cfg.Telemetry.BackoffBase.Std(),
		BackoffMax:     cfg.Telemetry.BackoffMax.Std(),
		Stale:          cfg.Telemetry.Stale.Std(),
	}, sink)

	syncer := mirror.NewSyncer(transport, logger)
	syncer.Strict = cfg.Sync.StrictFingerprint
	syncer.Verify = cfg.Sync.Verify

	ops := &Operations{
		config:    cfg,
		registry:  registry,
		inventory: inv,
		transport: transport,
		orch:      orch,
		poller:    poller,
		syncer:    syncer,
		bundler:   logbundle.NewBundler(clk, logger, codec),
		clock:     clk,
		logger:    logger,
		probe:     prober.Probe,
	}
	controller := &Controller{
		ops:    ops,
		store:  store,
		clock:  clk,
		logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("controller started",
		"endpoints", len(registry.All()),
		"targets", len(registry.Targets()),
		"channels", cfg.Channels)

	go poller.Run(ctx)
	return controller.Run(ctx)
}
