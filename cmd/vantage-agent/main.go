// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// vantage-agent runs on an endpoint next to vantage-player. It
// rewrites the machine status document on a fixed interval and
// consumes power commands dropped into the share by the controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/vantage-displays/vantage/lib/agent"
	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/process"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

type settings struct {
	// Root is the local base directory that the controller sees as
	// this endpoint's share.
	Root string `env:"VANTAGE_ROOT" envDefault:"/srv/signage"`

	// Interval is the status tick.
	Interval time.Duration `env:"VANTAGE_STATUS_INTERVAL" envDefault:"5s"`

	// DiskPath is the filesystem whose usage the status reports.
	DiskPath string `env:"VANTAGE_DISK_PATH" envDefault:"/"`

	LogLevel string `env:"VANTAGE_LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var s settings
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	flagSet := pflag.NewFlagSet("vantage-agent", pflag.ContinueOnError)
	flagSet.StringVar(&s.Root, "root", s.Root, "endpoint share directory")
	flagSet.StringVar(&s.LogLevel, "log-level", s.LogLevel, "log level: debug, info, warn, or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	clk := clock.Real()
	a := agent.New(
		schema.ShareLayout{Root: s.Root},
		sharefs.NewTransport(clk, sharefs.Options{}),
		&agent.SystemCollector{DiskPath: s.DiskPath},
		agent.SystemExecutor{},
		clk,
		logger,
		agent.Options{Interval: s.Interval},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent started", "root", s.Root, "interval", s.Interval)
	a.Run(ctx)
	return nil
}
