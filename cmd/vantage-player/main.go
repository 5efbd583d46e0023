// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// vantage-player runs on an endpoint and keeps the media player
// process showing the endpoint's active channel. It reads its
// instructions from the same directory tree the controller writes
// into over the share, so it needs no network access of its own.
//
// Configuration comes from the environment; flags override it for
// interactive runs.
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

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/player"
	"github.com/vantage-displays/vantage/lib/process"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

type settings struct {
	// Root is the local base directory that the controller sees as
	// this endpoint's share.
	Root string `env:"VANTAGE_ROOT" envDefault:"/srv/signage"`

	// PlayerCommand launches the media player; the file to play is
	// appended as the last argument.
	PlayerCommand []string `env:"VANTAGE_PLAYER_CMD" envSeparator:" " envDefault:"mpv --fullscreen --no-terminal --loop-file=no"`

	// PlaceholderCommand shows a blackout window while the active
	// channel has no playable content.
	PlaceholderCommand []string `env:"VANTAGE_PLACEHOLDER_CMD" envSeparator:" " envDefault:"mpv --fullscreen --no-terminal --idle=yes --force-window=yes"`

	WatchPoll         time.Duration `env:"VANTAGE_WATCH_POLL" envDefault:"2s"`
	HeartbeatInterval time.Duration `env:"VANTAGE_HEARTBEAT_INTERVAL" envDefault:"5s"`
	RetryMissing      time.Duration `env:"VANTAGE_RETRY_MISSING" envDefault:"30s"`
	RetryPlayer       time.Duration `env:"VANTAGE_RETRY_PLAYER" envDefault:"10s"`
	StopTimeout       time.Duration `env:"VANTAGE_STOP_TIMEOUT" envDefault:"5s"`

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

	flagSet := pflag.NewFlagSet("vantage-player", pflag.ContinueOnError)
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

	if len(s.PlayerCommand) == 0 {
		return fmt.Errorf("VANTAGE_PLAYER_CMD must name a player command")
	}

	clk := clock.Real()
	supervisor := player.NewSupervisor(
		schema.ShareLayout{Root: s.Root},
		sharefs.NewTransport(clk, sharefs.Options{}),
		&player.ExecRunner{Command: s.PlayerCommand},
		&player.ExecRunner{Command: s.PlaceholderCommand},
		clk,
		logger,
		player.Options{
			WatchPoll:         s.WatchPoll,
			HeartbeatInterval: s.HeartbeatInterval,
			RetryMissing:      s.RetryMissing,
			RetryPlayer:       s.RetryPlayer,
			StopTimeout:       s.StopTimeout,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("player supervisor started", "root", s.Root, "player", s.PlayerCommand[0])
	if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
