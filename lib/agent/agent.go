// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the endpoint-resident status reporter and
// power command consumer.
//
// On a fixed tick the agent consumes at most one pending power
// command, then rewrites the machine status document. Command
// consumption renames the command file before anything executes, so a
// command runs at most once no matter how the execution itself fares;
// the controller learns the outcome from the result document or from
// the endpoint disappearing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

// Collector gathers machine telemetry for the status document.
type Collector interface {
	Collect(ctx context.Context) (schema.EndpointStatus, error)
}

// Executor performs a validated power action.
type Executor interface {
	Execute(ctx context.Context, action string, force bool) (exitCode int, err error)
}

// Options tunes the agent. Zero values fall back to defaults.
type Options struct {
	// Interval is the status tick. Default: 5s.
	Interval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
}

// Agent runs the status/command loop for one endpoint.
type Agent struct {
	layout    schema.ShareLayout
	transport *sharefs.Transport
	collector Collector
	executor  Executor
	clock     clock.Clock
	logger    *slog.Logger
	options   Options
}

// New builds an agent.
func New(layout schema.ShareLayout, transport *sharefs.Transport, collector Collector, executor Executor, clk clock.Clock, logger *slog.Logger, options Options) *Agent {
	options.applyDefaults()
	return &Agent{
		layout:    layout,
		transport: transport,
		collector: collector,
		executor:  executor,
		clock:     clk,
		logger:    logger,
		options:   options,
	}
}

// Run ticks until ctx is canceled. The first tick runs immediately so
// a freshly booted endpoint reports without waiting a full interval.
func (a *Agent) Run(ctx context.Context) {
	a.Tick(ctx)
	ticker := a.clock.NewTicker(a.options.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick consumes a pending command, then rewrites the status document.
// Commands go first: a reboot request must not wait behind telemetry.
func (a *Agent) Tick(ctx context.Context) {
	if err := a.consumeCommand(ctx); err != nil {
		a.logger.Warn("command handling failed", "error", err)
	}
	if err := a.writeStatus(ctx); err != nil {
		a.logger.Warn("status write failed", "error", err)
	}
}

// consumeCommand handles at most one pending command file. The file
// is renamed to its done name before any execution, so a crash
// mid-execution never replays the command. Invalid commands are
// consumed the same way, with an explanatory result.
func (a *Agent) consumeCommand(ctx context.Context) error {
	path := a.layout.CommandPath()

	var command schema.Command
	err := a.transport.ReadJSON(path, &command)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		// Unparseable command file. Consume it so it cannot wedge the
		// agent, and leave a result explaining why nothing happened.
		if renameErr := a.retire(path); renameErr != nil {
			return renameErr
		}
		return a.writeResult(schema.CommandResult{
			Executed: false,
			Note:     fmt.Sprintf("unparseable command: %v", err),
		})
	}

	if renameErr := a.retire(path); renameErr != nil {
		return renameErr
	}

	result := schema.CommandResult{
		CommandID: command.CommandID,
		Action:    command.Action,
	}

	if command.Action != schema.ActionShutdown && command.Action != schema.ActionReboot {
		result.Note = fmt.Sprintf("unknown action %q", command.Action)
		a.logger.Warn("ignoring command with unknown action",
			"command_id", command.CommandID,
			"action", command.Action)
		return a.writeResult(result)
	}

	// Power actions require the force flag. A non-forced command is a
	// controller-side mistake; consume it and record it as ignored
	// rather than guessing at intent.
	if !command.Force {
		result.Note = "ignored: force flag not set"
		a.logger.Warn("ignoring non-forced power command",
			"command_id", command.CommandID,
			"action", command.Action)
		return a.writeResult(result)
	}

	a.logger.Info("executing power command",
		"command_id", command.CommandID,
		"action", command.Action,
		"force", command.Force)
	exitCode, execErr := a.executor.Execute(ctx, command.Action, command.Force)
	result.Executed = execErr == nil
	result.ExitCode = &exitCode
	if execErr != nil {
		result.Note = execErr.Error()
	}
	return a.writeResult(result)
}

// retire renames the command file to its timestamped done name.
func (a *Agent) retire(path string) error {
	doneName := fmt.Sprintf("command.done.%d.json", a.clock.Now().Unix())
	if err := os.Rename(path, filepath.Join(filepath.Dir(path), doneName)); err != nil {
		return fmt.Errorf("retiring command file: %w", err)
	}
	return nil
}

func (a *Agent) writeResult(result schema.CommandResult) error {
	result.Timestamp = a.clock.Now().UTC()
	return a.transport.WriteJSON(a.layout.CommandResultPath(), result)
}

// writeStatus collects telemetry and rewrites the status document,
// annotating it with the supervisor's state when a heartbeat exists.
func (a *Agent) writeStatus(ctx context.Context) error {
	status, err := a.collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting status: %w", err)
	}
	status.Timestamp = a.clock.Now().UTC()

	var heartbeat schema.Heartbeat
	if err := a.transport.ReadJSON(a.layout.HeartbeatPath(), &heartbeat); err == nil {
		status.PlayerState = heartbeat.State
	}

	return a.transport.WriteJSON(a.layout.StatusPath(), status)
}
