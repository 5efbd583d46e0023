// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

type fakeCollector struct {
	status schema.EndpointStatus
	err    error
}

func (c *fakeCollector) Collect(ctx context.Context) (schema.EndpointStatus, error) {
	return c.status, c.err
}

type fakeExecutor struct {
	calls    []string
	exitCode int
	err      error
}

func (e *fakeExecutor) Execute(ctx context.Context, action string, force bool) (int, error) {
	call := action
	if force {
		call += "+force"
	}
	e.calls = append(e.calls, call)
	return e.exitCode, e.err
}

type agentFixture struct {
	layout    schema.ShareLayout
	transport *sharefs.Transport
	clock     *clock.FakeClock
	collector *fakeCollector
	executor  *fakeExecutor
	agent     *Agent
}

func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()
	f := &agentFixture{
		layout:    schema.ShareLayout{Root: t.TempDir()},
		clock:     clock.Fake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
		collector: &fakeCollector{status: schema.EndpointStatus{Host: "SIGN01-PC", CPUPercent: 7}},
		executor:  &fakeExecutor{},
	}
	// The transport gets a real clock so read-retry backoff sleeps
	// microseconds instead of blocking on the fake clock.
	f.transport = sharefs.NewTransport(clock.Real(), sharefs.Options{
		ReadBackoffBase: time.Microsecond,
		ReadBackoffCap:  time.Microsecond,
	})
	for _, dir := range []string{f.layout.ConfigDir(), f.layout.StatusDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("creating %s: %v", dir, err)
		}
	}
	f.agent = New(f.layout, f.transport, f.collector, f.executor, f.clock,
		slog.New(slog.NewTextHandler(io.Discard, nil)), Options{})
	return f
}

func (f *agentFixture) writeCommand(t *testing.T, command schema.Command) {
	t.Helper()
	if err := f.transport.WriteJSON(f.layout.CommandPath(), command); err != nil {
		t.Fatalf("writing command: %v", err)
	}
}

func (f *agentFixture) readResult(t *testing.T) schema.CommandResult {
	t.Helper()
	var result schema.CommandResult
	if err := f.transport.ReadJSON(f.layout.CommandResultPath(), &result); err != nil {
		t.Fatalf("reading command result: %v", err)
	}
	return result
}

func (f *agentFixture) doneFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.layout.ConfigDir())
	if err != nil {
		t.Fatalf("listing config dir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "command.done.") {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestTickWritesStatus(t *testing.T) {
	f := newAgentFixture(t)
	f.agent.Tick(context.Background())

	var status schema.EndpointStatus
	if err := f.transport.ReadJSON(f.layout.StatusPath(), &status); err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if status.Host != "SIGN01-PC" || status.CPUPercent != 7 {
		t.Fatalf("status = %+v", status)
	}
	if !status.Timestamp.Equal(f.clock.Now()) {
		t.Fatalf("status timestamp = %v, want %v", status.Timestamp, f.clock.Now())
	}
	if status.PlayerState != "" {
		t.Fatalf("player state = %q with no heartbeat on disk", status.PlayerState)
	}
}

func TestTickAnnotatesPlayerState(t *testing.T) {
	f := newAgentFixture(t)
	heartbeat := schema.Heartbeat{Timestamp: f.clock.Now(), State: "playing", PID: 123}
	if err := f.transport.WriteJSON(f.layout.HeartbeatPath(), heartbeat); err != nil {
		t.Fatalf("writing heartbeat: %v", err)
	}

	f.agent.Tick(context.Background())

	var status schema.EndpointStatus
	if err := f.transport.ReadJSON(f.layout.StatusPath(), &status); err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if status.PlayerState != "playing" {
		t.Fatalf("player state = %q, want playing", status.PlayerState)
	}
}

func TestCommandExecutedExactlyOnce(t *testing.T) {
	f := newAgentFixture(t)
	f.writeCommand(t, schema.Command{
		CommandID: "cmd-001",
		Action:    schema.ActionReboot,
		Force:     true,
		IssuedAt:  f.clock.Now(),
	})

	f.agent.Tick(context.Background())
	f.agent.Tick(context.Background())

	if len(f.executor.calls) != 1 || f.executor.calls[0] != "reboot+force" {
		t.Fatalf("executor calls = %v, want one forced reboot", f.executor.calls)
	}

	result := f.readResult(t)
	if result.CommandID != "cmd-001" || !result.Executed {
		t.Fatalf("result = %+v", result)
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		t.Fatalf("result exit code = %v, want 0", result.ExitCode)
	}

	done := f.doneFiles(t)
	if len(done) != 1 {
		t.Fatalf("done files = %v, want exactly one", done)
	}
	wantName := "command.done." + timestamp(f.clock.Now()) + ".json"
	if done[0] != wantName {
		t.Fatalf("done file = %q, want %q", done[0], wantName)
	}
	if _, err := os.Stat(f.layout.CommandPath()); !os.IsNotExist(err) {
		t.Fatal("command.json still present after consumption")
	}
}

func timestamp(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10)
}

func TestUnknownActionConsumedNotExecuted(t *testing.T) {
	f := newAgentFixture(t)
	f.writeCommand(t, schema.Command{CommandID: "cmd-002", Action: "format-disk"})

	f.agent.Tick(context.Background())

	if len(f.executor.calls) != 0 {
		t.Fatalf("executor calls = %v, want none", f.executor.calls)
	}
	result := f.readResult(t)
	if result.Executed || !strings.Contains(result.Note, "unknown action") {
		t.Fatalf("result = %+v", result)
	}
	if len(f.doneFiles(t)) != 1 {
		t.Fatal("unknown-action command was not retired")
	}
}

func TestNonForcedCommandConsumedNotExecuted(t *testing.T) {
	f := newAgentFixture(t)
	f.writeCommand(t, schema.Command{
		CommandID: "cmd-003",
		Action:    schema.ActionShutdown,
		Force:     false,
		IssuedAt:  f.clock.Now(),
	})

	f.agent.Tick(context.Background())
	f.agent.Tick(context.Background())

	if len(f.executor.calls) != 0 {
		t.Fatalf("executor calls = %v, want none without force", f.executor.calls)
	}
	result := f.readResult(t)
	if result.Executed || !strings.Contains(result.Note, "force") {
		t.Fatalf("result = %+v", result)
	}
	if len(f.doneFiles(t)) != 1 {
		t.Fatal("non-forced command was not retired")
	}
	if _, err := os.Stat(f.layout.CommandPath()); !os.IsNotExist(err) {
		t.Fatal("command.json still present after consumption")
	}
}

func TestUnparseableCommandConsumed(t *testing.T) {
	f := newAgentFixture(t)
	if err := os.WriteFile(f.layout.CommandPath(), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("planting corrupt command: %v", err)
	}

	f.agent.Tick(context.Background())

	if len(f.executor.calls) != 0 {
		t.Fatalf("executor calls = %v, want none", f.executor.calls)
	}
	result := f.readResult(t)
	if result.Executed || !strings.Contains(result.Note, "unparseable") {
		t.Fatalf("result = %+v", result)
	}
	if len(f.doneFiles(t)) != 1 {
		t.Fatal("corrupt command was not retired")
	}
}

func TestFailedExecutionReported(t *testing.T) {
	f := newAgentFixture(t)
	f.executor.exitCode = 1
	f.executor.err = errors.New("poweroff: permission denied")
	f.writeCommand(t, schema.Command{CommandID: "cmd-003", Action: schema.ActionShutdown, Force: true})

	f.agent.Tick(context.Background())

	result := f.readResult(t)
	if result.Executed {
		t.Fatal("failed execution reported as executed")
	}
	if result.ExitCode == nil || *result.ExitCode != 1 {
		t.Fatalf("result exit code = %v, want 1", result.ExitCode)
	}
	if !strings.Contains(result.Note, "permission denied") {
		t.Fatalf("result note = %q", result.Note)
	}
	// The command is consumed even though it failed; retry is an
	// operator decision, not an agent loop.
	if len(f.doneFiles(t)) != 1 {
		t.Fatal("failed command was not retired")
	}
}
