// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

// fakeProcess is a controllable playback process.
type fakeProcess struct {
	file       string
	pid        int
	ignoreTerm bool

	once   sync.Once
	done   chan struct{}
	err    error
	mu     sync.Mutex
	killed bool
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return p.err }
func (p *fakeProcess) PID() int              { return p.pid }

func (p *fakeProcess) Terminate() error {
	if p.ignoreTerm {
		return nil
	}
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("killed"))
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeRunner hands out fakeProcesses and reports each start.
type fakeRunner struct {
	mu         sync.Mutex
	nextPID    int
	startErr   error
	ignoreTerm bool
	started    chan *fakeProcess
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{nextPID: 4000, started: make(chan *fakeProcess, 16)}
}

func (r *fakeRunner) Start(ctx context.Context, file string) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.nextPID++
	p := &fakeProcess{
		file:       file,
		pid:        r.nextPID,
		ignoreTerm: r.ignoreTerm,
		done:       make(chan struct{}),
	}
	r.started <- p
	return p, nil
}

// fixture wires a supervisor over a temp share tree with fast timing.
type fixture struct {
	layout      schema.ShareLayout
	transport   *sharefs.Transport
	runner      *fakeRunner
	placeholder *fakeRunner
	supervisor  *Supervisor
	cancel      context.CancelFunc
	finished    chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		layout:      schema.ShareLayout{Root: t.TempDir()},
		runner:      newFakeRunner(),
		placeholder: newFakeRunner(),
	}
	f.transport = sharefs.NewTransport(clock.Real(), sharefs.Options{
		RenameBackoffBase: time.Microsecond,
		RenameBackoffCap:  time.Microsecond,
		ReadBackoffBase:   time.Microsecond,
		ReadBackoffCap:    time.Microsecond,
	})
	if err := os.MkdirAll(f.layout.ConfigDir(), 0o755); err != nil {
		t.Fatalf("creating config dir: %v", err)
	}
	f.supervisor = NewSupervisor(f.layout, f.transport, f.runner, f.placeholder,
		clock.Real(), slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
			WatchPoll:         5 * time.Millisecond,
			HeartbeatInterval: 5 * time.Millisecond,
			RetryMissing:      25 * time.Millisecond,
			RetryPlayer:       10 * time.Millisecond,
			StopTimeout:       25 * time.Millisecond,
		})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.finished = make(chan struct{})
	go func() {
		f.supervisor.Run(ctx)
		close(f.finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.finished:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
}

func (f *fixture) setActive(t *testing.T, channel string) {
	t.Helper()
	if err := f.transport.WriteJSON(f.layout.ActivePath(), schema.ActiveChannel{Channel: channel}); err != nil {
		t.Fatalf("writing channel instruction: %v", err)
	}
}

func (f *fixture) addContent(t *testing.T, channel string, names ...string) {
	t.Helper()
	dir := f.layout.ChannelDir(channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating channel dir: %v", err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
}

func (f *fixture) nextStart(t *testing.T, r *fakeRunner) *fakeProcess {
	t.Helper()
	select {
	case p := <-r.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("player never started")
		return nil
	}
}

// awaitHeartbeat polls the heartbeat file until cond holds.
func (f *fixture) awaitHeartbeat(t *testing.T, cond func(schema.Heartbeat) bool) schema.Heartbeat {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		var heartbeat schema.Heartbeat
		err := f.transport.ReadJSON(f.layout.HeartbeatPath(), &heartbeat)
		if err == nil && cond(heartbeat) {
			return heartbeat
		}
		select {
		case <-deadline:
			t.Fatalf("heartbeat never matched; last: %+v (err %v)", heartbeat, err)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestPlaysPlaylistInOrderAndLoops(t *testing.T) {
	f := newFixture(t)
	f.setActive(t, "ch01")
	f.addContent(t, "ch01", "b_second.mp4", "a_first.mp4", "notes.txt")
	f.start(t)

	first := f.nextStart(t, f.runner)
	if filepath.Base(first.file) != "a_first.mp4" {
		t.Fatalf("first file = %q, want a_first.mp4", first.file)
	}
	f.awaitHeartbeat(t, func(h schema.Heartbeat) bool {
		return h.State == string(StatePlaying) && h.CurrentFile == "a_first.mp4"
	})
	first.exit(nil)

	second := f.nextStart(t, f.runner)
	if filepath.Base(second.file) != "b_second.mp4" {
		t.Fatalf("second file = %q, want b_second.mp4", second.file)
	}
	second.exit(nil)

	// Wrap around: back to the first file with the loop counted.
	third := f.nextStart(t, f.runner)
	if filepath.Base(third.file) != "a_first.mp4" {
		t.Fatalf("third file = %q, want a_first.mp4", third.file)
	}
	f.awaitHeartbeat(t, func(h schema.Heartbeat) bool {
		return h.LoopCount == 1 && h.Index == 0
	})
}

func TestPlaceholderWhenNoContent(t *testing.T) {
	f := newFixture(t)
	f.setActive(t, "ch01")
	f.addContent(t, "ch01") // directory exists, nothing playable
	f.start(t)

	placeholder := f.nextStart(t, f.placeholder)
	// A blackout screen is not playback; the heartbeat reports the
	// fault so operators see the channel is empty.
	heartbeat := f.awaitHeartbeat(t, func(h schema.Heartbeat) bool {
		return h.State == string(StateFaulted) && h.Error != ""
	})
	if heartbeat.PlayerPID < placeholder.pid {
		t.Fatalf("heartbeat player pid = %d, want a placeholder pid >= %d", heartbeat.PlayerPID, placeholder.pid)
	}

	// Content arriving switches from placeholder to the real player.
	f.addContent(t, "ch01", "spot.mp4")
	started := f.nextStart(t, f.runner)
	if filepath.Base(started.file) != "spot.mp4" {
		t.Fatalf("player started with %q, want spot.mp4", started.file)
	}
	select {
	case <-placeholder.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("placeholder not stopped after content arrived")
	}
}

func TestFaultedUntilInstructionAppears(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.awaitHeartbeat(t, func(h schema.Heartbeat) bool {
		return h.State == string(StateFaulted) && h.Error != ""
	})

	f.setActive(t, "ch01")
	f.addContent(t, "ch01", "spot.mp4")
	f.nextStart(t, f.runner)
	f.awaitHeartbeat(t, func(h schema.Heartbeat) bool {
		return h.State == string(StatePlaying) && h.Error == ""
	})
}

func TestChannelSwitchRestartsPlayer(t *testing.T) {
	f := newFixture(t)
	f.setActive(t, "ch01")
	f.addContent(t, "ch01", "one.mp4")
	f.addContent(t, "backup", "fallback.mp4")
	f.start(t)

	playing := f.nextStart(t, f.runner)
	if filepath.Base(playing.file) != "one.mp4" {
		t.Fatalf("playing %q, want one.mp4", playing.file)
	}

	f.setActive(t, "backup")
	select {
	case <-playing.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("player not stopped after channel switch")
	}

	next := f.nextStart(t, f.runner)
	if filepath.Base(next.file) != "fallback.mp4" {
		t.Fatalf("after switch playing %q, want fallback.mp4", next.file)
	}
}

func TestChangeRestartMasksWithBlackout(t *testing.T) {
	f := newFixture(t)
	f.setActive(t, "ch01")
	f.addContent(t, "ch01", "one.mp4")
	f.addContent(t, "backup", "fallback.mp4")
	f.start(t)

	playing := f.nextStart(t, f.runner)
	f.setActive(t, "backup")

	select {
	case <-playing.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("player not stopped after channel switch")
	}
	// The blackout must already be up by the time the outgoing player
	// was torn down; the screen never falls through to the desktop.
	var mask *fakeProcess
	select {
	case mask = <-f.placeholder.started:
	default:
		t.Fatal("no blackout raised before the restart")
	}

	next := f.nextStart(t, f.runner)
	if filepath.Base(next.file) != "fallback.mp4" {
		t.Fatalf("after switch playing %q, want fallback.mp4", next.file)
	}
	// Once the next player is on screen the blackout comes down.
	select {
	case <-mask.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("blackout not dropped after the next player started")
	}
}

func TestContentChangeRebuildsPlaylist(t *testing.T) {
	f := newFixture(t)
	f.setActive(t, "ch01")
	f.addContent(t, "ch01", "zz_last.mp4")
	f.start(t)

	playing := f.nextStart(t, f.runner)

	// A new file landing in the channel directory restarts playback
	// with the rebuilt playlist.
	f.addContent(t, "ch01", "aa_first.mp4")
	select {
	case <-playing.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("player not restarted after content change")
	}
	next := f.nextStart(t, f.runner)
	if filepath.Base(next.file) != "aa_first.mp4" {
		t.Fatalf("rebuilt playlist started with %q, want aa_first.mp4", next.file)
	}
}

func TestCrashedPlayerIsRelaunched(t *testing.T) {
	f := newFixture(t)
	f.setActive(t, "ch01")
	f.addContent(t, "ch01", "spot.mp4")
	f.start(t)

	playing := f.nextStart(t, f.runner)
	playing.exit(fmt.Errorf("exit status 2"))

	f.awaitHeartbeat(t, func(h schema.Heartbeat) bool {
		return h.State == string(StateRestarting) && h.Error != ""
	})
	relaunched := f.nextStart(t, f.runner)
	if filepath.Base(relaunched.file) != "spot.mp4" {
		t.Fatalf("relaunched with %q, want spot.mp4", relaunched.file)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	f.runner.ignoreTerm = true
	f.setActive(t, "ch01")
	f.addContent(t, "ch01", "one.mp4")
	f.addContent(t, "backup", "fallback.mp4")
	f.start(t)

	stubborn := f.nextStart(t, f.runner)
	f.setActive(t, "backup")

	select {
	case <-stubborn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stubborn player never died")
	}
	if !stubborn.wasKilled() {
		t.Fatal("player ignored terminate but was never killed")
	}
}
