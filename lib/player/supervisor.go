// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package player supervises media playback on an endpoint.
//
// The supervisor owns exactly one playback process at a time. It
// walks the active channel's playlist file by file, restarts the
// player when it dies, swaps to a blackout placeholder when there is
// nothing playable, and rebuilds the playlist whenever the channel
// instruction, the scheduling config, or the content directory
// changes on disk. Liveness is reported through an atomically
// rewritten heartbeat document; nothing ever inspects the player
// process from outside.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vantage-displays/vantage/lib/clock"
	"github.com/vantage-displays/vantage/lib/mirror"
	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

// State is the supervisor lifecycle state, reported in heartbeats.
type State string

const (
	StateLaunching  State = "launching"
	StatePlaying    State = "playing"
	StateRestarting State = "restarting"
	StateFaulted    State = "faulted"
)

// Options tunes the supervisor. Zero values fall back to defaults.
type Options struct {
	// WatchPoll is how often the change signals (channel instruction,
	// config, content directory) are re-checked.
	WatchPoll time.Duration

	// HeartbeatInterval is how often the heartbeat is rewritten.
	HeartbeatInterval time.Duration

	// RetryMissing is the wait before replanning when the channel
	// instruction is unreadable or the playlist is empty.
	RetryMissing time.Duration

	// RetryPlayer is the wait before relaunching a crashed player.
	RetryPlayer time.Duration

	// StopTimeout is how long a terminated player gets to exit before
	// it is killed.
	StopTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.WatchPoll <= 0 {
		o.WatchPoll = 2 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.RetryMissing <= 0 {
		o.RetryMissing = 30 * time.Second
	}
	if o.RetryPlayer <= 0 {
		o.RetryPlayer = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
}

// watchState is one capture of the three change signals.
type watchState struct {
	channel string
	active  sharefs.Fingerprint
	config  sharefs.Fingerprint
	content sharefs.DirFingerprint
}

// Supervisor runs the playback loop. It is not safe for concurrent
// use; Run owns all fields.
type Supervisor struct {
	layout      schema.ShareLayout
	transport   *sharefs.Transport
	runner      Runner
	placeholder Runner
	clock       clock.Clock
	logger      *slog.Logger
	options     Options

	watch *clock.Ticker
	heart *clock.Ticker

	state       State
	lastError   string
	lastChange  time.Time
	signals     watchState
	currentFile string
	index       int
	loopCount   int
	playerPID   int
	mask        Process
}

// NewSupervisor builds a supervisor. placeholder runs when the
// playlist is empty (a blackout screen, typically).
func NewSupervisor(layout schema.ShareLayout, transport *sharefs.Transport, runner, placeholder Runner, clk clock.Clock, logger *slog.Logger, options Options) *Supervisor {
	options.applyDefaults()
	return &Supervisor{
		layout:      layout,
		transport:   transport,
		runner:      runner,
		placeholder: placeholder,
		clock:       clk,
		logger:      logger,
		options:     options,
		state:       StateLaunching,
	}
}

// Run supervises playback until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.watch = s.clock.NewTicker(s.options.WatchPoll)
	defer s.watch.Stop()
	s.heart = s.clock.NewTicker(s.options.HeartbeatInterval)
	defer s.heart.Stop()

	s.lastChange = s.clock.Now()
	s.writeHeartbeat()
	defer s.unmask()

	for ctx.Err() == nil {
		s.enter(StateLaunching, "")

		channel, err := s.readActiveChannel()
		if err != nil {
			s.enter(StateFaulted, fmt.Sprintf("reading channel instruction: %v", err))
			s.writeHeartbeat()
			if !s.waitRetry(ctx, s.options.RetryMissing) {
				break
			}
			continue
		}

		s.signals = s.captureSignals(channel)
		playlist := s.buildPlaylist(channel)
		if len(playlist) == 0 {
			s.runPlaceholder(ctx, channel)
			continue
		}
		s.playLoop(ctx, playlist)
	}
	return ctx.Err()
}

// readActiveChannel reads the controller's channel instruction.
func (s *Supervisor) readActiveChannel() (string, error) {
	var active schema.ActiveChannel
	if err := s.transport.ReadJSON(s.layout.ActivePath(), &active); err != nil {
		return "", err
	}
	if active.Channel == "" {
		return "", fmt.Errorf("channel instruction names no channel")
	}
	return active.Channel, nil
}

// buildPlaylist lists the channel's playable files in name order.
func (s *Supervisor) buildPlaylist(channel string) []string {
	dir := s.layout.ChannelDir(channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var playlist []string
	for _, entry := range entries {
		if entry.IsDir() || !mirror.Eligible(entry.Name()) {
			continue
		}
		playlist = append(playlist, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(playlist)
	return playlist
}

// captureSignals snapshots the three change signals. Fingerprint
// errors (a file vanishing, say) record zero values, which compare
// unequal once the file reappears.
func (s *Supervisor) captureSignals(channel string) watchState {
	state := watchState{channel: channel}
	state.active, _ = sharefs.StatLoose(s.layout.ActivePath())
	state.config, _ = sharefs.StatLoose(s.layout.ConfigPath())
	state.content, _ = sharefs.FingerprintDir(s.layout.ChannelDir(channel), mirror.Eligible)
	return state
}

// changed re-captures the signals and compares against the snapshot
// taken at playlist build.
func (s *Supervisor) changed() bool {
	now := s.captureSignals(s.signals.channel)
	return now.active != s.signals.active ||
		now.config != s.signals.config ||
		!now.content.Equal(s.signals.content)
}

// playLoop walks the playlist one file per player process, until the
// signals change, the player misbehaves, or ctx ends.
func (s *Supervisor) playLoop(ctx context.Context, playlist []string) {
	s.index = 0
	s.loopCount = 0

	for ctx.Err() == nil {
		file := playlist[s.index]
		s.currentFile = file

		process, err := s.runner.Start(ctx, file)
		if err != nil {
			s.enter(StateRestarting, fmt.Sprintf("starting player: %v", err))
			s.writeHeartbeat()
			s.waitRetry(ctx, s.options.RetryPlayer)
			return
		}
		s.playerPID = process.PID()
		s.unmask()
		s.enter(StatePlaying, "")
		s.writeHeartbeat()

		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				s.stop(process)
				return
			case <-process.Done():
				waiting = false
				if err := process.Err(); err != nil {
					s.enter(StateRestarting, fmt.Sprintf("player exited: %v", err))
					s.writeHeartbeat()
					s.waitRetry(ctx, s.options.RetryPlayer)
					return
				}
				s.advance(len(playlist))
			case <-s.watch.C:
				if s.changed() {
					// Mask the screen transition: the blackout goes up
					// before the outgoing player is torn down, and comes
					// down once the next player is on screen.
					s.maskBlackout(ctx)
					s.enter(StateRestarting, "")
					s.stop(process)
					return
				}
			case <-s.heart.C:
				s.writeHeartbeat()
			}
		}
	}
}

// runPlaceholder shows the blackout process while the playlist is
// empty, replanning when signals change or RetryMissing elapses.
func (s *Supervisor) runPlaceholder(ctx context.Context, channel string) {
	// A blackout raised for a restart mask is adopted rather than
	// restarted, so the screen never flickers between the two.
	process := s.mask
	s.mask = nil
	if process == nil {
		var err error
		process, err = s.placeholder.Start(ctx, "")
		if err != nil {
			s.enter(StateFaulted, fmt.Sprintf("starting placeholder: %v", err))
			s.writeHeartbeat()
			s.waitRetry(ctx, s.options.RetryMissing)
			return
		}
	}
	s.playerPID = process.PID()
	s.currentFile = ""
	s.enter(StateFaulted, "no playable content in "+channel)
	s.writeHeartbeat()

	deadline := s.clock.After(s.options.RetryMissing)
	for {
		select {
		case <-ctx.Done():
			s.stop(process)
			return
		case <-process.Done():
			// The placeholder has no business exiting; replan.
			return
		case <-deadline:
			s.stop(process)
			return
		case <-s.watch.C:
			if s.changed() {
				s.stop(process)
				return
			}
		case <-s.heart.C:
			s.writeHeartbeat()
		}
	}
}

// maskBlackout raises the placeholder over the outgoing player. The
// mask stays up until the next player is on screen or the placeholder
// loop adopts it. Masking is cosmetic; a failed start is only logged.
func (s *Supervisor) maskBlackout(ctx context.Context) {
	if s.mask != nil {
		return
	}
	process, err := s.placeholder.Start(ctx, "")
	if err != nil {
		s.logger.Warn("starting blackout mask failed", "error", err)
		return
	}
	s.mask = process
}

// unmask tears down the restart mask if one is up.
func (s *Supervisor) unmask() {
	if s.mask == nil {
		return
	}
	s.stop(s.mask)
	s.mask = nil
}

// waitRetry pauses for d while still heartbeating. Returns early when
// the change signals move. Returns false only when ctx ended.
func (s *Supervisor) waitRetry(ctx context.Context, d time.Duration) bool {
	deadline := s.clock.After(d)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return true
		case <-s.watch.C:
			if s.changed() {
				return true
			}
		case <-s.heart.C:
			s.writeHeartbeat()
		}
	}
}

// stop terminates the process, escalating to kill after StopTimeout.
func (s *Supervisor) stop(process Process) {
	if err := process.Terminate(); err != nil {
		process.Kill()
		<-process.Done()
		return
	}
	select {
	case <-process.Done():
	case <-s.clock.After(s.options.StopTimeout):
		s.logger.Warn("player ignored terminate, killing", "pid", process.PID())
		process.Kill()
		<-process.Done()
	}
}

// advance moves to the next playlist entry, counting full loops.
func (s *Supervisor) advance(playlistLen int) {
	s.index++
	if s.index >= playlistLen {
		s.index = 0
		s.loopCount++
	}
}

// enter transitions the lifecycle state.
func (s *Supervisor) enter(state State, detail string) {
	if state != s.state {
		s.lastChange = s.clock.Now()
		s.logger.Info("player state", "state", state, "detail", detail)
	}
	s.state = state
	s.lastError = detail
}

// writeHeartbeat rewrites the liveness document. A failed write is
// logged and retried on the next beat; the share being briefly
// unavailable must not disturb playback.
func (s *Supervisor) writeHeartbeat() {
	heartbeat := schema.Heartbeat{
		Timestamp:    s.clock.Now().UTC(),
		State:        string(s.state),
		PID:          os.Getpid(),
		PlaylistDir:  s.layout.ChannelDir(s.signals.channel),
		CurrentFile:  filepath.Base(s.currentFile),
		Index:        s.index,
		LoopCount:    s.loopCount,
		LastChangeAt: s.lastChange.UTC(),
		PlayerPID:    s.playerPID,
		Error:        s.lastError,
	}
	if s.currentFile == "" {
		heartbeat.CurrentFile = ""
	}
	if err := s.transport.WriteJSON(s.layout.HeartbeatPath(), heartbeat); err != nil {
		s.logger.Warn("heartbeat write failed", "error", err)
	}
}
