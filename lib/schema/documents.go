// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the JSON documents exchanged over the
// shared-filesystem transport between the controller and endpoints.
//
// There is no RPC protocol: the controller writes documents into an
// endpoint's share and the endpoint writes status documents back.
// Every document here is small, rewritten whole, and read by polling,
// so all fields must tolerate partial fleets running older writers.
package schema

import "time"

// TimeWindow is a daily [Start, End] window in "HH:MM" form. Windows
// wrap midnight when Start > End.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TimerRule assigns a channel to a daily time window. Rules are
// evaluated in list order; when several rules match, the last match in
// list order wins.
type TimerRule struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Channel string `json:"channel"`
}

// CongestionSameAsNormal is the sentinel value in
// ChannelConfig.CongestionChannels meaning "resolve to the normal
// channel". Stored explicitly so an operator can distinguish "mapped
// to normal" from "not mapped at all".
const CongestionSameAsNormal = "same_as_normal"

// ChannelConfig is the per-endpoint scheduling configuration
// (config.json). The controller authors it; the endpoint player reads
// it only to detect changes (resolution happens controller-side).
type ChannelConfig struct {
	// SleepChannel is shown during sleep windows. Exactly one sleep
	// channel exists per endpoint.
	SleepChannel string `json:"sleep_channel"`

	// SleepWindows are checked first, in list order. Malformed
	// entries are skipped, not fatal.
	SleepWindows []TimeWindow `json:"sleep_rules"`

	// NormalChannel is the fallback when nothing else matches.
	NormalChannel string `json:"normal_channel"`

	// CongestionChannels maps "level2".."level4" to a channel or the
	// CongestionSameAsNormal sentinel. Level 1 never overrides.
	CongestionChannels map[string]string `json:"congestion_channels,omitempty"`

	// TimerRules are evaluated in list order with last-match-wins.
	TimerRules []TimerRule `json:"timer_rules,omitempty"`
}

// ActiveChannel is the resolved channel instruction (active.json).
type ActiveChannel struct {
	Channel string `json:"active_channel"`
}

// CongestionStatus is the external congestion signal document. Level
// ranges 1 (idle) to 4 (saturated); only levels >= 2 can override the
// timer/normal resolution.
type CongestionStatus struct {
	Level int `json:"congestion_level"`
}

// Power command actions accepted by the endpoint agent.
const (
	ActionShutdown = "shutdown"
	ActionReboot   = "reboot"
)

// Command is a fire-and-forget power command (command.json). The
// endpoint executes it exactly once and idempotently, renames the
// consumed file to a timestamped done name, and writes a
// CommandResult. There is no acknowledgement channel beyond polling
// the result or observing the endpoint go offline.
type Command struct {
	CommandID string    `json:"command_id"`
	Action    string    `json:"action"`
	Force     bool      `json:"force"`
	IssuedAt  time.Time `json:"issued_at"`
	IssuedBy  string    `json:"issued_by,omitempty"`
}

// CommandResult reports the outcome of a consumed Command
// (command_result.json).
type CommandResult struct {
	Timestamp time.Time `json:"timestamp"`
	CommandID string    `json:"command_id"`
	Action    string    `json:"action"`
	Executed  bool      `json:"executed"`
	ExitCode  *int      `json:"exit_code"`
	Note      string    `json:"note,omitempty"`
}

// DiskStatus describes usage of the endpoint's system drive.
type DiskStatus struct {
	Path        string  `json:"path"`
	UsedPercent float64 `json:"used_percent"`
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
}

// EndpointStatus is the telemetry document the agent rewrites on a
// fixed interval (pc_status.json).
type EndpointStatus struct {
	Timestamp  time.Time   `json:"timestamp"`
	Host       string      `json:"host"`
	CPUPercent float64     `json:"cpu_percent"`
	MemPercent float64     `json:"mem_percent"`
	Disk       *DiskStatus `json:"disk,omitempty"`

	// PlayerState mirrors the supervisor's heartbeat state so the
	// fleet side can classify the endpoint without a second read.
	PlayerState string `json:"player_state,omitempty"`
}

// Heartbeat is the supervisor liveness document
// (auto_play_heartbeat.json), rewritten atomically on a fixed
// interval. The fleet side classifies an endpoint alive or stale from
// Timestamp alone, without inspecting the player process.
type Heartbeat struct {
	Timestamp    time.Time `json:"timestamp"`
	State        string    `json:"state"`
	PID          int       `json:"pid"`
	PlaylistDir  string    `json:"playlist_dir"`
	CurrentFile  string    `json:"current_file,omitempty"`
	Index        int       `json:"index"`
	LoopCount    int       `json:"loop_count"`
	LastChangeAt time.Time `json:"last_change_at,omitempty"`
	PlayerPID    int       `json:"player_pid,omitempty"`
	Error        string    `json:"error,omitempty"`
}
