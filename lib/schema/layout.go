// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "path/filepath"

// Well-known file names inside an endpoint share. The controller and
// the endpoint-resident processes agree on these by convention; there
// is no discovery.
const (
	ConfigFileName        = "config.json"
	ActiveFileName        = "active.json"
	CommandFileName       = "command.json"
	CommandResultFileName = "command_result.json"
	StatusFileName        = "pc_status.json"
	HeartbeatFileName     = "auto_play_heartbeat.json"
)

// ShareLayout resolves paths inside one endpoint share (or inside the
// equivalent local tree on the endpoint itself). Root is the mounted
// share path for the fleet side, or the local base directory for the
// endpoint side.
type ShareLayout struct {
	Root string
}

// ConfigDir holds config.json, active.json, and command.json.
func (l ShareLayout) ConfigDir() string { return filepath.Join(l.Root, "app", "config") }

// StatusDir holds pc_status.json, command_result.json, and the
// supervisor heartbeat.
func (l ShareLayout) StatusDir() string { return filepath.Join(l.Root, "logs", "status") }

// LogsDir is the endpoint log directory collected by the fleet side.
func (l ShareLayout) LogsDir() string { return filepath.Join(l.Root, "logs") }

// ContentDir is the channel content root; one subdirectory per
// logical channel.
func (l ShareLayout) ContentDir() string { return filepath.Join(l.Root, "content") }

// ChannelDir is the content directory for one channel.
func (l ShareLayout) ChannelDir(channel string) string {
	return filepath.Join(l.ContentDir(), channel)
}

func (l ShareLayout) ConfigPath() string  { return filepath.Join(l.ConfigDir(), ConfigFileName) }
func (l ShareLayout) ActivePath() string  { return filepath.Join(l.ConfigDir(), ActiveFileName) }
func (l ShareLayout) CommandPath() string { return filepath.Join(l.ConfigDir(), CommandFileName) }
func (l ShareLayout) CommandResultPath() string {
	return filepath.Join(l.StatusDir(), CommandResultFileName)
}
func (l ShareLayout) StatusPath() string { return filepath.Join(l.StatusDir(), StatusFileName) }
func (l ShareLayout) HeartbeatPath() string {
	return filepath.Join(l.StatusDir(), HeartbeatFileName)
}
