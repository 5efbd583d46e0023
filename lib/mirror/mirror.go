// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package mirror makes a remote channel content directory an exact
// replica of the local master tree.
//
// Sync is one-directional and declarative: the local tree is the
// truth, the remote converges toward it. Files outside the media
// allow-list and preview files (stem ending in "_sample") are ignored
// on both sides, so operators can stage previews next to the masters
// without them reaching any display.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/vantage-displays/vantage/lib/schema"
	"github.com/vantage-displays/vantage/lib/sharefs"
)

// Action is one planned or executed sync step for a single file.
type Action string

const (
	ActionAdd    Action = "ADD"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionSkip   Action = "SKIP"
)

// mediaExtensions is the allow-list of file types that sync touches.
// Anything else in the content tree is invisible to sync in both
// directions.
var mediaExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

const sampleSuffix = "_sample"

// Eligible reports whether a file name participates in sync.
func Eligible(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if !mediaExtensions[ext] {
		return false
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return !strings.HasSuffix(strings.ToLower(stem), sampleSuffix)
}

// FileOp records one executed sync step.
type FileOp struct {
	Name   string
	Action Action
	Err    string
}

// Report summarizes one channel sync. Per-file failures are counted
// and recorded but never abort the channel: a single unreadable file
// must not stop the rest of the playlist from converging.
type Report struct {
	Channel string
	Added   int
	Updated int
	Deleted int
	Skipped int
	Failed  int
	Ops     []FileOp
}

func (r Report) String() string {
	return fmt.Sprintf("%s: add=%d update=%d delete=%d skip=%d fail=%d",
		r.Channel, r.Added, r.Updated, r.Deleted, r.Skipped, r.Failed)
}

// Changed reports whether the sync altered the remote tree.
func (r Report) Changed() bool { return r.Added+r.Updated+r.Deleted > 0 }

// Syncer mirrors channel content to endpoint shares.
type Syncer struct {
	transport *sharefs.Transport
	logger    *slog.Logger

	// Strict requires modification times to match exactly. Loose mode
	// tolerates the 2-second granularity some share filesystems round
	// timestamps to.
	Strict bool

	// Verify additionally hashes both sides when size and times
	// agree. Catches silent corruption at the cost of reading every
	// byte over the share.
	Verify bool
}

// NewSyncer builds a Syncer using transport for all remote writes.
func NewSyncer(transport *sharefs.Transport, logger *slog.Logger) *Syncer {
	return &Syncer{transport: transport, logger: logger}
}

// SyncEndpoint mirrors every listed channel from contentRoot into the
// endpoint share, sequentially. A channel that fails wholesale (its
// remote directory cannot be created, say) is reported and the
// remaining channels still run.
func (s *Syncer) SyncEndpoint(ctx context.Context, contentRoot string, layout schema.ShareLayout, channels []string) ([]Report, error) {
	var reports []Report
	var errs []error
	for _, channel := range channels {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := s.SyncChannel(ctx, filepath.Join(contentRoot, channel), layout.ChannelDir(channel), channel)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
		}
	}
	return reports, errors.Join(errs...)
}

// SyncChannel converges remoteDir toward localDir. The returned error
// covers whole-channel failures only; per-file errors land in the
// report.
func (s *Syncer) SyncChannel(ctx context.Context, localDir, remoteDir, channel string) (Report, error) {
	report := Report{Channel: channel}

	local, err := listMedia(localDir)
	if err != nil {
		return report, fmt.Errorf("listing local content: %w", err)
	}
	if err := os.MkdirAll(remoteDir, 0o755); err != nil {
		return report, fmt.Errorf("creating remote directory: %w", err)
	}
	remote, err := listMedia(remoteDir)
	if err != nil {
		return report, fmt.Errorf("listing remote content: %w", err)
	}

	for _, name := range sortedNames(local) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		localPath := filepath.Join(localDir, name)
		remotePath := filepath.Join(remoteDir, name)

		remoteInfo, exists := remote[name]
		switch {
		case !exists:
			s.execute(&report, name, ActionAdd, s.transport.AtomicCopy(localPath, remotePath))
		case s.same(localPath, remotePath, local[name], remoteInfo):
			s.execute(&report, name, ActionSkip, nil)
		default:
			s.execute(&report, name, ActionUpdate, s.transport.AtomicCopy(localPath, remotePath))
		}
	}

	for _, name := range sortedNames(remote) {
		if _, exists := local[name]; exists {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		s.execute(&report, name, ActionDelete, os.Remove(filepath.Join(remoteDir, name)))
	}

	return report, nil
}

// execute records one step's outcome in the report.
func (s *Syncer) execute(report *Report, name string, action Action, err error) {
	op := FileOp{Name: name, Action: action}
	if err != nil {
		op.Err = err.Error()
		report.Failed++
		s.logger.Warn("sync step failed",
			"channel", report.Channel,
			"file", name,
			"action", action,
			"error", err)
	} else {
		switch action {
		case ActionAdd:
			report.Added++
		case ActionUpdate:
			report.Updated++
		case ActionDelete:
			report.Deleted++
		case ActionSkip:
			report.Skipped++
		}
	}
	report.Ops = append(report.Ops, op)
}

// same reports whether the remote copy is already current.
func (s *Syncer) same(localPath, remotePath string, local, remote fs.FileInfo) bool {
	if local.Size() != remote.Size() {
		return false
	}
	if s.Strict {
		if !local.ModTime().Equal(remote.ModTime()) {
			return false
		}
	} else {
		delta := local.ModTime().Sub(remote.ModTime())
		if delta < 0 {
			delta = -delta
		}
		if delta > 2*time.Second {
			return false
		}
	}
	if s.Verify {
		same, err := hashesMatch(localPath, remotePath)
		if err != nil {
			// Treat an unverifiable pair as different; the copy either
			// fixes it or surfaces the real error.
			return false
		}
		return same
	}
	return true
}

func hashesMatch(a, b string) (bool, error) {
	hashA, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hashB, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return hashA == hashB, nil
}

func hashFile(path string) ([32]byte, error) {
	var sum [32]byte
	file, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return sum, err
	}
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}

// listMedia returns the eligible files in dir keyed by name. A
// missing directory is an empty listing, not an error: a channel with
// no master content simply converges the remote to empty.
func listMedia(dir string) (map[string]fs.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]fs.FileInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	files := make(map[string]fs.FileInfo)
	for _, entry := range entries {
		if entry.IsDir() || !Eligible(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Vanished mid-listing. It will be handled next sync.
			continue
		}
		files[entry.Name()] = info
	}
	return files, nil
}

func sortedNames(files map[string]fs.FileInfo) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
