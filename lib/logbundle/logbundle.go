// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

// Package logbundle archives an endpoint's remote log directory into
// a compressed local bundle.
//
// Endpoints keep plain-text logs on their shares; before a machine is
// rebuilt or a fault investigated, the fleet side pulls the whole log
// tree into one timestamped archive. Logs compress well, so zstd is
// the default; lz4 exists for operators bundling over slow links
// where CPU on the controller box is the bottleneck.
package logbundle

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/vantage-displays/vantage/lib/clock"
)

// Codec selects the bundle compression.
type Codec string

const (
	// CodecZstd is the default: best ratio for text logs.
	CodecZstd Codec = "zstd"

	// CodecLZ4 trades ratio for speed.
	CodecLZ4 Codec = "lz4"
)

// ParseCodec parses a codec name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "zstd", "":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return "", fmt.Errorf("unknown log bundle codec %q", name)
	}
}

// Extension returns the bundle file extension for the codec.
func (c Codec) Extension() string {
	switch c {
	case CodecLZ4:
		return ".tar.lz4"
	default:
		return ".tar.zst"
	}
}

// newWriter wraps w in the codec's compressor.
func (c Codec) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unknown log bundle codec %q", c)
	}
}

// NewReader wraps r in the codec's decompressor. Exposed for the
// operator tooling that unpacks bundles.
func (c Codec) NewReader(r io.Reader) (io.Reader, error) {
	switch c {
	case CodecLZ4:
		return lz4.NewReader(r), nil
	case CodecZstd:
		reader, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return reader.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unknown log bundle codec %q", c)
	}
}

// Result summarizes one collected bundle.
type Result struct {
	Path    string
	Files   int
	Skipped int
}

// Bundler collects log bundles.
type Bundler struct {
	clock  clock.Clock
	logger *slog.Logger
	codec  Codec
}

// NewBundler builds a bundler using the given codec.
func NewBundler(clk clock.Clock, logger *slog.Logger, codec Codec) *Bundler {
	if codec == "" {
		codec = CodecZstd
	}
	return &Bundler{clock: clk, logger: logger, codec: codec}
}

// Collect archives logsDir into destDir as
// <endpointID>-<timestamp><ext>. Files that cannot be read (rotated
// away mid-walk, locked by the endpoint) are skipped and counted, not
// fatal: a partial bundle from a dying machine beats no bundle.
func (b *Bundler) Collect(ctx context.Context, endpointID, logsDir, destDir string) (Result, error) {
	var result Result

	if _, err := os.Stat(logsDir); err != nil {
		return result, fmt.Errorf("log directory: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return result, fmt.Errorf("creating bundle directory: %w", err)
	}

	stamp := b.clock.Now().UTC().Format("20060102-150405")
	finalPath := filepath.Join(destDir, endpointID+"-"+stamp+b.codec.Extension())
	temporaryPath := finalPath + ".tmp"

	out, err := os.Create(temporaryPath)
	if err != nil {
		return result, fmt.Errorf("creating bundle: %w", err)
	}
	defer os.Remove(temporaryPath)

	compressor, err := b.codec.newWriter(out)
	if err != nil {
		out.Close()
		return result, err
	}
	archive := tar.NewWriter(compressor)

	walkErr := filepath.WalkDir(logsDir, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// A directory vanished or is unreadable; skip the subtree.
			result.Skipped++
			b.logger.Warn("skipping unreadable log path", "endpoint", endpointID, "path", path, "error", err)
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		if skipErr := b.addFile(archive, logsDir, path, entry); skipErr != nil {
			result.Skipped++
			b.logger.Warn("skipping log file", "endpoint", endpointID, "path", path, "error", skipErr)
			return nil
		}
		result.Files++
		return nil
	})

	closeErr := firstError(archive.Close(), compressor.Close(), out.Sync(), out.Close())
	if walkErr != nil {
		return result, fmt.Errorf("walking %s: %w", logsDir, walkErr)
	}
	if closeErr != nil {
		return result, fmt.Errorf("finishing bundle: %w", closeErr)
	}

	if err := os.Rename(temporaryPath, finalPath); err != nil {
		return result, fmt.Errorf("publishing bundle: %w", err)
	}
	result.Path = finalPath
	b.logger.Info("log bundle collected",
		"endpoint", endpointID,
		"path", finalPath,
		"files", result.Files,
		"skipped", result.Skipped)
	return result, nil
}

func (b *Bundler) addFile(archive *tar.Writer, root, path string, entry fs.DirEntry) error {
	relative, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	info, err := entry.Info()
	if err != nil {
		return err
	}
	// Read the whole file before writing the header so a file the
	// endpoint is actively rotating can never leave a short entry that
	// corrupts the archive.
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    filepath.ToSlash(relative),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: info.ModTime(),
	}
	if err := archive.WriteHeader(header); err != nil {
		return err
	}
	if _, err := archive.Write(data); err != nil {
		return err
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
