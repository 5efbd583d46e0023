// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package player

import (
	"context"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Runner launches one playback process for a single media file (or,
// for the placeholder runner, no file at all). The supervisor owns
// the returned Process.
type Runner interface {
	Start(ctx context.Context, file string) (Process, error)
}

// Process is a running playback process.
type Process interface {
	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error after Done is closed. nil means a
	// clean exit.
	Err() error

	// Terminate asks the process to exit. Kill forces it.
	Terminate() error
	Kill() error

	PID() int
}

// ExecRunner launches a media player command per file. Command is the
// argv prefix; the media file path is appended as the final argument
// unless the file is empty (placeholder mode).
type ExecRunner struct {
	Command []string
}

// Start implements Runner.
func (r *ExecRunner) Start(ctx context.Context, file string) (Process, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("player command not configured")
	}
	argv := r.Command
	if file != "" {
		argv = append(append([]string{}, r.Command...), file)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error { return p.err }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(unix.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }
