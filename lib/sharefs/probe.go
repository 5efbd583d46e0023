// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package sharefs

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"
)

// Prober answers "is this endpoint worth touching" before any share
// path operation. A stuck share call can block for minutes and is not
// reliably cancellable, so callers must never reach the filesystem
// until a probe has passed.
//
// The full probe is two-stage: a coarse liveness check (ping) with a
// short timeout, then a TCP connect to the file-sharing port with its
// own short timeout. The fast probe skips the coarse stage; inside
// tight polling loops a false negative just defers work to the next
// cycle.
type Prober struct {
	// SharePort is the file-sharing service port. Default 445.
	SharePort int

	// PingTimeout bounds the coarse liveness probe. Default 1s.
	PingTimeout time.Duration

	// DialTimeout bounds the port connect check. Default 1s.
	DialTimeout time.Duration

	// FastDialTimeout bounds the port check in fast mode. Default
	// 200ms; long share waits are exactly what fast mode exists to
	// avoid.
	FastDialTimeout time.Duration

	// ping and dial are swapped out by tests.
	ping func(ctx context.Context, addr string, timeout time.Duration) error
	dial func(ctx context.Context, addr string, timeout time.Duration) error
}

// NewProber returns a Prober with production ping and dial
// implementations.
func NewProber() *Prober {
	p := &Prober{
		SharePort:       445,
		PingTimeout:     time.Second,
		DialTimeout:     time.Second,
		FastDialTimeout: 200 * time.Millisecond,
	}
	p.ping = systemPing
	p.dial = tcpDial
	return p
}

// Probe runs the full two-stage reachability check. Only after Probe
// succeeds may a caller perform an actual share-path operation.
func (p *Prober) Probe(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("probe: empty address")
	}
	if err := p.ping(ctx, addr, p.PingTimeout); err != nil {
		return fmt.Errorf("liveness probe %s: %w", addr, err)
	}
	if err := p.dial(ctx, p.portAddr(addr), p.DialTimeout); err != nil {
		return fmt.Errorf("share port probe %s: %w", addr, err)
	}
	return nil
}

// ProbeFast checks only the file-sharing port, with the short fast
// timeout.
func (p *Prober) ProbeFast(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("probe: empty address")
	}
	if err := p.dial(ctx, p.portAddr(addr), p.FastDialTimeout); err != nil {
		return fmt.Errorf("share port probe %s: %w", addr, err)
	}
	return nil
}

func (p *Prober) portAddr(addr string) string {
	return net.JoinHostPort(addr, fmt.Sprintf("%d", p.SharePort))
}

// systemPing shells out to the system ping with one packet and a
// deadline. ICMP from an unprivileged process requires either raw
// socket capability or the system binary; the binary is the portable
// choice and its exit code is the only thing inspected.
func systemPing(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	waitSeconds := int(timeout / time.Second)
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", fmt.Sprintf("%d", waitSeconds), addr)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func tcpDial(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
