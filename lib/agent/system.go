// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/vantage-displays/vantage/lib/schema"
)

// SystemCollector reads machine telemetry from the running host.
// DiskPath is the filesystem whose usage is reported, typically the
// drive holding the content tree.
type SystemCollector struct {
	DiskPath string
}

// Collect implements Collector.
func (c *SystemCollector) Collect(ctx context.Context) (schema.EndpointStatus, error) {
	status := schema.EndpointStatus{}

	host, err := os.Hostname()
	if err != nil {
		return status, fmt.Errorf("resolving hostname: %w", err)
	}
	status.Host = host

	status.CPUPercent = cpuLoadPercent()
	status.MemPercent = memoryUsedPercent()

	diskPath := c.DiskPath
	if diskPath == "" {
		diskPath = "/"
	}
	if disk, err := diskUsage(diskPath); err == nil {
		status.Disk = disk
	}
	return status, nil
}

func diskUsage(path string) (*schema.DiskStatus, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, err
	}
	total := float64(stat.Blocks) * float64(stat.Bsize)
	free := float64(stat.Bavail) * float64(stat.Bsize)
	if total <= 0 {
		return nil, fmt.Errorf("statfs %s reported zero size", path)
	}
	const gb = 1 << 30
	return &schema.DiskStatus{
		Path:        path,
		UsedPercent: (total - free) / total * 100,
		TotalGB:     total / gb,
		FreeGB:      free / gb,
	}, nil
}

// cpuLoadPercent approximates CPU load from the one-minute load
// average scaled by core count. Good enough for a fleet dashboard;
// nobody schedules off this number.
func cpuLoadPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	percent := load / float64(runtime.NumCPU()) * 100
	if percent > 100 {
		percent = 100
	}
	return percent
}

func memoryUsedPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var totalKB, availableKB float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = value
		case "MemAvailable:":
			availableKB = value
		}
	}
	if totalKB <= 0 {
		return 0
	}
	return (totalKB - availableKB) / totalKB * 100
}

// SystemExecutor performs power actions through systemctl.
type SystemExecutor struct{}

// Execute implements Executor.
func (SystemExecutor) Execute(ctx context.Context, action string, force bool) (int, error) {
	var verb string
	switch action {
	case schema.ActionShutdown:
		verb = "poweroff"
	case schema.ActionReboot:
		verb = "reboot"
	default:
		return -1, fmt.Errorf("unknown action %q", action)
	}

	argv := []string{"systemctl", verb}
	if force {
		argv = append(argv, "--force")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return exitCode, fmt.Errorf("%s: %v: %s", verb, err, strings.TrimSpace(string(output)))
	}
	return 0, nil
}
