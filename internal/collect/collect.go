// ABOUTME: Host snapshot collector that fills the agent's state-update payload.
// ABOUTME: Uses gopsutil for host, CPU, memory and disk figures.

package collect

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one point-in-time description of the agent's host.
type Snapshot struct {
	Hostname        string  `json:"hostname"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelVersion   string  `json:"kernel_version"`
	Arch            string  `json:"arch"`
	User            string  `json:"user,omitempty"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	CPUCount        int     `json:"cpu_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryTotal     uint64  `json:"memory_total_bytes"`
	MemoryUsed      float64 `json:"memory_used_percent"`
	DiskPath        string  `json:"disk_path,omitempty"`
	DiskTotal       uint64  `json:"disk_total_bytes,omitempty"`
	DiskUsed        float64 `json:"disk_used_percent,omitempty"`

	goos string
}

// OSName is the environment descriptor reported in state updates, such as
// "Linux 6.1.0" or "Windows 10.0.19045". The hub picks script variants by it.
func (s *Snapshot) OSName() string {
	goos := s.goos
	if goos == "" {
		goos = runtime.GOOS
	}
	name := strings.ToUpper(goos[:1]) + goos[1:]
	version := s.KernelVersion
	if goos == "windows" {
		version = s.PlatformVersion
	}
	if version == "" {
		return name
	}
	return name + " " + version
}

// Collector produces host snapshots.
type Collector interface {
	Collect(ctx context.Context) (*Snapshot, error)
}

// System collects snapshots of the machine the agent runs on.
type System struct {
	// DiskPath is the filesystem whose usage is reported. Empty skips disk.
	DiskPath string

	logger *slog.Logger
}

// NewSystem creates a System collector reporting usage of diskPath.
func NewSystem(diskPath string, logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{DiskPath: diskPath, logger: logger}
}

// DefaultDiskPath is the root filesystem for the running platform.
func DefaultDiskPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// Collect gathers a snapshot. Only host information is required; CPU,
// memory and disk figures that cannot be read are logged and left zero.
func (s *System) Collect(ctx context.Context) (*Snapshot, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host info: %w", err)
	}

	snap := &Snapshot{
		Hostname:        info.Hostname,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		Arch:            runtime.GOARCH,
		UptimeSeconds:   info.Uptime,
		goos:            runtime.GOOS,
	}

	if u, err := user.Current(); err == nil {
		snap.User = u.Username
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		s.logger.Warn("failed to count CPUs", "error", err)
	} else {
		snap.CPUCount = n
	}

	// zero interval compares against the previous call instead of sampling
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil || len(pct) == 0 {
		s.logger.Warn("failed to read CPU utilization", "error", err)
	} else {
		snap.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		s.logger.Warn("failed to read memory stats", "error", err)
	} else {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.UsedPercent
	}

	if s.DiskPath != "" {
		if du, err := disk.UsageWithContext(ctx, s.DiskPath); err != nil {
			s.logger.Warn("failed to read disk usage", "path", s.DiskPath, "error", err)
		} else {
			snap.DiskPath = du.Path
			snap.DiskTotal = du.Total
			snap.DiskUsed = du.UsedPercent
		}
	}

	return snap, nil
}
