// Package metrics collects host health metrics for the get_metrics RPC.
// Collection is best-effort: probes that fail on a given platform are
// omitted from the snapshot rather than failing the call.
package metrics

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const cpuSampleWindow = 200 * time.Millisecond

// Snapshot is the full get_metrics result.
type Snapshot struct {
	Hostname        string     `json:"hostname"`
	Platform        string     `json:"platform"`
	PlatformVersion string     `json:"platform_version,omitempty"`
	KernelArch      string     `json:"kernel_arch,omitempty"`
	UptimeSeconds   uint64     `json:"uptime_seconds"`
	CPU             *CPUStats  `json:"cpu,omitempty"`
	Memory          *MemStats  `json:"memory,omitempty"`
	Disk            *DiskStats `json:"disk,omitempty"`
	Load            *LoadStats `json:"load,omitempty"`
	CollectedAt     string     `json:"collected_at"`
}

type CPUStats struct {
	Percent float64 `json:"percent"`
	Count   int     `json:"count"`
}

type MemStats struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

type DiskStats struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type LoadStats struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// Summary is the reduced form returned for get_metrics {summary: true}.
type Summary struct {
	Hostname      string  `json:"hostname"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	Status        string  `json:"status"`
}

// Collect gathers a snapshot of the local host. The CPU probe samples
// usage over a short window, so calls block for roughly that long.
func Collect() *Snapshot {
	snap := &Snapshot{CollectedAt: time.Now().UTC().Format(time.RFC3339)}

	if info, err := host.Info(); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelArch = info.KernelArch
		snap.UptimeSeconds = info.Uptime
	} else {
		snap.Hostname, _ = os.Hostname()
		snap.Platform = runtime.GOOS
	}

	if percents, err := cpu.Percent(cpuSampleWindow, false); err == nil && len(percents) > 0 {
		stats := &CPUStats{Percent: percents[0]}
		if count, err := cpu.Counts(true); err == nil {
			stats.Count = count
		}
		snap.CPU = stats
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.Memory = &MemStats{
			TotalBytes:     vm.Total,
			AvailableBytes: vm.Available,
			UsedBytes:      vm.Used,
			UsedPercent:    vm.UsedPercent,
		}
	}

	if usage, err := disk.Usage(rootMount()); err == nil {
		snap.Disk = &DiskStats{
			Path:        usage.Path,
			TotalBytes:  usage.Total,
			FreeBytes:   usage.Free,
			UsedBytes:   usage.Used,
			UsedPercent: usage.UsedPercent,
		}
	}

	if avg, err := load.Avg(); err == nil {
		snap.Load = &LoadStats{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}

	return snap
}

// Summarize reduces the snapshot to the dashboard form. Status turns
// "degraded" when CPU, memory, or disk crosses 90% utilization.
func (s *Snapshot) Summarize() Summary {
	out := Summary{
		Hostname:      s.Hostname,
		UptimeSeconds: s.UptimeSeconds,
		Status:        "healthy",
	}
	if s.CPU != nil {
		out.CPUPercent = s.CPU.Percent
	}
	if s.Memory != nil {
		out.MemoryPercent = s.Memory.UsedPercent
	}
	if s.Disk != nil {
		out.DiskPercent = s.Disk.UsedPercent
	}
	if out.CPUPercent >= 90 || out.MemoryPercent >= 90 || out.DiskPercent >= 90 {
		out.Status = "degraded"
	}
	return out
}

func rootMount() string {
	if runtime.GOOS == "windows" {
		if drive := os.Getenv("SystemDrive"); drive != "" {
			return drive + `\`
		}
		return `C:\`
	}
	return "/"
}
