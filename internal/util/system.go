package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

var processStart = time.Now()

// SystemInfo describes the host the server runs on.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers static host information. Probes that fail leave
// their fields empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	} else {
		info.OS = runtime.GOOS
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// ResourceUsage is a point-in-time view of host and process load.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskFreeGB    uint64  `json:"disk_free_gb"`
	DiskPercent   float64 `json:"disk_percent"`
	Goroutines    int     `json:"goroutines"`
	HeapMB        uint64  `json:"heap_mb"`
	UptimeSec     int64   `json:"uptime_sec"`
}

// GetResourceUsage samples CPU, memory and the disk holding path.
func GetResourceUsage(path string) ResourceUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	usage := ResourceUsage{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     ms.HeapAlloc / (1024 * 1024),
		UptimeSec:  int64(time.Since(processStart).Seconds()),
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		usage.CPUPercent = percentages[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		usage.MemoryUsedMB = memInfo.Used / (1024 * 1024)
		usage.MemoryPercent = memInfo.UsedPercent
	}

	if path != "" {
		if d, err := disk.Usage(path); err == nil {
			usage.DiskFreeGB = d.Free / (1024 * 1024 * 1024)
			usage.DiskPercent = d.UsedPercent
		}
	}

	return usage
}

// FileExists checks if a file or directory exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// EnsureDir creates a directory and all parent directories if they don't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
