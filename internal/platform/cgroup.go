// Package platform samples container-relative CPU and memory usage to
// feed the accept-side ResourceGuard (internal/limits). It mirrors the
// teacher's internal/single/platform "container mode, falling back to
// host mode" shape: prefer reading the cgroup's own CPU accounting
// (accurate relative to the container's actual quota) and fall back to
// shirou/gopsutil/v3 host-wide sampling when no cgroup is present (bare
// metal, a dev laptop, a VM).
package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// CPUMonitor reports CPU usage as a percentage of whatever this process
// is allowed to use: container quota if cgroup-aware, host-wide otherwise.
type CPUMonitor struct {
	mode string // "container" or "host"

	mu          sync.Mutex
	cgroupPath  string
	version     int // 1 or 2
	quota       int64
	period      int64
	lastUsecs   uint64
	lastSampled time.Time
}

// NewCPUMonitor detects a usable cgroup CPU controller and falls back to
// host-wide sampling if none is found.
func NewCPUMonitor() *CPUMonitor {
	path, version, quota, period, err := detectCgroupCPU()
	if err != nil || quota <= 0 {
		return &CPUMonitor{mode: "host"}
	}
	return &CPUMonitor{
		mode:        "container",
		cgroupPath:  path,
		version:     version,
		quota:       quota,
		period:      period,
		lastSampled: time.Now(),
	}
}

// Percent returns CPU usage (0-100) relative to this process's allocation.
func (m *CPUMonitor) Percent() (float64, error) {
	if m.mode == "host" {
		pcts, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil {
			return 0, fmt.Errorf("platform: host cpu sample: %w", err)
		}
		if len(pcts) == 0 {
			return 0, fmt.Errorf("platform: no cpu samples returned")
		}
		return pcts[0], nil
	}
	return m.containerPercent()
}

func (m *CPUMonitor) containerPercent() (float64, error) {
	usecs, err := readCPUUsage(m.cgroupPath, m.version)
	if err != nil {
		return 0, fmt.Errorf("platform: reading cgroup cpu usage: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(m.lastSampled).Seconds()
	if elapsed <= 0 || m.lastUsecs == 0 {
		m.lastUsecs, m.lastSampled = usecs, now
		return 0, nil
	}

	deltaUsecs := float64(usecs - m.lastUsecs)
	m.lastUsecs, m.lastSampled = usecs, now

	allocatedCores := float64(m.quota) / float64(m.period)
	if allocatedCores <= 0 {
		allocatedCores = 1
	}
	usedCores := (deltaUsecs / 1e6) / elapsed
	return (usedCores / allocatedCores) * 100, nil
}

// Allocation returns the number of CPU cores this process is entitled to,
// for logging/metrics context alongside Percent.
func (m *CPUMonitor) Allocation() float64 {
	if m.mode == "host" {
		n, err := cpuCountHost()
		if err != nil {
			return 1
		}
		return n
	}
	return float64(m.quota) / float64(m.period)
}

func detectCgroupCPU() (path string, version int, quota int64, period int64, err error) {
	if data, rerr := os.ReadFile("/sys/fs/cgroup/cpu.max"); rerr == nil {
		fields := strings.Fields(strings.TrimSpace(string(data)))
		if len(fields) == 2 {
			if fields[0] == "max" {
				return "/sys/fs/cgroup", 2, -1, 0, nil
			}
			q, qerr := strconv.ParseInt(fields[0], 10, 64)
			p, perr := strconv.ParseInt(fields[1], 10, 64)
			if qerr == nil && perr == nil {
				return "/sys/fs/cgroup", 2, q, p, nil
			}
		}
	}

	quotaData, qerr := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	periodData, perr := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if qerr == nil && perr == nil {
		q, qparseErr := strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
		p, pparseErr := strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
		if qparseErr == nil && pparseErr == nil {
			return "/sys/fs/cgroup/cpu", 1, q, p, nil
		}
	}

	return "", 0, 0, 0, fmt.Errorf("platform: no cgroup cpu controller found")
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nanos, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nanos / 1000, nil
}

func cpuCountHost() (float64, error) {
	counts, err := cpu.Counts(true)
	if err != nil {
		return 0, err
	}
	return float64(counts), nil
}

// MemoryLimit returns the container memory limit in bytes, or 0 if none is
// detected (unlimited / non-containerized).
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			return strconv.ParseInt(limit, 10, 64)
		}
		return 0, nil
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}

// ProcessMemoryUsage returns this process's RSS in bytes via gopsutil,
// sampled by limits.ResourceGuard's monitoring loop.
func ProcessMemoryUsage() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, fmt.Errorf("platform: opening self process handle: %w", err)
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("platform: reading memory info: %w", err)
	}
	return info.RSS, nil
}

// MaxConnections derives a safe connection ceiling from the detected
// memory limit, the same sizing heuristic the teacher uses: reserve
// runtime overhead, divide the rest by an estimated per-session footprint,
// and clamp to a sane range.
func MaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}
	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerSession = 180 * 1024

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}
	max := int(available / bytesPerSession)
	if max < 100 {
		max = 100
	}
	if max > 50000 {
		max = 50000
	}
	return max
}
