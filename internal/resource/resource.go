// Package resource provides container-aware resource monitoring, grounded
// in the teacher's cgroup.go (memory limit detection) and
// internal/single/platform/cgroup_cpu.go (cgroup-relative CPU percentage,
// falling back to gopsutil on bare metal). Importing this package also
// pulls in go.uber.org/automaxprocs as a side effect import, the way the
// teacher's cmd/single and cmd/multi mains do, so GOMAXPROCS tracks the
// container's CPU quota instead of the host's full core count.
package resource

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryLimit returns the container memory limit in bytes from the cgroup
// filesystem, trying cgroup v2 before falling back to v1. It returns 0,
// nil when no limit is detected (bare metal, VMs, non-containerized dev).
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

// HostMemoryUsedMB returns the host-wide used memory in megabytes, as
// reported by gopsutil's mem.VirtualMemory.
func HostMemoryUsedMB() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("resource: virtual memory: %w", err)
	}
	return float64(v.Used) / (1024 * 1024), nil
}

// throttleStats mirrors the cgroup cpu.stat throttling counters.
type throttleStats struct {
	nrPeriods    uint64
	nrThrottled  uint64
	throttledSec float64
}

// CPUMonitor reports CPU usage relative to the container's cgroup quota,
// falling back to gopsutil's host-wide percentage when no cgroup is found
// (bare metal, or a sandbox without cgroup access).
type CPUMonitor struct {
	mu             sync.Mutex
	cgroupPath     string
	cgroupVersion  int // 1 or 2, 0 = unavailable
	numCPUsAllocated float64
	lastUsageUsec  uint64
	lastSampleTime time.Time
	lastThrottle   throttleStats
}

// NewCPUMonitor detects the process's cgroup and CPU quota. If detection
// fails, Percent falls back to gopsutil's host CPU percentage and
// Allocation falls back to runtime.NumCPU.
func NewCPUMonitor() *CPUMonitor {
	m := &CPUMonitor{lastSampleTime: time.Now()}
	path, version, err := detectCgroupPath()
	if err != nil {
		return m
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return m
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return m
	}
	m.cgroupPath = path
	m.cgroupVersion = version
	m.lastUsageUsec = usage
	if quota > 0 && period > 0 {
		m.numCPUsAllocated = float64(quota) / float64(period)
	} else {
		m.numCPUsAllocated = float64(runtime.NumCPU())
	}
	m.lastThrottle, _ = readThrottleStats(path, version)
	return m
}

// Percent returns CPU usage as a percentage of the container's allocated
// CPUs (container mode), or of total host CPUs (fallback mode).
func (m *CPUMonitor) Percent() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cgroupVersion == 0 {
		percents, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil {
			return 0, fmt.Errorf("resource: host cpu percent: %w", err)
		}
		if len(percents) == 0 {
			return 0, fmt.Errorf("resource: no cpu sample returned")
		}
		return percents[0], nil
	}

	now := time.Now()
	elapsedUsec := now.Sub(m.lastSampleTime).Microseconds()
	if elapsedUsec == 0 {
		return 0, fmt.Errorf("resource: sampled twice in the same instant")
	}
	usage, err := readCPUUsage(m.cgroupPath, m.cgroupVersion)
	if err != nil {
		return 0, fmt.Errorf("resource: read cgroup cpu usage: %w", err)
	}
	delta := usage - m.lastUsageUsec
	rawPercent := (float64(delta) / float64(elapsedUsec)) * 100.0

	m.lastUsageUsec = usage
	m.lastSampleTime = now
	if m.numCPUsAllocated == 0 {
		return rawPercent, nil
	}
	return rawPercent / m.numCPUsAllocated, nil
}

// Allocation reports the number of CPUs available to this process: the
// cgroup quota/period in container mode, or runtime.NumCPU otherwise.
func (m *CPUMonitor) Allocation() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cgroupVersion == 0 {
		return float64(runtime.NumCPU())
	}
	return m.numCPUsAllocated
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("resource: could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("resource: unexpected cpu.max format %q", string(data))
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}
	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("resource: usage_usec not found in cpu.stat")
	}
	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

func readThrottleStats(path string, version int) (throttleStats, error) {
	var stats throttleStats
	f, err := os.Open(path + "/cpu.stat")
	if err != nil {
		return stats, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			stats.nrPeriods = value
		case "nr_throttled":
			stats.nrThrottled = value
		case "throttled_usec":
			stats.throttledSec = float64(value) / 1_000_000.0
		case "throttled_time":
			stats.throttledSec = float64(value) / 1_000_000_000.0
		}
	}
	return stats, nil
}
