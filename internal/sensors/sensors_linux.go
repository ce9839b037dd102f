//go:build linux

package sensors

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// cpuLoad measures CPU busy time between two /proc/stat samples.
func (c *Collector) cpuLoad(ctx context.Context) (float64, error) {
	idle0, total0, err := readProcStatCPU()
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(c.sampleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	idle1, total1, err := readProcStatCPU()
	if err != nil {
		return 0, err
	}
	return cpuBusyPercent(idle0, total0, idle1, total1), nil
}

func readProcStatCPU() (idle, total uint64, err error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return parseProcStatCPU(line)
}

func (c *Collector) memUsed() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	return parseMeminfoPercent(string(data))
}

func (c *Collector) diskUsed() (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.diskPath, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", c.diskPath, err)
	}
	return diskUsedPercent(st.Blocks, st.Bfree, st.Bavail)
}

// gpuReadings is empty on Linux; only the Apple accelerator probe exists.
func (c *Collector) gpuReadings(ctx context.Context) map[string]float64 {
	return nil
}
