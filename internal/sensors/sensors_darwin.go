//go:build darwin

package sensors

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
)

// cpuLoad reports the one-minute load average scaled by core count. The
// sample interval is unused here; the kernel already smooths the value.
func (c *Collector) cpuLoad(ctx context.Context) (float64, error) {
	raw, err := syscall.SysctlRaw("vm.loadavg")
	if err != nil {
		return 0, fmt.Errorf("sysctl vm.loadavg: %w", err)
	}
	load1, err := parseLoadAvgRaw(raw)
	if err != nil {
		return 0, err
	}

	pct := 100 * load1 / float64(runtime.NumCPU())
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

func (c *Collector) memUsed() (float64, error) {
	memsize, err := syscall.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	if memsize == 0 {
		return 0, fmt.Errorf("hw.memsize is zero")
	}

	out, err := exec.Command("vm_stat").Output()
	if err != nil {
		return 0, fmt.Errorf("vm_stat: %w", err)
	}
	usedPages, err := parseVMStatUsedPages(string(out))
	if err != nil {
		return 0, err
	}

	used := usedPages * uint64(syscall.Getpagesize())
	return 100 * float64(used) / float64(memsize), nil
}

func (c *Collector) diskUsed() (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.diskPath, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", c.diskPath, err)
	}
	return diskUsedPercent(st.Blocks, st.Bfree, st.Bavail)
}

// gpuReadings queries the IOKit accelerator entry for utilization. The probe
// works without privileges on Apple silicon; anything missing is skipped.
func (c *Collector) gpuReadings(ctx context.Context) map[string]float64 {
	out, err := exec.CommandContext(ctx, "ioreg", "-r", "-d", "1", "-c", "IOAccelerator").Output()
	if err != nil {
		c.logger.Debug(ctx, "gpu probe failed", "error", err)
		return nil
	}
	load, ok := parseIORegGPULoad(string(out))
	if !ok {
		return nil
	}
	return map[string]float64{KeyGPULoad: load}
}
