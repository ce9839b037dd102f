package sensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// parseProcStatCPU extracts idle and total jiffies from the aggregate "cpu"
// line of /proc/stat. Idle includes iowait; total covers user through steal.
func parseProcStatCPU(line string) (idle, total uint64, err error) {
	fields := strings.Fields(line)
	if len(fields) < 5 || !strings.HasPrefix(fields[0], "cpu") {
		return 0, 0, fmt.Errorf("malformed cpu line %q", line)
	}

	values := make([]uint64, 0, 8)
	for _, f := range fields[1:] {
		if len(values) == 8 {
			break
		}
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse cpu field %q: %w", f, err)
		}
		values = append(values, v)
	}
	if len(values) < 4 {
		return 0, 0, fmt.Errorf("cpu line has %d fields, want at least 4", len(values))
	}

	idle = values[3]
	if len(values) > 4 {
		idle += values[4] // iowait
	}
	for _, v := range values {
		total += v
	}
	return idle, total, nil
}

// cpuBusyPercent converts two /proc/stat samples into a busy percentage.
func cpuBusyPercent(idle0, total0, idle1, total1 uint64) float64 {
	if total1 <= total0 {
		return 0
	}
	dTotal := float64(total1 - total0)
	dIdle := float64(idle1 - idle0)
	pct := 100 * (1 - dIdle/dTotal)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// parseMeminfoPercent computes used-memory percent from /proc/meminfo
// content, preferring MemAvailable over MemFree.
func parseMeminfoPercent(content string) (float64, error) {
	var total, available, free uint64
	var haveAvailable bool

	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
			haveAvailable = true
		case "MemFree:":
			free = v
		}
	}

	if total == 0 {
		return 0, errors.New("meminfo missing MemTotal")
	}
	if !haveAvailable {
		available = free
	}
	return 100 * (1 - float64(available)/float64(total)), nil
}

// parseLoadAvgRaw decodes the kernel loadavg struct (three fixed-point
// samples plus the scale) and returns the one-minute average.
func parseLoadAvgRaw(raw []byte) (float64, error) {
	if len(raw) < 24 {
		return 0, fmt.Errorf("loadavg struct is %d bytes, want 24", len(raw))
	}
	fscale := binary.LittleEndian.Uint64(raw[16:24])
	if fscale == 0 {
		return 0, errors.New("loadavg scale is zero")
	}
	return float64(binary.LittleEndian.Uint32(raw[0:4])) / float64(fscale), nil
}

// parseVMStatUsedPages sums the page classes vm_stat reports as held memory:
// active, wired and compressor-occupied.
func parseVMStatUsedPages(content string) (uint64, error) {
	wanted := map[string]bool{
		"Pages active":                 true,
		"Pages wired down":             true,
		"Pages occupied by compressor": true,
	}

	var used uint64
	var matched int
	for _, line := range strings.Split(content, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !wanted[name] {
			continue
		}
		value = strings.TrimSuffix(strings.TrimSpace(value), ".")
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			continue
		}
		used += v
		matched++
	}
	if matched == 0 {
		return 0, errors.New("vm_stat output had no recognized page counters")
	}
	return used, nil
}

var ioregUtilization = regexp.MustCompile(`"Device Utilization %"\s*=\s*(\d+)`)

// parseIORegGPULoad extracts the accelerator utilization percentage from
// ioreg output, if present.
func parseIORegGPULoad(content string) (float64, bool) {
	m := ioregUtilization.FindStringSubmatch(content)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// diskUsedPercent computes the same used percentage df reports: space not
// free over space visible to unprivileged users.
func diskUsedPercent(blocks, bfree, bavail uint64) (float64, error) {
	used := blocks - bfree
	visible := used + bavail
	if visible == 0 {
		return 0, errors.New("filesystem reports zero visible blocks")
	}
	return 100 * float64(used) / float64(visible), nil
}
