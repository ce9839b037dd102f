// Package sensors reads host resource metrics: CPU load, memory use, disk
// use and, on Apple silicon, GPU utilization. Readings feed mode transitions
// and the sensor poll loop, so every probe is best-effort: failures are
// logged and the affected key is simply absent from the snapshot.
package sensors

import (
	"context"
	"time"

	"github.com/medulla-ai/medulla/internal/observability"
)

// Stable keys for the sensor namespace. Mode transition rules and telemetry
// queries reference these by name.
const (
	KeyCPULoad  = "perf_system_cpu_load"
	KeyMemUsed  = "perf_system_mem_used"
	KeyDiskUsed = "perf_system_disk_used"
	KeyGPULoad  = "perf_system_gpu_load"
	KeyGPUPower = "perf_system_gpu_power"
	KeyGPUTemp  = "perf_system_gpu_temp"
)

// Collector polls the host for resource metrics.
type Collector struct {
	logger         *observability.Logger
	diskPath       string
	sampleInterval time.Duration
}

// Option adjusts collector behavior.
type Option func(*Collector)

// WithDiskPath sets the mount point measured for disk use. Defaults to "/".
func WithDiskPath(path string) Option {
	return func(c *Collector) { c.diskPath = path }
}

// WithSampleInterval sets the gap between the two CPU counter samples.
func WithSampleInterval(d time.Duration) Option {
	return func(c *Collector) { c.sampleInterval = d }
}

// New creates a collector.
func New(logger *observability.Logger, opts ...Option) *Collector {
	c := &Collector{
		logger:         logger,
		diskPath:       "/",
		sampleInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current readings as a flat map. Keys whose probe
// failed are omitted; the map may be empty.
func (c *Collector) Snapshot(ctx context.Context) map[string]float64 {
	out := make(map[string]float64)

	if v, err := c.cpuLoad(ctx); err != nil {
		c.logger.Debug(ctx, "cpu probe failed", "error", err)
	} else {
		out[KeyCPULoad] = v
	}

	if v, err := c.memUsed(); err != nil {
		c.logger.Debug(ctx, "memory probe failed", "error", err)
	} else {
		out[KeyMemUsed] = v
	}

	if v, err := c.diskUsed(); err != nil {
		c.logger.Debug(ctx, "disk probe failed", "error", err)
	} else {
		out[KeyDiskUsed] = v
	}

	for k, v := range c.gpuReadings(ctx) {
		out[k] = v
	}
	return out
}
