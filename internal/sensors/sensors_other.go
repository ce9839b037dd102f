//go:build !linux && !darwin

package sensors

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("sensor not supported on this platform")

func (c *Collector) cpuLoad(ctx context.Context) (float64, error) {
	return 0, errUnsupported
}

func (c *Collector) memUsed() (float64, error) {
	return 0, errUnsupported
}

func (c *Collector) diskUsed() (float64, error) {
	return 0, errUnsupported
}

func (c *Collector) gpuReadings(ctx context.Context) map[string]float64 {
	return nil
}
