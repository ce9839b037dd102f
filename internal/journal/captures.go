package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/medulla-ai/medulla/internal/observability"
)

const capturesDirName = "captures"

// Captures writes one pretty-printed task capture per turn under
// <telemetryRoot>/captains_log/captures/YYYY-MM-DD/<trace_id>.json.
type Captures struct {
	dir    string
	logger *observability.Logger
	now    func() time.Time
}

// CapturesOption configures the store.
type CapturesOption func(*Captures)

// WithCapturesNow overrides the clock for tests.
func WithCapturesNow(now func() time.Time) CapturesOption {
	return func(c *Captures) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCaptures creates the capture store.
func NewCaptures(telemetryRoot string, logger *observability.Logger, opts ...CapturesOption) *Captures {
	c := &Captures{
		dir:    filepath.Join(telemetryRoot, entryDirName, capturesDirName),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write persists one capture. Written once per turn; a capture for a known
// trace id is overwritten, never appended.
func (c *Captures) Write(ctx context.Context, capture TaskCapture) error {
	if capture.TraceID == "" {
		return fmt.Errorf("capture missing trace id")
	}
	if capture.Timestamp.IsZero() {
		capture.Timestamp = c.now().UTC()
	}

	day := capture.Timestamp.UTC().Format("2006-01-02")
	dir := filepath.Join(c.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}

	data, err := json.MarshalIndent(capture, "", "  ")
	if err != nil {
		return fmt.Errorf("encode capture: %w", err)
	}
	path := filepath.Join(dir, capture.TraceID+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}
	return nil
}

// ListSince returns captures from the last n days, newest first. Unreadable
// files are skipped with a warning.
func (c *Captures) ListSince(ctx context.Context, days int) ([]TaskCapture, error) {
	if days < 1 {
		days = 1
	}
	cutoff := c.now().UTC().AddDate(0, 0, -days)

	dirs, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read captures dir: %w", err)
	}

	var out []TaskCapture
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		day, err := time.Parse("2006-01-02", d.Name())
		if err != nil || day.Before(cutoff.Truncate(24*time.Hour)) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.dir, d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			path := filepath.Join(c.dir, d.Name(), f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				c.logger.Warn(ctx, "skipping unreadable capture", "path", f.Name(), "error", err)
				continue
			}
			var capture TaskCapture
			if err := json.Unmarshal(data, &capture); err != nil {
				c.logger.Warn(ctx, "skipping malformed capture", "path", f.Name(), "error", err)
				continue
			}
			out = append(out, capture)
		}
	}

	sort.Slice(out, func(i, k int) bool { return out[i].Timestamp.After(out[k].Timestamp) })
	return out, nil
}
