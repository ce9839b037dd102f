// Package telemetry answers read-only aggregation queries over the file
// journal. Background loops use these to calibrate thresholds, detect
// anomalies, and draft insights; nothing here mutates state.
package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/sensors"
)

// Percentiles is the standard distribution summary for one metric.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// ModeTransitionRecord is one historical mode change.
type ModeTransitionRecord struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ToolCount pairs a tool name with its usage count.
type ToolCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TaskPatterns summarizes recent turn outcomes.
type TaskPatterns struct {
	Total              int         `json:"total"`
	Completed          int         `json:"completed"`
	SuccessRate        float64     `json:"success_rate"`
	AvgDurationMS      float64     `json:"avg_duration_ms"`
	MostUsedTools      []ToolCount `json:"most_used_tools"`
	HourlyDistribution [24]int     `json:"hourly_distribution"`
	AvgCPUPercent      float64     `json:"avg_cpu_percent"`
	AvgMemoryPercent   float64     `json:"avg_memory_percent"`
}

// Queries reads the day-partitioned JSONL journal.
type Queries struct {
	dir    string
	logger *observability.Logger
	now    func() time.Time
}

// Option configures the query layer.
type Option func(*Queries)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queries) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueries creates a query layer over <telemetryRoot>/logs.
func NewQueries(telemetryRoot string, logger *observability.Logger, opts ...Option) *Queries {
	q := &Queries{
		dir:    filepath.Join(telemetryRoot, "logs"),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// scan walks the last n day files, newest day last, feeding each decoded
// event to fn. Missing days and malformed lines are skipped.
func (q *Queries) scan(ctx context.Context, days int, fn func(e observability.Event)) error {
	if days < 1 {
		days = 1
	}
	today := q.now().UTC()
	for i := days - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		path := filepath.Join(q.dir, day+".jsonl")
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("open journal file %s: %w", day, err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var e observability.Event
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				continue
			}
			fn(e)
		}
		if err := scanner.Err(); err != nil {
			q.logger.Warn(ctx, "journal scan stopped early", "day", day, "error", err)
		}
		f.Close()
	}
	return nil
}

// ResourcePercentiles summarizes one sensor metric over sensor poll events.
func (q *Queries) ResourcePercentiles(ctx context.Context, metric string, days int) (Percentiles, error) {
	var values []float64
	err := q.scan(ctx, days, func(e observability.Event) {
		if e.Type != observability.EventSensorPoll {
			return
		}
		readings, ok := e.Data["sensors"].(map[string]any)
		if !ok {
			return
		}
		if v, ok := readings[metric].(float64); ok {
			values = append(values, v)
		}
	})
	if err != nil {
		return Percentiles{}, err
	}
	if len(values) == 0 {
		return Percentiles{}, nil
	}
	sort.Float64s(values)
	return Percentiles{
		P50: percentile(values, 50),
		P75: percentile(values, 75),
		P90: percentile(values, 90),
		P95: percentile(values, 95),
		P99: percentile(values, 99),
	}, nil
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// ModeTransitions returns recorded mode changes, oldest first.
func (q *Queries) ModeTransitions(ctx context.Context, days int) ([]ModeTransitionRecord, error) {
	var out []ModeTransitionRecord
	err := q.scan(ctx, days, func(e observability.Event) {
		if e.Type != observability.EventModeTransition {
			return
		}
		rec := ModeTransitionRecord{At: e.Timestamp}
		if v, ok := e.Data["from"].(string); ok {
			rec.From = v
		}
		if v, ok := e.Data["to"].(string); ok {
			rec.To = v
		}
		if v, ok := e.Data["reason"].(string); ok {
			rec.Reason = v
		}
		out = append(out, rec)
	})
	return out, err
}

// ConsolidationTriggers counts consolidation runs in the window.
func (q *Queries) ConsolidationTriggers(ctx context.Context, days int) (int, error) {
	return q.EventCount(ctx, observability.EventConsolidationTriggered, days)
}

// TaskPatterns aggregates turn outcomes, tool usage, and resource averages.
func (q *Queries) TaskPatterns(ctx context.Context, days int) (TaskPatterns, error) {
	var tp TaskPatterns
	toolCounts := map[string]int{}
	var durationSum float64
	var durationN int
	var cpuSum, memSum float64
	var cpuN, memN int

	err := q.scan(ctx, days, func(e observability.Event) {
		switch e.Type {
		case observability.EventTaskCompleted:
			tp.Total++
			tp.Completed++
			tp.HourlyDistribution[e.Timestamp.UTC().Hour()]++
			if v, ok := e.Data["duration_ms"].(float64); ok {
				durationSum += v
				durationN++
			}
		case observability.EventTaskFailed:
			tp.Total++
			tp.HourlyDistribution[e.Timestamp.UTC().Hour()]++
			if v, ok := e.Data["duration_ms"].(float64); ok {
				durationSum += v
				durationN++
			}
		case observability.EventToolCallCompleted:
			if name, ok := e.Data["tool_name"].(string); ok {
				toolCounts[name]++
			}
		case observability.EventSensorPoll:
			readings, ok := e.Data["sensors"].(map[string]any)
			if !ok {
				return
			}
			if v, ok := readings[sensors.KeyCPULoad].(float64); ok {
				cpuSum += v
				cpuN++
			}
			if v, ok := readings[sensors.KeyMemUsed].(float64); ok {
				memSum += v
				memN++
			}
		}
	})
	if err != nil {
		return TaskPatterns{}, err
	}

	if tp.Total > 0 {
		tp.SuccessRate = float64(tp.Completed) / float64(tp.Total)
	}
	if durationN > 0 {
		tp.AvgDurationMS = durationSum / float64(durationN)
	}
	if cpuN > 0 {
		tp.AvgCPUPercent = cpuSum / float64(cpuN)
	}
	if memN > 0 {
		tp.AvgMemoryPercent = memSum / float64(memN)
	}

	for name, n := range toolCounts {
		tp.MostUsedTools = append(tp.MostUsedTools, ToolCount{Name: name, Count: n})
	}
	sort.Slice(tp.MostUsedTools, func(i, k int) bool {
		if tp.MostUsedTools[i].Count != tp.MostUsedTools[k].Count {
			return tp.MostUsedTools[i].Count > tp.MostUsedTools[k].Count
		}
		return tp.MostUsedTools[i].Name < tp.MostUsedTools[k].Name
	})
	if len(tp.MostUsedTools) > 5 {
		tp.MostUsedTools = tp.MostUsedTools[:5]
	}
	return tp, nil
}

// EventCount counts events of one type in the window.
func (q *Queries) EventCount(ctx context.Context, eventType observability.EventType, days int) (int, error) {
	count := 0
	err := q.scan(ctx, days, func(e observability.Event) {
		if e.Type == eventType {
			count++
		}
	})
	return count, err
}

// DailyEventCounts buckets one event type per UTC day.
func (q *Queries) DailyEventCounts(ctx context.Context, eventType observability.EventType, days int) (map[string]int, error) {
	out := map[string]int{}
	err := q.scan(ctx, days, func(e observability.Event) {
		if e.Type == eventType {
			out[e.Timestamp.UTC().Format("2006-01-02")]++
		}
	})
	return out, err
}
