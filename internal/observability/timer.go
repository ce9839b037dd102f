package observability

import (
	"sync"
	"time"
)

// TimingSpan is one named interval inside a request, with its offset from
// request start. Created only through the RequestTimer's monotonic clock.
type TimingSpan struct {
	Name       string         `json:"name"`
	OffsetMS   int64          `json:"offset_ms"`
	DurationMS int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RequestTimer records named spans for a single turn. All durations come
// from the monotonic clock; offsets are relative to timer creation. Ending a
// span that was never started returns 0 rather than failing; timing must
// never break the request path.
type RequestTimer struct {
	mu        sync.Mutex
	start     time.Time
	open      map[string]time.Time
	completed []TimingSpan
}

// NewRequestTimer anchors a timer at the current instant.
func NewRequestTimer() *RequestTimer {
	return &RequestTimer{
		start: time.Now(),
		open:  make(map[string]time.Time),
	}
}

// StartSpan marks the beginning of a named span. Restarting an open span
// moves its start point.
func (t *RequestTimer) StartSpan(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[name] = time.Now()
}

// EndSpan completes a span and returns its duration in milliseconds.
// Unknown names return 0. The same name may complete multiple times.
func (t *RequestTimer) EndSpan(name string, metadata map[string]any) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, ok := t.open[name]
	if !ok {
		return 0
	}
	delete(t.open, name)

	dur := time.Since(started).Milliseconds()
	t.completed = append(t.completed, TimingSpan{
		Name:       name,
		OffsetMS:   started.Sub(t.start).Milliseconds(),
		DurationMS: dur,
		Metadata:   metadata,
	})
	return dur
}

// Span times fn as a named span.
func (t *RequestTimer) Span(name string, metadata map[string]any, fn func()) int64 {
	t.StartSpan(name)
	fn()
	return t.EndSpan(name, metadata)
}

// RecordInstant records a zero-duration marker at the current offset.
func (t *RequestTimer) RecordInstant(name string, metadata map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = append(t.completed, TimingSpan{
		Name:     name,
		OffsetMS: time.Since(t.start).Milliseconds(),
		Metadata: metadata,
	})
}

// GetSpan returns the most recently completed span with the given name.
func (t *RequestTimer) GetSpan(name string) (TimingSpan, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.completed) - 1; i >= 0; i-- {
		if t.completed[i].Name == name {
			return t.completed[i], true
		}
	}
	return TimingSpan{}, false
}

// TotalMS returns the elapsed time since timer creation in milliseconds.
func (t *RequestTimer) TotalMS() int64 {
	return time.Since(t.start).Milliseconds()
}

// Breakdown returns completed spans sorted by offset plus a trailing total
// entry covering the timer's whole lifetime so far.
func (t *RequestTimer) Breakdown() []TimingSpan {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TimingSpan, len(t.completed))
	copy(out, t.completed)
	// Stable insertion keeps equal offsets in completion order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].OffsetMS < out[j-1].OffsetMS; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	out = append(out, TimingSpan{
		Name:       "total",
		OffsetMS:   0,
		DurationMS: time.Since(t.start).Milliseconds(),
	})
	return out
}
