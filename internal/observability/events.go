package observability

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EventType categorizes telemetry events. The vocabulary is closed; new
// types are added here, never ad hoc at call sites.
type EventType string

const (
	EventRequestReceived EventType = "request_received"

	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	EventStepExecuted    EventType = "step_executed"
	EventStateTransition EventType = "state_transition"

	EventModelCallStarted   EventType = "model_call_started"
	EventModelCallCompleted EventType = "model_call_completed"
	EventModelCallError     EventType = "model_call_error"

	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventToolCallFailed    EventType = "tool_call_failed"

	EventModeTransition  EventType = "mode_transition"
	EventSensorPoll      EventType = "sensor_poll"
	EventPolicyViolation EventType = "policy_violation"

	EventApprovalRequired EventType = "approval_required"
	EventApprovalGranted  EventType = "approval_granted"
	EventApprovalDenied   EventType = "approval_denied"

	EventSessionCreated EventType = "session_created"
	EventSessionClosed  EventType = "session_closed"

	EventCaptainsLogCreated   EventType = "captains_log_created"
	EventCaptainsLogCommitted EventType = "captains_log_committed"

	EventLifecycleArchive      EventType = "lifecycle_archive"
	EventLifecyclePurge        EventType = "lifecycle_purge"
	EventLifecycleDiskAlert    EventType = "lifecycle_disk_alert"
	EventLifecycleIndexCleanup EventType = "lifecycle_index_cleanup"

	EventRoutingDecision   EventType = "routing_decision"
	EventRoutingDelegation EventType = "routing_delegation"
	EventRoutingHandled    EventType = "routing_handled"
	EventRoutingParseError EventType = "routing_parse_error"

	EventGatewayStarted        EventType = "gateway_started"
	EventGatewayStopped        EventType = "gateway_stopped"
	EventGatewayInitFailed     EventType = "gateway_init_failed"
	EventGatewayToolDiscovered EventType = "gateway_tool_discovered"
	EventGatewayToolGoverned   EventType = "gateway_tool_governance_added"

	EventQualityReport          EventType = "quality_monitor_report"
	EventQualityAnomaly         EventType = "quality_monitor_anomaly"
	EventConsolidationTriggered EventType = "consolidation_triggered"
	EventInsightGenerated       EventType = "insight_generated"
)

// Event is a single structured record in the telemetry stream. Events are
// immutable once written; the sequence number breaks timestamp ties so the
// per-turn ordering guarantee holds even at nanosecond collisions.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	TraceID   string         `json:"trace_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Sink receives completed events. Write must not retain the event's Data map.
type Sink interface {
	Write(e Event) error
}

// EventLog fans events out to its sinks. Emission never blocks the caller on
// slow sinks (the shipper maintains its own bounded queue) and never fails:
// sink errors are logged and swallowed.
type EventLog struct {
	logger *Logger
	seq    atomic.Int64

	mu    sync.RWMutex
	sinks []Sink
}

// NewEventLog creates an event log writing to the given sinks.
func NewEventLog(logger *Logger, sinks ...Sink) *EventLog {
	return &EventLog{logger: logger, sinks: sinks}
}

// AddSink attaches an additional sink. Intended for startup wiring only.
func (l *EventLog) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Emit records one event, filling timestamp, sequence and any correlation
// ids present on ctx that the caller left empty.
func (l *EventLog) Emit(ctx context.Context, e Event) {
	e.Seq = l.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = GetTraceID(ctx)
	}
	if e.SessionID == "" {
		e.SessionID = GetSessionID(ctx)
	}

	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(e); err != nil && l.logger != nil {
			l.logger.Warn(ctx, "event sink write failed",
				"event_type", string(e.Type),
				"error", err,
			)
		}
	}

	eventsEmitted.WithLabelValues(string(e.Type)).Inc()
}

// Error emits an event carrying an error string.
func (l *EventLog) Error(ctx context.Context, e Event, err error) {
	if err != nil {
		e.Error = err.Error()
	}
	l.Emit(ctx, e)
}

// MemorySink is a bounded in-memory sink used for tests, the timeline CLI
// and recent-event inspection. When full it evicts the oldest tenth.
type MemorySink struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
}

// NewMemorySink creates a memory sink holding at most maxSize events.
func NewMemorySink(maxSize int) *MemorySink {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemorySink{maxSize: maxSize}
}

func (s *MemorySink) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.maxSize {
		drop := s.maxSize / 10
		if drop < 1 {
			drop = 1
		}
		s.events = append(s.events[:0], s.events[drop:]...)
	}
	s.events = append(s.events, e)
	return nil
}

// ByTraceID returns all stored events for a trace, in emission order.
func (s *MemorySink) ByTraceID(traceID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ByType returns the most recent events of one type, newest first.
func (s *MemorySink) ByType(t EventType, limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == t {
			out = append(out, s.events[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// All returns a copy of every stored event in emission order.
func (s *MemorySink) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
