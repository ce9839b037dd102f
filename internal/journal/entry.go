// Package journal is the operator-visible captain's log: structured entries
// proposed by background loops, reviewed by a human, plus the per-turn task
// captures that feed consolidation.
package journal

import (
	"fmt"
	"time"
)

// EntryType classifies a captain's-log entry.
type EntryType string

const (
	TypeReflection     EntryType = "reflection"
	TypeConfigProposal EntryType = "config_proposal"
	TypeHypothesis     EntryType = "hypothesis"
	TypeObservation    EntryType = "observation"
	TypeIdea           EntryType = "idea"
)

// ParseEntryType validates an entry type name.
func ParseEntryType(s string) (EntryType, error) {
	switch EntryType(s) {
	case TypeReflection, TypeConfigProposal, TypeHypothesis, TypeObservation, TypeIdea:
		return EntryType(s), nil
	}
	return "", fmt.Errorf("unknown journal entry type %q", s)
}

// EntryStatus is the review state. Approved and implemented are irreversible
// within a run; rejected is terminal.
type EntryStatus string

const (
	StatusAwaitingApproval EntryStatus = "awaiting_approval"
	StatusApproved         EntryStatus = "approved"
	StatusRejected         EntryStatus = "rejected"
	StatusImplemented      EntryStatus = "implemented"
)

// ParseEntryStatus validates a status name.
func ParseEntryStatus(s string) (EntryStatus, error) {
	switch EntryStatus(s) {
	case StatusAwaitingApproval, StatusApproved, StatusRejected, StatusImplemented:
		return EntryStatus(s), nil
	}
	return "", fmt.Errorf("unknown journal status %q", s)
}

// legalTransitions lists the allowed status edges.
var legalTransitions = map[EntryStatus][]EntryStatus{
	StatusAwaitingApproval: {StatusApproved, StatusRejected},
	StatusApproved:         {StatusImplemented},
}

// CanTransition reports whether from→to is a legal status edge.
func CanTransition(from, to EntryStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MetricSample is one structured metric attached to an entry.
type MetricSample struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Window string  `json:"window,omitempty"`
}

// Entry is one captain's-log record.
type Entry struct {
	ID                string         `json:"entry_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Type              EntryType      `json:"type"`
	Title             string         `json:"title"`
	Rationale         string         `json:"rationale"`
	ProposedChange    map[string]any `json:"proposed_change,omitempty"`
	SupportingMetrics []string       `json:"supporting_metrics,omitempty"`
	MetricsStructured []MetricSample `json:"metrics_structured,omitempty"`
	Status            EntryStatus    `json:"status"`
}

// StepRecord is one orchestrator step inside a task capture.
type StepRecord struct {
	Name       string         `json:"name"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
)

// TaskCapture is the post-turn record written once per orchestrated turn.
type TaskCapture struct {
	TraceID           string             `json:"trace_id"`
	SessionID         string             `json:"session_id"`
	Timestamp         time.Time          `json:"timestamp"`
	UserMessage       string             `json:"user_message"`
	AssistantResponse string             `json:"assistant_response"`
	Steps             []StepRecord       `json:"steps,omitempty"`
	ToolsUsed         []string           `json:"tools_used,omitempty"`
	DurationMS        int64              `json:"duration_ms"`
	MetricsSummary    map[string]float64 `json:"metrics_summary,omitempty"`
	Outcome           Outcome            `json:"outcome"`
}
