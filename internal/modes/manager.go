// Package modes owns the operational mode state machine. The current mode
// gates tool access and model-role selection; it moves only along edges
// declared in governance transition rules and never decays on its own.
package modes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/pkg/models"
)

// TransitionError reports an attempt to move along an edge the governance
// rules do not declare.
type TransitionError struct {
	From models.Mode
	To   models.Mode
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal mode transition %s -> %s", e.From, e.To)
}

// Transition is one recorded mode change.
type Transition struct {
	From     models.Mode `json:"from"`
	To       models.Mode `json:"to"`
	Reason   string      `json:"reason"`
	Evidence []string    `json:"evidence_metric_ids,omitempty"`
	At       time.Time   `json:"at"`
}

// Manager is the process-wide mode state machine. Reads are cheap; all
// mutation is serialized internally, which is what lets the request path and
// the background loops share it.
type Manager struct {
	policy  *governance.Policy
	events  *observability.EventLog
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	current models.Mode
	history []Transition
}

// Option configures the manager.
type Option func(*Manager)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics attaches the Prometheus surface.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a manager starting in NORMAL.
func NewManager(policy *governance.Policy, events *observability.EventLog, logger *observability.Logger, opts ...Option) *Manager {
	m := &Manager{
		policy:  policy,
		events:  events,
		logger:  logger,
		now:     time.Now,
		current: models.ModeNormal,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the current mode.
func (m *Manager) Current() models.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// History returns a copy of recorded transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// EvaluateTransitions checks every rule leaving the current mode against the
// sensor map. The first rule whose conditions all hold triggers the
// transition; later rules are not considered. Returns the applied transition
// or nil when nothing fired.
func (m *Manager) EvaluateTransitions(ctx context.Context, sensors map[string]float64) *Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rule := range m.policy.TransitionRules {
		if rule.From != string(m.current) {
			continue
		}
		if !conditionsHold(rule.Conditions, sensors) {
			continue
		}
		evidence := make([]string, 0, len(rule.Conditions))
		for _, c := range rule.Conditions {
			evidence = append(evidence, c.Metric)
		}
		t := m.applyLocked(ctx, models.Mode(rule.To), rule.Reason, evidence)
		return &t
	}
	return nil
}

// TransitionTo is the explicit override. It respects the same edge list as
// rule evaluation: a target with no declared rule from the current mode is a
// *TransitionError. Self-loops are always illegal.
func (m *Manager) TransitionTo(ctx context.Context, to models.Mode, reason string, evidence []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return &TransitionError{From: m.current, To: to}
	}
	if !m.edgeDeclaredLocked(to) {
		return &TransitionError{From: m.current, To: to}
	}
	m.applyLocked(ctx, to, reason, evidence)
	return nil
}

func (m *Manager) edgeDeclaredLocked(to models.Mode) bool {
	for _, rule := range m.policy.TransitionRules {
		if rule.From == string(m.current) && rule.To == string(to) {
			return true
		}
	}
	return false
}

func (m *Manager) applyLocked(ctx context.Context, to models.Mode, reason string, evidence []string) Transition {
	t := Transition{
		From:     m.current,
		To:       to,
		Reason:   reason,
		Evidence: evidence,
		At:       m.now().UTC(),
	}
	m.current = to
	m.history = append(m.history, t)

	if m.logger != nil {
		m.logger.Info(ctx, "mode transition",
			"from", string(t.From), "to", string(t.To), "reason", reason)
	}
	if m.events != nil {
		m.events.Emit(ctx, observability.Event{
			Type:      observability.EventModeTransition,
			Component: "modes",
			Mode:      string(to),
			Data: map[string]any{
				"from":                t.From,
				"to":                  t.To,
				"reason":              reason,
				"evidence_metric_ids": evidence,
			},
		})
	}
	if m.metrics != nil {
		m.metrics.ModeTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	}
	return t
}

func conditionsHold(conds []governance.Condition, sensors map[string]float64) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		v, ok := sensors[c.Metric]
		if !ok {
			return false
		}
		if !compare(v, c.Op, c.Threshold) {
			return false
		}
	}
	return true
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "==":
		return v == threshold
	default:
		return false
	}
}
