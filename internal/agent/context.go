// Package agent is the orchestrator: the per-turn state machine that routes
// a user message, drives the model/tool loop, and always hands back a
// non-empty reply with its trace id.
package agent

import (
	"time"

	"github.com/medulla-ai/medulla/internal/journal"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/pkg/models"
)

// State names one phase of the turn state machine.
type State string

const (
	StateIdle         State = "IDLE"
	StateRouting      State = "ROUTING"
	StateModelCall    State = "MODEL_CALL"
	StateToolDispatch State = "TOOL_DISPATCH"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
)

// ExecutionContext is the per-turn working state. It lives for exactly one
// call into the orchestrator; the trace id is fixed at creation and never
// rewritten.
type ExecutionContext struct {
	SessionID   string
	Trace       observability.TraceContext
	UserMessage string
	Mode        models.Mode
	Channel     models.Channel
	State       State
	Error       string
	Steps       []journal.StepRecord

	timer *observability.RequestTimer
	now   func() time.Time
}

func newExecutionContext(sessionID, message string, mode models.Mode, channel models.Channel,
	trace observability.TraceContext, now func() time.Time) *ExecutionContext {
	return &ExecutionContext{
		SessionID:   sessionID,
		Trace:       trace,
		UserMessage: message,
		Mode:        mode,
		Channel:     channel,
		State:       StateIdle,
		timer:       observability.NewRequestTimer(),
		now:         now,
	}
}

// recordStep appends a completed step. Steps stay in temporal order because
// the turn runs single-threaded.
func (ec *ExecutionContext) recordStep(name string, started time.Time, detail map[string]any) {
	ec.Steps = append(ec.Steps, journal.StepRecord{
		Name:       name,
		StartedAt:  started.UTC(),
		DurationMS: ec.now().Sub(started).Milliseconds(),
		Detail:     detail,
	})
}
