package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/contextwindow"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/journal"
	"github.com/medulla-ai/medulla/internal/llm"
	"github.com/medulla-ai/medulla/internal/modes"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/routing"
	"github.com/medulla-ai/medulla/internal/sessions"
	"github.com/medulla-ai/medulla/internal/tools"
	"github.com/medulla-ai/medulla/pkg/models"
)

const (
	replyGenericFailure     = "An error occurred while processing your request. Please try again."
	replyTimeout            = "The request took too long to process. Please try again."
	replyBackendUnavailable = "The model backend is currently unavailable. Please try again."
	replyEmptyModel         = "I wasn't able to produce a response. Please try again."
)

// Request is one inbound user turn.
type Request struct {
	SessionID string
	Message   string
	Channel   models.Channel
	TraceID   string
}

// Result is what the caller gets back. Reply is never empty and TraceID
// always matches the one supplied, or is freshly minted.
type Result struct {
	SessionID string               `json:"session_id"`
	Reply     string               `json:"response"`
	TraceID   string               `json:"trace_id"`
	State     State                `json:"state"`
	Steps     []journal.StepRecord `json:"steps,omitempty"`
}

// Orchestrator drives one turn end to end. Turns on the same session are
// serialized through a refcounted per-session lock; different sessions run
// in parallel.
type Orchestrator struct {
	cfg      config.AgentConfig
	policy   *governance.Policy
	sessions *sessions.Manager
	router   *routing.Router
	pool     *llm.Pool
	registry *tools.Registry
	executor *tools.Executor
	modeMgr  *modes.Manager
	window   *contextwindow.Windower
	captures *journal.Captures
	events   *observability.EventLog
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithCaptures attaches the task-capture store.
func WithCaptures(c *journal.Captures) Option {
	return func(o *Orchestrator) { o.captures = c }
}

// WithMetrics attaches the Prometheus surface.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer attaches the OpenTelemetry tracer. The routing, model-call and
// tool-dispatch phases each get a span under the turn's root span.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New wires the orchestrator from its collaborators.
func New(cfg config.AgentConfig, policy *governance.Policy, mgr *sessions.Manager,
	router *routing.Router, pool *llm.Pool, registry *tools.Registry, executor *tools.Executor,
	modeMgr *modes.Manager, window *contextwindow.Windower,
	events *observability.EventLog, logger *observability.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		policy:   policy,
		sessions: mgr,
		router:   router,
		pool:     pool,
		registry: registry,
		executor: executor,
		modeMgr:  modeMgr,
		window:   window,
		events:   events,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// lockSession serializes turns per session id. The lock record is refcounted
// and dropped from the map when the last holder releases it.
func (o *Orchestrator) lockSession(id string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sessionLock{}
		o.locks[id] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, id)
		}
		o.locksMu.Unlock()
	}
}

// Handle runs one turn. It never returns an error: every failure mode is
// folded into a FAILED result carrying a sanitized reply.
func (o *Orchestrator) Handle(ctx context.Context, req Request) Result {
	trace := observability.TraceContext{TraceID: req.TraceID}
	if trace.TraceID == "" {
		trace = observability.NewTrace()
	}
	ctx = observability.WithTrace(ctx, trace)

	ctx, turnSpan := o.tracer.Start(ctx, "agent.turn",
		observability.Attr("trace_id", trace.TraceID),
		observability.Attr("channel", string(req.Channel)))
	defer turnSpan.End()

	session, err := o.resolveSession(ctx, req)
	if err != nil {
		o.logger.Error(ctx, "session resolution failed", "error", err)
		return Result{
			SessionID: req.SessionID,
			Reply:     replyGenericFailure,
			TraceID:   trace.TraceID,
			State:     StateFailed,
		}
	}

	turnSpan.SetAttributes(observability.Attr("session_id", session.ID))

	unlock := o.lockSession(session.ID)
	defer unlock()

	mode := o.modeMgr.Current()
	ec := newExecutionContext(session.ID, req.Message, mode, session.Channel, trace, o.now)

	// Mode-dependent hard deadline for the whole turn.
	turnCtx := ctx
	if constraint := o.policy.ConstraintFor(string(mode)); constraint.TurnTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, time.Duration(constraint.TurnTimeoutSeconds)*time.Second)
		defer cancel()
	}

	o.transition(turnCtx, ec, StateRouting)
	o.events.Emit(turnCtx, observability.Event{
		Type:      observability.EventTaskStarted,
		Component: "agent",
		SessionID: session.ID,
		Mode:      string(mode),
		Data:      map[string]any{"channel": string(session.Channel)},
	})

	userMsg := models.Message{Role: models.RoleUser, Content: req.Message, CreatedAt: o.now().UTC()}
	if err := o.sessions.AppendMessage(turnCtx, session.ID, userMsg); err != nil {
		return o.fail(turnCtx, ec, err, "append user turn")
	}

	return o.run(turnCtx, ec, req.Message)
}

// resolveSession finds, hydrates, or creates the target session. A caller-
// supplied id that exists nowhere becomes a fresh session under that id.
func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (*models.Session, error) {
	channel := req.Channel
	if channel == "" {
		channel = models.ChannelChat
	}
	if req.SessionID == "" {
		return o.sessions.Create(ctx, o.modeMgr.Current(), channel, "")
	}

	session, err := o.sessions.Get(ctx, req.SessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return nil, err
	}

	hydrated, err := o.sessions.Hydrate(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if hydrated {
		return o.sessions.Get(ctx, req.SessionID)
	}
	return o.sessions.Create(ctx, o.modeMgr.Current(), channel, req.SessionID)
}

// run is the routing → model call → tool dispatch loop.
func (o *Orchestrator) run(ctx context.Context, ec *ExecutionContext, message string) Result {
	routeStart := o.now()
	routeCtx, routeSpan := o.tracer.Start(ctx, "agent.routing")
	plan := o.router.Route(routeCtx, message)
	role := o.router.Resolve(plan.TargetRole, ec.Mode)
	routeSpan.SetAttributes(
		observability.Attr("target_role", string(plan.TargetRole)),
		observability.Attr("resolved_role", string(role)),
		observability.Attr("confidence", plan.Confidence))
	routeSpan.End()
	ec.recordStep("routing", routeStart, map[string]any{
		"target_model_role": string(plan.TargetRole),
		"resolved_role":     string(role),
		"confidence":        plan.Confidence,
		"used_heuristics":   plan.UsedHeuristics,
	})

	client, ok := o.pool.ClientFor(role)
	if !ok {
		return o.fail(ctx, ec, errors.New("no model configured for resolved role"), "resolve model client")
	}

	snapshot, err := o.sessions.Get(ctx, ec.SessionID)
	if err != nil {
		return o.fail(ctx, ec, err, "load session history")
	}
	history := snapshot.Messages

	maxTokens := o.cfg.MaxTokens
	if constraint := o.policy.ConstraintFor(string(ec.Mode)); constraint.MaxTokens > 0 && constraint.MaxTokens < maxTokens {
		maxTokens = constraint.MaxTokens
	}

	maxSteps := o.cfg.MaxSteps
	if maxSteps < 1 {
		maxSteps = 1
	}

	var resp *llm.ChatResponse
	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, ec, err, "turn deadline")
		}

		o.transition(ctx, ec, StateModelCall)
		windowed := o.window.Apply(history, maxTokens, o.cfg.ReservedTokens, o.cfg.Strategy)

		var fns []tools.LLMFunction
		if client.SupportsFunctionCalling() {
			mode := ec.Mode
			fns = o.registry.DefinitionsForLLM(&mode)
		}

		callStart := o.now()
		callCtx, callSpan := o.tracer.Start(ctx, "agent.model_call",
			observability.Attr("role", string(role)),
			observability.Attr("step", step))
		resp, err = client.Chat(callCtx, llm.ChatRequest{Messages: windowed, Functions: fns})
		if err != nil {
			o.tracer.RecordError(callSpan, err)
			callSpan.End()
			ec.recordStep("llm_call", callStart, map[string]any{"role": string(role), "error": true})
			return o.fail(ctx, ec, err, "model call")
		}
		callSpan.SetAttributes(
			observability.Attr("model", resp.Model),
			observability.Attr("tool_calls", len(resp.ToolCalls)))
		callSpan.End()
		ec.recordStep("llm_call", callStart, map[string]any{
			"role":              string(role),
			"model":             resp.Model,
			"tool_calls":        len(resp.ToolCalls),
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
		})

		if len(resp.ToolCalls) == 0 || step == maxSteps {
			break
		}

		o.transition(ctx, ec, StateToolDispatch)
		assistantMsg := models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			CreatedAt: o.now().UTC(),
		}
		if err := o.sessions.AppendMessage(ctx, ec.SessionID, assistantMsg); err != nil {
			return o.fail(ctx, ec, err, "append assistant tool turn")
		}
		history = append(history, assistantMsg)

		for _, call := range resp.ToolCalls {
			result := o.dispatchTool(ctx, ec, call)
			toolMsg := models.Message{
				Role:       models.RoleTool,
				Content:    toolMessageContent(result),
				ToolCallID: call.ID,
				Name:       call.Name,
				CreatedAt:  o.now().UTC(),
			}
			if err := o.sessions.AppendMessage(ctx, ec.SessionID, toolMsg); err != nil {
				return o.fail(ctx, ec, err, "append tool result")
			}
			history = append(history, toolMsg)
		}
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		reply = replyEmptyModel
	}

	assistantMsg := models.Message{Role: models.RoleAssistant, Content: reply, CreatedAt: o.now().UTC()}
	if err := o.sessions.AppendMessage(ctx, ec.SessionID, assistantMsg); err != nil {
		return o.fail(ctx, ec, err, "append assistant turn")
	}

	o.transition(ctx, ec, StateCompleted)
	o.events.Emit(ctx, observability.Event{
		Type:      observability.EventTaskCompleted,
		Component: "agent",
		SessionID: ec.SessionID,
		Mode:      string(ec.Mode),
		Data: map[string]any{
			"duration_ms": ec.timer.TotalMS(),
			"steps":       len(ec.Steps),
		},
	})

	o.capture(ctx, ec, reply, journal.OutcomeCompleted)
	return Result{
		SessionID: ec.SessionID,
		Reply:     reply,
		TraceID:   ec.Trace.TraceID,
		State:     StateCompleted,
		Steps:     ec.Steps,
	}
}

// dispatchTool runs one requested call through the execution layer and logs
// it as a step. Malformed argument JSON never reaches the executor.
func (o *Orchestrator) dispatchTool(ctx context.Context, ec *ExecutionContext, call models.ToolCall) models.ToolResult {
	started := o.now()
	toolCtx, span := o.tracer.Start(ctx, "agent.tool_call",
		observability.Attr("tool_name", call.Name))
	defer span.End()

	var args map[string]any
	var result models.ToolResult
	if len(call.Arguments) > 0 && json.Unmarshal(call.Arguments, &args) != nil {
		result = models.ToolResult{
			ToolName: call.Name,
			Success:  false,
			Error:    "invalid tool arguments: not a JSON object",
			Metadata: map[string]any{"category": string(tools.CategoryValidation)},
		}
	} else {
		result = o.executor.Execute(toolCtx, call.Name, args, ec.Trace)
	}
	span.SetAttributes(observability.Attr("success", result.Success))

	ec.recordStep("tool_call", started, map[string]any{
		"tool_name": call.Name,
		"success":   result.Success,
	})
	return result
}

func toolMessageContent(result models.ToolResult) string {
	if !result.Success {
		return "Error: " + result.Error
	}
	out := result.OutputString()
	if out == "" {
		out = "(no output)"
	}
	return out
}

// fail transitions to FAILED, records the turn, and builds the sanitized
// reply. It still appends an assistant turn so the session history always
// pairs the user message with a response.
func (o *Orchestrator) fail(ctx context.Context, ec *ExecutionContext, err error, stage string) Result {
	reply, outcome := sanitizedReply(err)
	ec.Error = tools.SanitizeError(err.Error())
	o.transition(ctx, ec, StateFailed)

	o.logger.Error(ctx, "turn failed", "stage", stage, "session_id", ec.SessionID, "error", err)
	o.events.Emit(ctx, observability.Event{
		Type:      observability.EventTaskFailed,
		Component: "agent",
		SessionID: ec.SessionID,
		Mode:      string(ec.Mode),
		Data:      map[string]any{"stage": stage, "duration_ms": ec.timer.TotalMS()},
		Error:     ec.Error,
	})
	if o.metrics != nil {
		o.metrics.RecordError("agent", string(tools.CategorizeError(err.Error())))
	}

	assistantMsg := models.Message{Role: models.RoleAssistant, Content: reply, CreatedAt: o.now().UTC()}
	if appendErr := o.sessions.AppendMessage(ctx, ec.SessionID, assistantMsg); appendErr != nil {
		o.logger.Warn(ctx, "could not record failure reply", "session_id", ec.SessionID, "error", appendErr)
	}

	o.capture(ctx, ec, reply, outcome)
	return Result{
		SessionID: ec.SessionID,
		Reply:     reply,
		TraceID:   ec.Trace.TraceID,
		State:     StateFailed,
		Steps:     ec.Steps,
	}
}

// sanitizedReply maps a failure to the user-visible category variant.
func sanitizedReply(err error) (string, journal.Outcome) {
	if errors.Is(err, context.DeadlineExceeded) {
		return replyTimeout, journal.OutcomeTimeout
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		switch llmErr.Kind {
		case llm.KindTimeout:
			return replyTimeout, journal.OutcomeTimeout
		case llm.KindConnection, llm.KindRateLimit, llm.KindServer:
			return replyBackendUnavailable, journal.OutcomeFailed
		}
	}
	return replyGenericFailure, journal.OutcomeFailed
}

func (o *Orchestrator) transition(ctx context.Context, ec *ExecutionContext, to State) {
	from := ec.State
	ec.State = to
	o.events.Emit(ctx, observability.Event{
		Type:      observability.EventStateTransition,
		Component: "agent",
		SessionID: ec.SessionID,
		Mode:      string(ec.Mode),
		Data:      map[string]any{"from": string(from), "to": string(to)},
	})
}

// capture writes the post-turn record. Capture failures are logged, never
// surfaced; the reply has already been decided.
func (o *Orchestrator) capture(ctx context.Context, ec *ExecutionContext, reply string, outcome journal.Outcome) {
	if o.captures == nil {
		return
	}
	var toolsUsed []string
	seen := map[string]bool{}
	for _, s := range ec.Steps {
		if s.Name != "tool_call" {
			continue
		}
		if name, ok := s.Detail["tool_name"].(string); ok && !seen[name] {
			seen[name] = true
			toolsUsed = append(toolsUsed, name)
		}
	}
	c := journal.TaskCapture{
		TraceID:           ec.Trace.TraceID,
		SessionID:         ec.SessionID,
		Timestamp:         o.now().UTC(),
		UserMessage:       ec.UserMessage,
		AssistantResponse: reply,
		Steps:             ec.Steps,
		ToolsUsed:         toolsUsed,
		DurationMS:        ec.timer.TotalMS(),
		Outcome:           outcome,
	}
	if err := o.captures.Write(ctx, c); err != nil {
		o.logger.Warn(ctx, "task capture write failed", "trace_id", ec.Trace.TraceID, "error", err)
	}
}
