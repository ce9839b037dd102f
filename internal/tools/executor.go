package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/modes"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/pkg/models"
)

// ApprovalRequest is handed to the approval callback when a tool needs a
// human decision.
type ApprovalRequest struct {
	ToolName  string
	Arguments map[string]any
	RiskLevel models.RiskLevel
	Mode      models.Mode
	TraceID   string
}

// ApprovalFunc decides an approval request. It should block until a decision
// is available or ctx expires; a ctx expiry counts as denial.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) bool

// Executor is the gated dispatch boundary. Every failure mode is returned as
// a failed ToolResult; nothing crosses this boundary as a panic or error.
type Executor struct {
	registry *Registry
	policy   *governance.Policy
	modeMgr  *modes.Manager
	events   *observability.EventLog
	logger   *observability.Logger
	metrics  *observability.Metrics
	approval ApprovalFunc
	now      func() time.Time

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema

	rateMu sync.Mutex
	rates  map[string][]time.Time
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithApproval sets the approval callback. Without one, tools that require
// approval are denied.
func WithApproval(fn ApprovalFunc) ExecutorOption {
	return func(e *Executor) { e.approval = fn }
}

// WithMetrics attaches the Prometheus surface.
func WithExecutorMetrics(metrics *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = metrics }
}

// WithClock overrides the clock for rate-limit tests.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor creates the execution layer over a registry.
func NewExecutor(registry *Registry, policy *governance.Policy, modeMgr *modes.Manager, events *observability.EventLog, logger *observability.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		policy:   policy,
		modeMgr:  modeMgr,
		events:   events,
		logger:   logger,
		now:      time.Now,
		schemas:  make(map[string]*jsonschema.Schema),
		rates:    make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call through the full gate. The returned result's
// Success field is the only failure signal; err-shaped outcomes are folded
// into it.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any, trace observability.TraceContext) models.ToolResult {
	start := e.now()
	ctx = observability.WithTrace(ctx, trace)

	e.emit(ctx, observability.EventToolCallStarted, name, nil, "")

	// 1. Resolution.
	def, exec, ok := e.registry.Get(name)
	if !ok {
		return e.fail(ctx, name, start, CategoryNotFound,
			fmt.Sprintf("tool '%s' not found", name))
	}

	// 2. Mode check.
	mode := e.modeMgr.Current()
	if !def.AllowedIn(mode) {
		e.emitPolicyViolation(ctx, name, "mode", string(mode))
		return e.fail(ctx, name, start, CategoryPermission,
			fmt.Sprintf("permission denied: mode %s", mode))
	}

	// 3. Argument validation.
	validated, err := e.validateArgs(def, args)
	if err != nil {
		return e.fail(ctx, name, start, CategoryValidation, err.Error())
	}

	// 4. Path policy.
	if err := e.checkPathPolicy(def, validated); err != nil {
		e.emitPolicyViolation(ctx, name, "path", err.Error())
		return e.fail(ctx, name, start, CategoryPermission, err.Error())
	}

	// Rate limit, when the definition carries one.
	if err := e.checkRateLimit(def); err != nil {
		return e.fail(ctx, name, start, CategoryRateLimit, err.Error())
	}

	// 5. Approval.
	if e.needsApproval(def, mode) {
		granted := e.awaitApproval(ctx, ApprovalRequest{
			ToolName:  name,
			Arguments: validated,
			RiskLevel: def.RiskLevel,
			Mode:      mode,
			TraceID:   trace.TraceID,
		})
		if !granted {
			return e.fail(ctx, name, start, CategoryPermission,
				fmt.Sprintf("approval denied for tool '%s'", name))
		}
	}

	// 6 + 7. Timeout-bounded execution and result wrapping.
	output, execErr := e.executeWithTimeout(ctx, def, exec, validated)
	latency := e.now().Sub(start).Milliseconds()

	if execErr != nil {
		msg := SanitizeError(execErr.Error())
		category := CategorizeError(execErr.Error())
		if category == CategoryTimeout {
			msg = fmt.Sprintf("tool '%s' timed out after %s", name, def.Timeout())
		}
		result := models.ToolResult{
			ToolName:  name,
			Success:   false,
			Error:     msg,
			LatencyMS: latency,
			Metadata:  map[string]any{"category": string(category)},
		}
		e.record(ctx, result)
		return result
	}

	result := models.ToolResult{
		ToolName:  name,
		Success:   true,
		Output:    output,
		LatencyMS: latency,
	}
	e.record(ctx, result)
	return result
}

func (e *Executor) validateArgs(def Definition, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	for _, p := range def.Parameters {
		v, present := out[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		if err := checkType(p, v); err != nil {
			return nil, err
		}
		if len(p.JSONSchema) > 0 {
			if err := e.validateSchema(def.Name, p, v); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func checkType(p Parameter, v any) error {
	switch p.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return typeError(p, v)
		}
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, json.Number:
		default:
			return typeError(p, v)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return typeError(p, v)
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return typeError(p, v)
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return typeError(p, v)
		}
	}
	return nil
}

func typeError(p Parameter, v any) error {
	return fmt.Errorf("invalid type for parameter %q: expected %s, got %T", p.Name, p.Type, v)
}

// validateSchema checks a complex argument against its declared nested
// schema. Compiled schemas are cached per tool+parameter.
func (e *Executor) validateSchema(toolName string, p Parameter, v any) error {
	key := toolName + "." + p.Name

	e.schemaMu.Lock()
	sch, ok := e.schemas[key]
	if !ok {
		raw, err := json.Marshal(p.JSONSchema)
		if err != nil {
			e.schemaMu.Unlock()
			return fmt.Errorf("invalid schema for parameter %q", p.Name)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(key+".json", bytes.NewReader(raw)); err != nil {
			e.schemaMu.Unlock()
			return fmt.Errorf("invalid schema for parameter %q", p.Name)
		}
		sch, err = compiler.Compile(key + ".json")
		if err != nil {
			e.schemaMu.Unlock()
			return fmt.Errorf("invalid schema for parameter %q", p.Name)
		}
		e.schemas[key] = sch
	}
	e.schemaMu.Unlock()

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("invalid value for parameter %q: %s", p.Name, SanitizeError(err.Error()))
	}
	return nil
}

func (e *Executor) checkPathPolicy(def Definition, args map[string]any) error {
	p, ok := args["path"].(string)
	if !ok || p == "" {
		return nil
	}
	tp, ok := e.policy.Tool(def.Name)
	if !ok {
		return nil
	}
	if len(tp.ForbiddenPaths) == 0 && len(tp.AllowedPaths) == 0 {
		return nil
	}
	return CheckPathPolicy(p, tp.AllowedPaths, tp.ForbiddenPaths)
}

func (e *Executor) checkRateLimit(def Definition) error {
	limit := def.RateLimitPerHour
	if tp, ok := e.policy.Tool(def.Name); ok && tp.RateLimitPerHour > 0 {
		limit = tp.RateLimitPerHour
	}
	if limit <= 0 {
		return nil
	}

	now := e.now()
	cutoff := now.Add(-time.Hour)

	e.rateMu.Lock()
	defer e.rateMu.Unlock()

	window := e.rates[def.Name]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		e.rates[def.Name] = kept
		return fmt.Errorf("rate limit exceeded for tool '%s' (%d/hour)", def.Name, limit)
	}
	e.rates[def.Name] = append(kept, now)
	return nil
}

func (e *Executor) needsApproval(def Definition, mode models.Mode) bool {
	if def.RequiresApproval || def.RequiresSandbox {
		return true
	}
	if tp, ok := e.policy.Tool(def.Name); ok && (tp.RequiresApproval || tp.RequiresSandbox) {
		return true
	}
	ha := e.policy.Safety.HumanApproval
	if ha.HighRiskTools && def.RiskLevel == models.RiskHigh {
		return true
	}
	for _, m := range ha.ApprovalModes {
		if m == string(mode) {
			return true
		}
	}
	return false
}

func (e *Executor) awaitApproval(ctx context.Context, req ApprovalRequest) bool {
	e.events.Emit(ctx, observability.Event{
		Type:      observability.EventApprovalRequired,
		Component: "tools",
		Data: map[string]any{
			"tool_name":  req.ToolName,
			"risk_level": string(req.RiskLevel),
		},
	})

	granted := false
	if e.approval != nil {
		approvalCtx := ctx
		if timeout := e.policy.Safety.HumanApproval.TimeoutSeconds; timeout > 0 {
			var cancel context.CancelFunc
			approvalCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
			defer cancel()
		}
		granted = e.approval(approvalCtx, req)
	}

	eventType := observability.EventApprovalDenied
	if granted {
		eventType = observability.EventApprovalGranted
	}
	e.events.Emit(ctx, observability.Event{
		Type:      eventType,
		Component: "tools",
		Data:      map[string]any{"tool_name": req.ToolName},
	})
	return granted
}

// executeWithTimeout runs the executor under the definition's deadline in its
// own goroutine. Panics are converted to errors; a deadline breach leaves the
// goroutine to finish on its own and returns a timeout error.
func (e *Executor) executeWithTimeout(ctx context.Context, def Definition, exec ExecFunc, args map[string]any) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()

	type execResult struct {
		output any
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- execResult{err: fmt.Errorf("tool panic: %v", r)}
			}
		}()
		output, err := exec(execCtx, args)
		resultCh <- execResult{output: output, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.output, res.err
	case <-execCtx.Done():
		return nil, fmt.Errorf("execution timed out: %w", execCtx.Err())
	}
}

func (e *Executor) fail(ctx context.Context, name string, start time.Time, category ErrorCategory, msg string) models.ToolResult {
	result := models.ToolResult{
		ToolName:  name,
		Success:   false,
		Error:     msg,
		LatencyMS: e.now().Sub(start).Milliseconds(),
		Metadata:  map[string]any{"category": string(category)},
	}
	e.record(ctx, result)
	return result
}

func (e *Executor) record(ctx context.Context, result models.ToolResult) {
	status := "completed"
	eventType := observability.EventToolCallCompleted
	if !result.Success {
		status = "failed"
		eventType = observability.EventToolCallFailed
	}
	e.emit(ctx, eventType, result.ToolName, map[string]any{
		"latency_ms": result.LatencyMS,
		"success":    result.Success,
	}, result.Error)

	if e.metrics != nil {
		e.metrics.RecordToolExecution(result.ToolName, status, float64(result.LatencyMS)/1000)
	}
}

func (e *Executor) emit(ctx context.Context, t observability.EventType, toolName string, data map[string]any, errMsg string) {
	if data == nil {
		data = map[string]any{}
	}
	data["tool_name"] = toolName
	e.events.Emit(ctx, observability.Event{
		Type:      t,
		Component: "tools",
		Mode:      string(e.modeMgr.Current()),
		Data:      data,
		Error:     errMsg,
	})
}

func (e *Executor) emitPolicyViolation(ctx context.Context, toolName, kind, detail string) {
	e.events.Emit(ctx, observability.Event{
		Type:      observability.EventPolicyViolation,
		Component: "tools",
		Mode:      string(e.modeMgr.Current()),
		Data: map[string]any{
			"tool_name": toolName,
			"kind":      kind,
			"detail":    detail,
		},
	})
}
