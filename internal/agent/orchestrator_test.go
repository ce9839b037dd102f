package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

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

// scriptedClient replays canned responses in order; the last one repeats.
type scriptedClient struct {
	mu        sync.Mutex
	role      models.ModelRole
	functions bool
	responses []*llm.ChatResponse
	errs      []error
	calls     int
	lastReq   llm.ChatRequest
	block     bool
}

func (c *scriptedClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.lastReq = req
	c.mu.Unlock()

	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if len(c.responses) == 0 {
		return &llm.ChatResponse{Content: "ok"}, nil
	}
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Role() models.ModelRole       { return c.role }
func (c *scriptedClient) SupportsFunctionCalling() bool { return c.functions }

type harness struct {
	orch     *Orchestrator
	sessions *sessions.Manager
	registry *tools.Registry
	sink     *observability.MemorySink
	policy   *governance.Policy
}

func newHarness(t *testing.T, client *scriptedClient, opts ...Option) *harness {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	sink := observability.NewMemorySink(500)
	events := observability.NewEventLog(logger, sink)
	policy := &governance.Policy{}
	modeMgr := modes.NewManager(policy, events, logger)
	mgr := sessions.NewManager(logger, events)
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, policy, modeMgr, events, logger)
	router := routing.New(config.RouterConfig{ConfidenceFloor: 0.8}, config.RolesConfig{}, policy, logger, events)
	pool := llm.NewPoolFromClients(logger, client)
	window := contextwindow.New(logger)

	cfg := config.AgentConfig{MaxSteps: 4, MaxTokens: 8000, ReservedTokens: 500, Strategy: "truncate"}
	orch := New(cfg, policy, mgr, router, pool, registry, executor, modeMgr, window, events, logger, opts...)
	return &harness{orch: orch, sessions: mgr, registry: registry, sink: sink, policy: policy}
}

func stepNames(steps []journal.StepRecord) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

func TestShortChatTurn(t *testing.T) {
	client := &scriptedClient{role: models.ModelRoleStandard, responses: []*llm.ChatResponse{{Content: "Hi there!"}}}
	h := newHarness(t, client)
	ctx := context.Background()

	res := h.orch.Handle(ctx, Request{Message: "Hello", Channel: models.ChannelChat})
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	if res.Reply != "Hi there!" || res.TraceID == "" {
		t.Fatalf("res = %+v", res)
	}

	names := stepNames(res.Steps)
	var sawLLM, sawTool bool
	for _, n := range names {
		if n == "llm_call" {
			sawLLM = true
		}
		if n == "tool_call" {
			sawTool = true
		}
	}
	if !sawLLM || sawTool {
		t.Fatalf("steps = %v", names)
	}

	session, err := h.sessions.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("messages = %d", len(session.Messages))
	}
	if session.Messages[0].Role != models.RoleUser || session.Messages[0].Content != "Hello" {
		t.Fatalf("first = %+v", session.Messages[0])
	}
	if session.Messages[1].Role != models.RoleAssistant || session.Messages[1].Content == "" {
		t.Fatalf("second = %+v", session.Messages[1])
	}
}

func TestTraceIDPassthrough(t *testing.T) {
	client := &scriptedClient{role: models.ModelRoleStandard}
	h := newHarness(t, client)

	res := h.orch.Handle(context.Background(), Request{Message: "hi", TraceID: "tr-fixed"})
	if res.TraceID != "tr-fixed" {
		t.Fatalf("trace = %s", res.TraceID)
	}

	var matched int
	for _, e := range h.sink.ByTraceID("tr-fixed") {
		if e.Type == observability.EventTaskStarted || e.Type == observability.EventTaskCompleted {
			matched++
		}
	}
	if matched != 2 {
		t.Fatalf("trace-correlated lifecycle events = %d, want 2", matched)
	}
}

func TestToolDispatchLoop(t *testing.T) {
	args, _ := json.Marshal(map[string]any{})
	client := &scriptedClient{
		role:      models.ModelRoleStandard,
		functions: true,
		responses: []*llm.ChatResponse{
			{ToolCalls: []models.ToolCall{{ID: "c1", Name: "system_metrics_snapshot", Arguments: args}}},
			{Content: "CPU is at 12.5%."},
		},
	}
	h := newHarness(t, client)

	def := tools.Definition{Name: "system_metrics_snapshot", Description: "cpu and memory", Category: "system"}
	err := h.registry.Register(def, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"cpu_percent": 12.5}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res := h.orch.Handle(context.Background(), Request{Message: "What is the current CPU usage?"})
	if res.State != StateCompleted || !strings.Contains(res.Reply, "12.5") {
		t.Fatalf("res = %+v", res)
	}

	names := stepNames(res.Steps)
	want := []string{"routing", "llm_call", "tool_call", "llm_call"}
	if len(names) != len(want) {
		t.Fatalf("steps = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("steps = %v, want %v", names, want)
		}
	}

	var started, completed bool
	for _, e := range h.sink.All() {
		if e.Type == observability.EventToolCallStarted && e.Data["tool_name"] == "system_metrics_snapshot" {
			started = true
		}
		if e.Type == observability.EventToolCallCompleted && e.Data["success"] == true {
			completed = true
		}
	}
	if !started || !completed {
		t.Fatal("tool call events missing")
	}

	session, _ := h.sessions.Get(context.Background(), res.SessionID)
	var toolMsg bool
	for _, m := range session.Messages {
		if m.Role == models.RoleTool && m.Name == "system_metrics_snapshot" {
			toolMsg = true
			if !strings.Contains(m.Content, "12.5") {
				t.Fatalf("tool message = %q", m.Content)
			}
		}
	}
	if !toolMsg {
		t.Fatal("tool result not recorded in session")
	}
}

func TestStepCapStopsToolLoop(t *testing.T) {
	args, _ := json.Marshal(map[string]any{})
	client := &scriptedClient{
		role:      models.ModelRoleStandard,
		functions: true,
		responses: []*llm.ChatResponse{
			{ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: args}}},
		},
	}
	h := newHarness(t, client)
	if err := h.registry.Register(tools.Definition{Name: "echo"}, func(ctx context.Context, args map[string]any) (any, error) {
		return "again", nil
	}); err != nil {
		t.Fatal(err)
	}

	res := h.orch.Handle(context.Background(), Request{Message: "loop forever"})
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	if res.Reply == "" {
		t.Fatal("reply must be non-empty even when the cap cuts the loop")
	}

	var llmCalls int
	for _, n := range stepNames(res.Steps) {
		if n == "llm_call" {
			llmCalls++
		}
	}
	if llmCalls != 4 {
		t.Fatalf("llm calls = %d, want max steps (4)", llmCalls)
	}
}

func TestModelFailureReturnsSanitizedReply(t *testing.T) {
	client := &scriptedClient{
		role: models.ModelRoleStandard,
		errs: []error{&llm.Error{Kind: llm.KindServer, Role: models.ModelRoleStandard, Err: context.Canceled}},
	}
	h := newHarness(t, client)

	res := h.orch.Handle(context.Background(), Request{Message: "hi"})
	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if res.Reply != replyBackendUnavailable {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.TraceID == "" {
		t.Fatal("failed turn must still carry a trace id")
	}

	var failed bool
	for _, e := range h.sink.All() {
		if e.Type == observability.EventTaskFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("no task_failed event")
	}

	// The session still pairs the user turn with the sanitized reply.
	session, _ := h.sessions.Get(context.Background(), res.SessionID)
	if len(session.Messages) != 2 || session.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("messages = %+v", session.Messages)
	}
}

func TestConcurrentTurnsOnOneSessionSerialize(t *testing.T) {
	client := &scriptedClient{role: models.ModelRoleStandard, responses: []*llm.ChatResponse{{Content: "reply"}}}
	h := newHarness(t, client)
	ctx := context.Background()

	session, err := h.sessions.Create(ctx, models.ModeNormal, models.ChannelChat, "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, msg := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, msg string) {
			defer wg.Done()
			results[i] = h.orch.Handle(ctx, Request{SessionID: session.ID, Message: msg})
		}(i, msg)
	}
	wg.Wait()

	if results[0].TraceID == results[1].TraceID {
		t.Fatal("concurrent turns must mint distinct trace ids")
	}

	final, _ := h.sessions.Get(ctx, session.ID)
	if len(final.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(final.Messages))
	}
	// Turns never interleave: each user turn is directly followed by its reply.
	var users []string
	for i, m := range final.Messages {
		if m.Role == models.RoleUser {
			users = append(users, m.Content)
			if i+1 >= len(final.Messages) || final.Messages[i+1].Role != models.RoleAssistant {
				t.Fatalf("user turn %q not followed by assistant turn", m.Content)
			}
		}
	}
	if len(users) != 2 {
		t.Fatalf("user turns = %v", users)
	}
}

func TestUnknownSessionIDCreatesSession(t *testing.T) {
	client := &scriptedClient{role: models.ModelRoleStandard}
	h := newHarness(t, client)

	res := h.orch.Handle(context.Background(), Request{SessionID: "fresh-id", Message: "hi"})
	if res.SessionID != "fresh-id" || res.State != StateCompleted {
		t.Fatalf("res = %+v", res)
	}
	if _, err := h.sessions.Get(context.Background(), "fresh-id"); err != nil {
		t.Fatal(err)
	}
}

func TestTurnDeadlineYieldsTimeoutReply(t *testing.T) {
	client := &scriptedClient{role: models.ModelRoleStandard, block: true}
	h := newHarness(t, client)
	h.policy.ModeConstraints = map[string]governance.ModeConstraint{
		"NORMAL": {TurnTimeoutSeconds: 1},
	}

	start := time.Now()
	res := h.orch.Handle(context.Background(), Request{Message: "slow"})
	if res.State != StateFailed || res.Reply != replyTimeout {
		t.Fatalf("res = %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("deadline did not cancel the in-flight call")
	}
}

func TestCaptureWrittenAfterTurn(t *testing.T) {
	client := &scriptedClient{role: models.ModelRoleStandard, responses: []*llm.ChatResponse{{Content: "done"}}}
	root := t.TempDir()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	captures := journal.NewCaptures(root, logger)
	h := newHarness(t, client, WithCaptures(captures))

	res := h.orch.Handle(context.Background(), Request{Message: "capture me", TraceID: "tr-cap"})
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}

	got, err := captures.ListSince(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TraceID != "tr-cap" {
		t.Fatalf("captures = %+v", got)
	}
	if got[0].Outcome != journal.OutcomeCompleted || got[0].UserMessage != "capture me" {
		t.Fatalf("capture = %+v", got[0])
	}
	if len(got[0].Steps) == 0 {
		t.Fatal("capture must carry the turn's steps")
	}
}

func TestTurnPhasesAreSpanned(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	tracer := observability.NewTracerFrom(tp.Tracer("test"))

	args, _ := json.Marshal(map[string]any{})
	client := &scriptedClient{
		role:      models.ModelRoleStandard,
		functions: true,
		responses: []*llm.ChatResponse{
			{ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: args}}},
			{Content: "done"},
		},
	}
	h := newHarness(t, client, WithTracer(tracer))
	if err := h.registry.Register(tools.Definition{Name: "echo"}, func(ctx context.Context, args map[string]any) (any, error) {
		return "x", nil
	}); err != nil {
		t.Fatal(err)
	}

	res := h.orch.Handle(context.Background(), Request{Message: "use the tool"})
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}

	spans := exporter.GetSpans()
	seen := map[string]int{}
	for _, s := range spans {
		seen[s.Name]++
	}
	if seen["agent.turn"] != 1 {
		t.Fatalf("turn spans = %d, want 1 (all: %v)", seen["agent.turn"], seen)
	}
	if seen["agent.routing"] != 1 {
		t.Fatalf("routing spans = %d, want 1", seen["agent.routing"])
	}
	if seen["agent.model_call"] != 2 {
		t.Fatalf("model call spans = %d, want 2", seen["agent.model_call"])
	}
	if seen["agent.tool_call"] != 1 {
		t.Fatalf("tool call spans = %d, want 1", seen["agent.tool_call"])
	}

	// Every phase span belongs to the turn's trace.
	traceID := spans[0].SpanContext.TraceID()
	for _, s := range spans {
		if s.SpanContext.TraceID() != traceID {
			t.Fatalf("span %s on a different trace", s.Name)
		}
	}
}

func TestNoTracerStillCompletesTurn(t *testing.T) {
	client := &scriptedClient{role: models.ModelRoleStandard, responses: []*llm.ChatResponse{{Content: "fine"}}}
	h := newHarness(t, client)

	res := h.orch.Handle(context.Background(), Request{Message: "hi"})
	if res.State != StateCompleted || res.Reply != "fine" {
		t.Fatalf("res = %+v", res)
	}
}

func TestFunctionDescriptorsOnlyWhenSupported(t *testing.T) {
	client := &scriptedClient{role: models.ModelRoleStandard, functions: false}
	h := newHarness(t, client)
	if err := h.registry.Register(tools.Definition{Name: "echo"}, func(ctx context.Context, args map[string]any) (any, error) {
		return "x", nil
	}); err != nil {
		t.Fatal(err)
	}

	h.orch.Handle(context.Background(), Request{Message: "hi"})
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.lastReq.Functions) != 0 {
		t.Fatal("descriptors sent to a model without function calling")
	}
}
