package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/tools"
	"github.com/medulla-ai/medulla/pkg/models"
)

type fakeChannel struct {
	startErr  error
	handlers  map[string]func(params json.RawMessage) (json.RawMessage, error)
	calls     []string
	connected bool
	closed    bool
}

func (f *fakeChannel) Start(ctx context.Context, argv []string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	h, ok := f.handlers[method]
	if !ok {
		return nil, errors.New("unhandled method " + method)
	}
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	return h(raw)
}

func (f *fakeChannel) Connected() bool { return f.connected }

func (f *fakeChannel) Close() error {
	f.connected = false
	f.closed = true
	return nil
}

func okHandlers(toolsJSON string) map[string]func(json.RawMessage) (json.RawMessage, error) {
	return map[string]func(json.RawMessage) (json.RawMessage, error){
		"initialize": func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"name": "stub", "version": "1"}`), nil
		},
		"list_tools": func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(toolsJSON), nil
		},
	}
}

func newTestGateway(t *testing.T, ch rpcChannel, policy *governance.Policy) (*Gateway, *observability.MemorySink) {
	t.Helper()
	logger := testLogger()
	sink := observability.NewMemorySink(100)
	events := observability.NewEventLog(logger, sink)
	cfg := config.GatewayConfig{
		Enabled: true,
		Name:    "ext",
		Command: []string{"stub-gateway"},
	}
	return New(cfg, policy, logger, events, withChannel(ch)), sink
}

func TestInitDiscoversAndPrefixes(t *testing.T) {
	ch := &fakeChannel{handlers: okHandlers(`{"tools": [
		{"name": "web_search", "description": "search the web",
		 "input_schema": {"type": "object", "properties": {"query": {"type": "string"}}, "required": ["query"]}},
		{"name": "file_write", "description": "write a file",
		 "input_schema": {"type": "object", "properties": {"path": {"type": "string"}, "content": {"type": "string"}}}},
		{"name": "ponder", "description": "no verbs here"}
	]}`)}
	policy := &governance.Policy{}
	g, _ := newTestGateway(t, ch, policy)

	if err := g.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !g.Enabled() {
		t.Fatal("gateway must be enabled after clean init")
	}

	byName := map[string]DiscoveredTool{}
	for _, dt := range g.Tools() {
		byName[dt.Definition.Name] = dt
	}

	search, ok := byName["ext_web_search"]
	if !ok {
		t.Fatalf("tools = %v", byName)
	}
	if search.Definition.RiskLevel != models.RiskLow || search.RemoteName != "web_search" {
		t.Fatalf("search = %+v", search)
	}
	if len(search.Definition.Parameters) != 1 || !search.Definition.Parameters[0].Required {
		t.Fatalf("params = %+v", search.Definition.Parameters)
	}

	write := byName["ext_file_write"]
	if write.Definition.RiskLevel != models.RiskHigh || !write.Definition.RequiresApproval {
		t.Fatalf("write = %+v", write.Definition)
	}

	if byName["ext_ponder"].Definition.RiskLevel != models.RiskMedium {
		t.Fatalf("ponder risk = %s", byName["ext_ponder"].Definition.RiskLevel)
	}

	// Governance entries are auto-appended.
	if _, ok := policy.Tool("ext_web_search"); !ok {
		t.Fatal("governance entry missing for discovered tool")
	}
}

func TestInitFailureIsNotFatal(t *testing.T) {
	ch := &fakeChannel{handlers: map[string]func(json.RawMessage) (json.RawMessage, error){
		"initialize": func(json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("handshake refused")
		},
	}}
	g, sink := newTestGateway(t, ch, &governance.Policy{})

	if err := g.Init(context.Background()); err != nil {
		t.Fatalf("init failure must not propagate, got %v", err)
	}
	if g.Enabled() {
		t.Fatal("gateway must stay disabled")
	}
	if !ch.closed {
		t.Fatal("child must be reaped after failed handshake")
	}

	var sawFailure bool
	for _, e := range sink.All() {
		if e.Type == observability.EventGatewayInitFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("no gateway_init_failed event")
	}
}

func TestStartFailureIsNotFatal(t *testing.T) {
	ch := &fakeChannel{startErr: errors.New("no such binary")}
	g, _ := newTestGateway(t, ch, &governance.Policy{})
	if err := g.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if g.Enabled() {
		t.Fatal("gateway must stay disabled")
	}
}

func TestDescriptionOverrideApplies(t *testing.T) {
	ch := &fakeChannel{handlers: okHandlers(`{"tools": [{"name": "web_search", "description": "raw"}]}`)}
	policy := &governance.Policy{}
	policy.EnsureTool("ext_web_search", governance.ToolPolicy{
		Category:            "gateway",
		DescriptionOverride: "curated description",
	})
	g, _ := newTestGateway(t, ch, policy)

	if err := g.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := g.Tools()[0].Definition.Description; got != "curated description" {
		t.Fatalf("description = %q", got)
	}
}

func TestGovernanceAppendIsIdempotent(t *testing.T) {
	policy := &governance.Policy{}
	ch := &fakeChannel{handlers: okHandlers(`{"tools": [{"name": "get_status"}]}`)}
	g, _ := newTestGateway(t, ch, policy)
	if err := g.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	before, _ := policy.Tool("ext_get_status")

	ch2 := &fakeChannel{handlers: okHandlers(`{"tools": [{"name": "get_status"}]}`)}
	g2, _ := newTestGateway(t, ch2, policy)
	if err := g2.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	after, _ := policy.Tool("ext_get_status")
	if before.Category != after.Category {
		t.Fatal("re-discovery must not rewrite the governance entry")
	}
}

func TestCallToolPreservesResultShape(t *testing.T) {
	ch := &fakeChannel{handlers: okHandlers(`{"tools": [{"name": "get_items"}]}`)}
	ch.handlers["call_tool"] = func(params json.RawMessage) (json.RawMessage, error) {
		var p map[string]any
		json.Unmarshal(params, &p)
		if p["name"] == "get_items" {
			return json.RawMessage(`{"items": [1, 2, 3]}`), nil
		}
		return json.RawMessage(`"plain string"`), nil
	}
	g, _ := newTestGateway(t, ch, &governance.Policy{})
	if err := g.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	obj, err := g.CallTool(ctx, "get_items", nil)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := obj.(map[string]any)
	if !ok {
		t.Fatalf("object result coerced to %T", obj)
	}
	if items, ok := m["items"].([]any); !ok || len(items) != 3 {
		t.Fatalf("items = %v", m["items"])
	}

	str, err := g.CallTool(ctx, "other", nil)
	if err != nil {
		t.Fatal(err)
	}
	if str != "plain string" {
		t.Fatalf("string result = %#v", str)
	}
}

func TestRegisterAllBridgesTools(t *testing.T) {
	ch := &fakeChannel{handlers: okHandlers(`{"tools": [{"name": "query_db", "description": "run a query"}]}`)}
	ch.handlers["call_tool"] = func(params json.RawMessage) (json.RawMessage, error) {
		var p map[string]any
		json.Unmarshal(params, &p)
		if p["name"] != "query_db" {
			return nil, errors.New("wrong remote name")
		}
		return json.RawMessage(`{"rows": 2}`), nil
	}
	g, _ := newTestGateway(t, ch, &governance.Policy{})
	if err := g.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry()
	if err := g.RegisterAll(registry); err != nil {
		t.Fatal(err)
	}

	_, exec, ok := registry.Get("ext_query_db")
	if !ok {
		t.Fatal("bridged tool missing from registry")
	}
	out, err := exec(context.Background(), map[string]any{"sql": "select 1"})
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := out.(map[string]any); !ok || m["rows"] != float64(2) {
		t.Fatalf("out = %#v", out)
	}
}

func TestShutdownEmitsStopped(t *testing.T) {
	ch := &fakeChannel{handlers: okHandlers(`{"tools": []}`)}
	g, sink := newTestGateway(t, ch, &governance.Policy{})
	if err := g.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	g.Shutdown(context.Background())
	if !ch.closed {
		t.Fatal("channel not closed")
	}
	var sawStop bool
	for _, e := range sink.All() {
		if e.Type == observability.EventGatewayStopped {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatal("no gateway_stopped event")
	}
}
