package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/tools"
	"github.com/medulla-ai/medulla/pkg/models"
)

// rpcChannel is the wire the gateway speaks over. *Transport is the real
// implementation; tests substitute fakes.
type rpcChannel interface {
	Start(ctx context.Context, argv []string) error
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Connected() bool
	Close() error
}

type remoteTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type listToolsResult struct {
	Tools []remoteTool `json:"tools"`
}

// DiscoveredTool pairs a registry definition with the name the child knows
// the tool by.
type DiscoveredTool struct {
	Definition tools.Definition
	RemoteName string
}

// Gateway owns the external tool child process lifecycle. Init failure is
// not fatal: the gateway marks itself disabled and the agent runs with only
// in-process tools.
type Gateway struct {
	cfg     config.GatewayConfig
	policy  *governance.Policy
	channel rpcChannel
	logger  *observability.Logger
	events  *observability.EventLog

	enabled    bool
	discovered []DiscoveredTool
}

// GatewayOption configures the gateway.
type GatewayOption func(*Gateway)

// withChannel substitutes the transport; tests use it.
func withChannel(ch rpcChannel) GatewayOption {
	return func(g *Gateway) { g.channel = ch }
}

// New creates a gateway. Call Init before use.
func New(cfg config.GatewayConfig, policy *governance.Policy,
	logger *observability.Logger, events *observability.EventLog, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		policy:  policy,
		logger:  logger,
		events:  events,
		channel: NewTransport(logger),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled reports whether the gateway survived initialization.
func (g *Gateway) Enabled() bool { return g.enabled }

// Tools returns the discovered tool set.
func (g *Gateway) Tools() []DiscoveredTool { return g.discovered }

// Init launches the child, runs the handshake and discovers tools. Every
// failure path disables the gateway and returns nil; the caller continues.
func (g *Gateway) Init(ctx context.Context) error {
	if !g.cfg.Enabled {
		return nil
	}

	if err := g.channel.Start(ctx, g.cfg.Command); err != nil {
		g.initFailed(ctx, "start", err)
		return nil
	}

	initTimeout := time.Duration(g.cfg.InitTimeoutSeconds) * time.Second
	if initTimeout <= 0 {
		initTimeout = 10 * time.Second
	}
	if _, err := g.channel.Call(ctx, "initialize", map[string]any{
		"client":  "medulla",
		"version": "1",
	}, initTimeout); err != nil {
		g.initFailed(ctx, "initialize", err)
		g.channel.Close()
		return nil
	}

	raw, err := g.channel.Call(ctx, "list_tools", nil, initTimeout)
	if err != nil {
		g.initFailed(ctx, "list_tools", err)
		g.channel.Close()
		return nil
	}
	var listed listToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		g.initFailed(ctx, "list_tools decode", err)
		g.channel.Close()
		return nil
	}

	for _, remote := range listed.Tools {
		g.discovered = append(g.discovered, g.adopt(ctx, remote))
	}

	g.enabled = true
	g.emit(ctx, observability.EventGatewayStarted, map[string]any{
		"name": g.prefix(), "tools": len(g.discovered),
	})
	return nil
}

// adopt converts one remote tool into a registry definition: prefixed name,
// inferred risk, governance entry appended when missing.
func (g *Gateway) adopt(ctx context.Context, remote remoteTool) DiscoveredTool {
	name := g.prefix() + "_" + remote.Name
	risk := InferRisk(remote.Name)

	def := tools.Definition{
		Name:             name,
		Description:      remote.Description,
		Category:         "gateway",
		Parameters:       paramsFromSchema(remote.InputSchema),
		RiskLevel:        risk,
		RequiresApproval: risk == models.RiskHigh,
		TimeoutSeconds:   g.cfg.CallTimeoutSeconds,
	}

	if g.policy != nil {
		if tp, ok := g.policy.Tool(name); ok {
			if tp.DescriptionOverride != "" {
				def.Description = tp.DescriptionOverride
			}
		} else if g.policy.EnsureTool(name, governance.ToolPolicy{
			Category:         "gateway",
			RequiresApproval: def.RequiresApproval,
		}) {
			g.emit(ctx, observability.EventGatewayToolGoverned, map[string]any{"tool": name})
		}
	}

	g.emit(ctx, observability.EventGatewayToolDiscovered, map[string]any{
		"tool": name, "remote": remote.Name, "risk": string(risk),
	})
	return DiscoveredTool{Definition: def, RemoteName: remote.Name}
}

// CallTool invokes a remote tool by its child-side name. The decoded result
// is returned as-is; strings stay strings, objects stay objects.
func (g *Gateway) CallTool(ctx context.Context, remoteName string, args map[string]any) (any, error) {
	if !g.enabled || !g.channel.Connected() {
		return nil, fmt.Errorf("gateway unavailable")
	}

	timeout := time.Duration(g.cfg.CallTimeoutSeconds) * time.Second
	raw, err := g.channel.Call(ctx, "call_tool", map[string]any{
		"name":      remoteName,
		"arguments": args,
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("gateway call %s: %w", remoteName, err)
	}

	var result any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("gateway call %s: decode result: %w", remoteName, err)
		}
	}
	return result, nil
}

// RegisterAll bridges every discovered tool into the registry.
func (g *Gateway) RegisterAll(registry *tools.Registry) error {
	for _, dt := range g.discovered {
		remote := dt.RemoteName
		exec := func(ctx context.Context, args map[string]any) (any, error) {
			return g.CallTool(ctx, remote, args)
		}
		if err := registry.Register(dt.Definition, exec); err != nil {
			return fmt.Errorf("register gateway tool %s: %w", dt.Definition.Name, err)
		}
	}
	return nil
}

// Shutdown closes the channel and reaps the child.
func (g *Gateway) Shutdown(ctx context.Context) {
	if !g.enabled {
		return
	}
	g.enabled = false
	if err := g.channel.Close(); err != nil {
		g.logger.Warn(ctx, "gateway close", "error", err)
	}
	g.emit(ctx, observability.EventGatewayStopped, nil)
}

func (g *Gateway) prefix() string {
	if g.cfg.Name != "" {
		return g.cfg.Name
	}
	return "gateway"
}

func (g *Gateway) initFailed(ctx context.Context, stage string, err error) {
	g.logger.Warn(ctx, "gateway init failed, continuing without external tools",
		"stage", stage, "error", err)
	g.emit(ctx, observability.EventGatewayInitFailed, map[string]any{
		"stage": stage, "error": err.Error(),
	})
}

func (g *Gateway) emit(ctx context.Context, t observability.EventType, data map[string]any) {
	if g.events == nil {
		return
	}
	g.events.Emit(ctx, observability.Event{Type: t, Component: "gateway", Data: data})
}

var (
	highRiskWords = []string{"write", "delete", "execute", "send", "create", "modify", "update", "remove"}
	lowRiskWords  = []string{"read", "get", "list", "search", "query", "view", "show"}
)

// InferRisk classifies a remote tool by its name.
func InferRisk(name string) models.RiskLevel {
	lower := strings.ToLower(name)
	for _, w := range highRiskWords {
		if strings.Contains(lower, w) {
			return models.RiskHigh
		}
	}
	for _, w := range lowRiskWords {
		if strings.Contains(lower, w) {
			return models.RiskLow
		}
	}
	return models.RiskMedium
}

// paramsFromSchema lifts a JSON-Schema object into declared parameters.
// Nested object and array schemas are carried through for validation and the
// model-facing descriptor.
func paramsFromSchema(schema map[string]any) []tools.Parameter {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	if list, ok := schema["required"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				required[s] = true
			}
		}
	}

	out := make([]tools.Parameter, 0, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		p := tools.Parameter{Name: name, Required: required[name]}
		if d, ok := prop["description"].(string); ok {
			p.Description = d
		}
		if def, ok := prop["default"]; ok {
			p.Default = def
		}
		switch prop["type"] {
		case "string":
			p.Type = tools.TypeString
		case "number", "integer":
			p.Type = tools.TypeNumber
		case "boolean":
			p.Type = tools.TypeBoolean
		case "array":
			p.Type = tools.TypeArray
			p.JSONSchema = prop
		default:
			p.Type = tools.TypeObject
			if len(prop) == 0 {
				prop = map[string]any{"type": "object"}
			}
			p.JSONSchema = prop
		}
		out = append(out, p)
	}
	return out
}
