// Package governance loads and validates the four policy documents that
// gate everything the agent may do: modes.yaml, tools.yaml, models.yaml and
// safety.yaml. An invalid document fails startup with a path-qualified error
// list. The loaded Policy is read-only, with one exception: the gateway may
// append policies for tools it discovers, before the first turn.
package governance

import (
	"sync"
)

// ModeSpec describes one operating mode and its resource thresholds.
type ModeSpec struct {
	Description string             `yaml:"description"`
	Thresholds  map[string]float64 `yaml:"thresholds"`
}

// Condition is a single sensor comparison inside a transition rule.
type Condition struct {
	Metric    string  `yaml:"metric"`
	Op        string  `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
}

// TransitionRule moves the system between modes when all its conditions
// hold. Rules are evaluated in document order; the first match wins.
type TransitionRule struct {
	From       string      `yaml:"from"`
	To         string      `yaml:"to"`
	Conditions []Condition `yaml:"conditions"`
	Reason     string      `yaml:"reason"`
}

// ToolPolicy is the per-tool governance entry.
type ToolPolicy struct {
	Category            string   `yaml:"category"`
	AllowedInModes      []string `yaml:"allowed_in_modes"`
	ForbiddenPaths      []string `yaml:"forbidden_paths"`
	AllowedPaths        []string `yaml:"allowed_paths"`
	RequiresApproval    bool     `yaml:"requires_approval"`
	RequiresSandbox     bool     `yaml:"requires_sandbox"`
	RateLimitPerHour    int      `yaml:"rate_limit_per_hour"`
	DescriptionOverride string   `yaml:"description_override"`
}

// ModelSpec describes one model role binding.
type ModelSpec struct {
	ID                      string   `yaml:"id"`
	Endpoint                string   `yaml:"endpoint"`
	ContextLength           int      `yaml:"context_length"`
	Quantization            string   `yaml:"quantization"`
	MaxConcurrency          int      `yaml:"max_concurrency"`
	DefaultTimeout          int      `yaml:"default_timeout"`
	Temperature             *float64 `yaml:"temperature"`
	SupportsFunctionCalling bool     `yaml:"supports_function_calling"`
}

// ModeConstraint narrows what a mode may use.
type ModeConstraint struct {
	AllowedRoles       []string `yaml:"allowed_roles"`
	TurnTimeoutSeconds int      `yaml:"turn_timeout_seconds"`
	MaxTokens          int      `yaml:"max_tokens"`
}

// ContentFiltering configures outbound content checks.
type ContentFiltering struct {
	Enabled         bool     `yaml:"enabled"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// OutboundGateway restricts which hosts tools may reach.
type OutboundGateway struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedDomains []string `yaml:"allowed_domains"`
}

// RateLimits caps request and tool volume.
type RateLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	ToolCallsPerTurn  int `yaml:"tool_calls_per_turn"`
}

// HumanApproval configures when a human must confirm a tool call.
type HumanApproval struct {
	HighRiskTools  bool     `yaml:"high_risk_tools"`
	ApprovalModes  []string `yaml:"approval_modes"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Safety is the safety.yaml document.
type Safety struct {
	ContentFiltering ContentFiltering `yaml:"content_filtering"`
	SecretPatterns   []string         `yaml:"secret_patterns"`
	OutboundGateway  OutboundGateway  `yaml:"outbound_gateway"`
	RateLimits       RateLimits       `yaml:"rate_limits"`
	HumanApproval    HumanApproval    `yaml:"human_approval"`
}

// modesDoc is the modes.yaml document.
type modesDoc struct {
	Modes           map[string]ModeSpec `yaml:"modes"`
	TransitionRules []TransitionRule    `yaml:"transition_rules"`
}

// toolsDoc is the tools.yaml document.
type toolsDoc struct {
	ToolCategories map[string]string     `yaml:"tool_categories"`
	Tools          map[string]ToolPolicy `yaml:"tools"`
}

// modelsDoc is the models.yaml document.
type modelsDoc struct {
	Models          map[string]ModelSpec      `yaml:"models"`
	ModeConstraints map[string]ModeConstraint `yaml:"mode_constraints"`
}

// Policy is the single validated governance object. All fields are fixed
// after Load; tool policies additionally admit idempotent appends during
// gateway discovery (serialized internally).
type Policy struct {
	Modes           map[string]ModeSpec
	TransitionRules []TransitionRule
	ToolCategories  map[string]string
	Models          map[string]ModelSpec
	ModeConstraints map[string]ModeConstraint
	Safety          Safety

	mu    sync.RWMutex
	tools map[string]ToolPolicy
}

// Tool returns the governance entry for a tool name.
func (p *Policy) Tool(name string) (ToolPolicy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tp, ok := p.tools[name]
	return tp, ok
}

// Tools returns a copy of every tool policy.
func (p *Policy) Tools() map[string]ToolPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ToolPolicy, len(p.tools))
	for k, v := range p.tools {
		out[k] = v
	}
	return out
}

// EnsureTool appends a policy for name unless one already exists. Reports
// whether the entry was added. Existing entries always win, which makes
// gateway re-discovery idempotent.
func (p *Policy) EnsureTool(name string, tp ToolPolicy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tools == nil {
		p.tools = make(map[string]ToolPolicy)
	}
	if _, ok := p.tools[name]; ok {
		return false
	}
	p.tools[name] = tp
	return true
}

// ConstraintFor returns the constraints for a mode, with zero values where
// the document leaves them unset.
func (p *Policy) ConstraintFor(mode string) ModeConstraint {
	return p.ModeConstraints[mode]
}

// RoleAllowedInMode reports whether a model role may serve requests in the
// given mode. Modes without an allowed_roles constraint permit every role.
func (p *Policy) RoleAllowedInMode(mode, role string) bool {
	mc, ok := p.ModeConstraints[mode]
	if !ok || len(mc.AllowedRoles) == 0 {
		return true
	}
	for _, r := range mc.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}
