// Package routing picks a model role for an incoming turn. The pre-router is
// deterministic pattern matching; a model consult happens only when the
// heuristic confidence falls below the configured floor.
package routing

import (
	"context"
	"regexp"
	"strings"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/pkg/models"
)

// Plan is the router's decision for one turn.
type Plan struct {
	TargetRole     models.ModelRole `json:"target_model_role"`
	Confidence     float64          `json:"confidence"`
	Reason         string           `json:"reason"`
	UsedHeuristics bool             `json:"used_heuristics"`
}

// Consultant is the optional model-backed fallback. Its failure never fails
// the turn; the heuristic plan stands.
type Consultant interface {
	ConsultRoute(ctx context.Context, message string) (Plan, error)
}

type patternGroup struct {
	name       string
	role       models.ModelRole
	confidence float64
	patterns   []*regexp.Regexp
}

func compileGroup(name string, role models.ModelRole, confidence float64, exprs ...string) patternGroup {
	g := patternGroup{name: name, role: role, confidence: confidence}
	for _, expr := range exprs {
		g.patterns = append(g.patterns, regexp.MustCompile(`(?i)`+expr))
	}
	return g
}

// Groups are ordered; the first match wins.
var heuristicGroups = []patternGroup{
	compileGroup("coding", models.ModelRoleCoding, 0.9,
		"```",
		`\bdef\s+\w+\s*\(`,
		`\bclass\s+\w+`,
		`\bimport\s+\w+`,
		`\bfrom\s+[\w.]+\s+import\b`,
		`\bdebug\b`,
		`\brefactor\b`,
		`\bimplement\b`,
		`traceback \(most recent call last\)`,
		`exception in thread`,
		`goroutine \d+ \[`,
		`panic:`,
		`\bdiff --git\b`,
		`\.patch\b`,
		`\bci failed\b`,
	),
	compileGroup("coding_soft", models.ModelRoleCoding, 0.85,
		`\bcode review\b`,
		`\bunit test`,
		`\bwrite (me )?a function\b`,
		`\bwrite (me )?a class\b`,
		`\bsyntax error\b`,
		`\blint `,
	),
	compileGroup("tool_intent", models.ModelRoleStandard, 0.9,
		`\bsearch (the )?web\b`,
		`\blook up\b`,
		`\blist files\b`,
		`\bread file\b`,
		`\bcheck disk usage\b`,
		`\bopen url\b`,
		`\blatest news\b`,
	),
	compileGroup("reasoning", models.ModelRoleReasoning, 0.85,
		`\bprove\b`,
		`\bderive\b`,
		`\brigorously\b`,
		`\bdeep reasoning\b`,
		`\bresearch synthesis\b`,
		`\bformal analysis\b`,
		`\bstep-by-step proof\b`,
	),
}

// Router classifies user messages and resolves roles against configuration
// and the governance policy.
type Router struct {
	cfg        config.RouterConfig
	roles      config.RolesConfig
	policy     *governance.Policy
	events     *observability.EventLog
	logger     *observability.Logger
	consultant Consultant
}

// Option configures the router.
type Option func(*Router)

// WithConsultant attaches the model-backed fallback.
func WithConsultant(c Consultant) Option {
	return func(r *Router) { r.consultant = c }
}

// New creates a router.
func New(cfg config.RouterConfig, roles config.RolesConfig, policy *governance.Policy,
	logger *observability.Logger, events *observability.EventLog, opts ...Option) *Router {
	r := &Router{
		cfg:    cfg,
		roles:  roles,
		policy: policy,
		logger: logger,
		events: events,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies one user message. The heuristic always produces a plan;
// the consult path can only replace it, never remove it.
func (r *Router) Route(ctx context.Context, message string) Plan {
	plan := r.heuristic(message)

	if r.cfg.LLMConsult && r.consultant != nil && plan.Confidence < r.cfg.ConfidenceFloor {
		if consulted, err := r.consultant.ConsultRoute(ctx, message); err != nil {
			r.logger.Warn(ctx, "router consult failed, keeping heuristic plan", "error", err)
			if r.events != nil {
				r.events.Emit(ctx, observability.Event{
					Type:      observability.EventRoutingParseError,
					Component: "routing",
					Data:      map[string]any{"error": err.Error()},
				})
			}
		} else if valid(consulted.TargetRole) {
			consulted.UsedHeuristics = false
			consulted.Confidence = clamp01(consulted.Confidence)
			plan = consulted
		}
	}

	if r.events != nil {
		r.events.Emit(ctx, observability.Event{
			Type:      observability.EventRoutingDecision,
			Component: "routing",
			Data: map[string]any{
				"target_model_role": string(plan.TargetRole),
				"confidence":        plan.Confidence,
				"reason":            plan.Reason,
				"used_heuristics":   plan.UsedHeuristics,
			},
		})
	}
	return plan
}

func (r *Router) heuristic(message string) Plan {
	if strings.TrimSpace(message) == "" {
		return Plan{
			TargetRole:     models.ModelRoleStandard,
			Confidence:     0.9,
			Reason:         "empty message",
			UsedHeuristics: true,
		}
	}
	for _, group := range heuristicGroups {
		for _, pattern := range group.patterns {
			if pattern.MatchString(message) {
				return Plan{
					TargetRole:     group.role,
					Confidence:     group.confidence,
					Reason:         "matched " + group.name + " pattern",
					UsedHeuristics: true,
				}
			}
		}
	}
	return Plan{
		TargetRole:     models.ModelRoleStandard,
		Confidence:     0.7,
		Reason:         "no pattern matched",
		UsedHeuristics: true,
	}
}

// Resolve maps a requested role to the runtime role. ROUTER folds into
// STANDARD when aliased, REASONING downgrades to STANDARD when disabled, and
// a role forbidden by the current mode's constraints downgrades to STANDARD.
// CODING is never downgraded.
func (r *Router) Resolve(role models.ModelRole, mode models.Mode) models.ModelRole {
	if role == models.ModelRoleRouter && r.roles.RouterAliasedToStandard {
		role = models.ModelRoleStandard
	}
	if role == models.ModelRoleReasoning && r.roles.DisableReasoning {
		role = models.ModelRoleStandard
	}
	if role == models.ModelRoleCoding {
		return role
	}
	if r.policy != nil && !r.policy.RoleAllowedInMode(string(mode), string(role)) {
		return models.ModelRoleStandard
	}
	return role
}

func valid(role models.ModelRole) bool {
	_, err := models.ParseModelRole(string(role))
	return err == nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
