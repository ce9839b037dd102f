package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/pkg/models"
)

func newTestRouter(t *testing.T, cfg config.RouterConfig, roles config.RolesConfig, opts ...Option) (*Router, *observability.MemorySink) {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	sink := observability.NewMemorySink(100)
	events := observability.NewEventLog(logger, sink)
	return New(cfg, roles, nil, logger, events, opts...), sink
}

func TestHeuristicTable(t *testing.T) {
	r, _ := newTestRouter(t, config.RouterConfig{ConfidenceFloor: 0.8}, config.RolesConfig{})
	ctx := context.Background()

	cases := []struct {
		message    string
		wantRole   models.ModelRole
		confidence float64
	}{
		{"", models.ModelRoleStandard, 0.9},
		{"   \t\n", models.ModelRoleStandard, 0.9},
		{"Debug this code: def foo(): return 1/0", models.ModelRoleCoding, 0.9},
		{"```python\nprint(1)\n```", models.ModelRoleCoding, 0.9},
		{"refactor the session manager", models.ModelRoleCoding, 0.9},
		{"Traceback (most recent call last): File \"x.py\"", models.ModelRoleCoding, 0.9},
		{"the CI failed again on main", models.ModelRoleCoding, 0.9},
		{"please do a code review of this change", models.ModelRoleCoding, 0.85},
		{"I got a syntax error in my script", models.ModelRoleCoding, 0.85},
		{"search the web for today's weather", models.ModelRoleStandard, 0.9},
		{"check disk usage on the server", models.ModelRoleStandard, 0.9},
		{"what's the latest news?", models.ModelRoleStandard, 0.9},
		{"prove that the sequence converges", models.ModelRoleReasoning, 0.85},
		{"give me a formal analysis of this argument", models.ModelRoleReasoning, 0.85},
		{"hello there", models.ModelRoleStandard, 0.7},
	}
	for _, c := range cases {
		plan := r.Route(ctx, c.message)
		if plan.TargetRole != c.wantRole {
			t.Errorf("%q: role = %s, want %s (%s)", c.message, plan.TargetRole, c.wantRole, plan.Reason)
		}
		if plan.Confidence != c.confidence {
			t.Errorf("%q: confidence = %v, want %v", c.message, plan.Confidence, c.confidence)
		}
		if !plan.UsedHeuristics {
			t.Errorf("%q: heuristic plan must set used_heuristics", c.message)
		}
	}
}

func TestCodingHeuristicProperty(t *testing.T) {
	r, _ := newTestRouter(t, config.RouterConfig{ConfidenceFloor: 0.8}, config.RolesConfig{})
	plan := r.Route(context.Background(), "Debug this code: def foo(): return 1/0")
	if plan.TargetRole != models.ModelRoleCoding || !plan.UsedHeuristics || plan.Confidence < 0.85 {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestRoutingDecisionEventEmitted(t *testing.T) {
	r, sink := newTestRouter(t, config.RouterConfig{ConfidenceFloor: 0.8}, config.RolesConfig{})
	r.Route(context.Background(), "hello")

	var found bool
	for _, e := range sink.All() {
		if e.Type == observability.EventRoutingDecision {
			found = true
			if e.Data["target_model_role"] != "STANDARD" {
				t.Fatalf("event data = %v", e.Data)
			}
		}
	}
	if !found {
		t.Fatal("no routing_decision event")
	}
}

type fakeConsultant struct {
	plan Plan
	err  error
	hits int
}

func (f *fakeConsultant) ConsultRoute(ctx context.Context, message string) (Plan, error) {
	f.hits++
	return f.plan, f.err
}

func TestConsultOnlyBelowFloor(t *testing.T) {
	consult := &fakeConsultant{plan: Plan{TargetRole: models.ModelRoleReasoning, Confidence: 0.95, Reason: "model says so"}}
	r, _ := newTestRouter(t,
		config.RouterConfig{ConfidenceFloor: 0.8, LLMConsult: true},
		config.RolesConfig{},
		WithConsultant(consult))
	ctx := context.Background()

	// 0.9 heuristic skips the consult entirely.
	r.Route(ctx, "search the web for cats")
	if consult.hits != 0 {
		t.Fatalf("consult called %d times above floor", consult.hits)
	}

	// 0.7 default falls below the floor.
	plan := r.Route(ctx, "hello")
	if consult.hits != 1 {
		t.Fatalf("consult called %d times below floor", consult.hits)
	}
	if plan.TargetRole != models.ModelRoleReasoning || plan.UsedHeuristics {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestConsultFailureKeepsHeuristicPlan(t *testing.T) {
	consult := &fakeConsultant{err: errors.New("malformed routing json")}
	r, sink := newTestRouter(t,
		config.RouterConfig{ConfidenceFloor: 0.8, LLMConsult: true},
		config.RolesConfig{},
		WithConsultant(consult))

	plan := r.Route(context.Background(), "hello")
	if plan.TargetRole != models.ModelRoleStandard || !plan.UsedHeuristics || plan.Confidence != 0.7 {
		t.Fatalf("plan = %+v", plan)
	}

	var sawParseError bool
	for _, e := range sink.All() {
		if e.Type == observability.EventRoutingParseError {
			sawParseError = true
		}
	}
	if !sawParseError {
		t.Fatal("no routing_parse_error event")
	}
}

func TestConsultInvalidRoleIgnored(t *testing.T) {
	consult := &fakeConsultant{plan: Plan{TargetRole: "ORACLE", Confidence: 0.99}}
	r, _ := newTestRouter(t,
		config.RouterConfig{ConfidenceFloor: 0.8, LLMConsult: true},
		config.RolesConfig{},
		WithConsultant(consult))

	plan := r.Route(context.Background(), "hello")
	if plan.TargetRole != models.ModelRoleStandard || !plan.UsedHeuristics {
		t.Fatalf("invalid consult role must keep heuristic plan, got %+v", plan)
	}
}

func TestResolveDowngrades(t *testing.T) {
	r, _ := newTestRouter(t, config.RouterConfig{},
		config.RolesConfig{RouterAliasedToStandard: true, DisableReasoning: true})

	if got := r.Resolve(models.ModelRoleRouter, models.ModeNormal); got != models.ModelRoleStandard {
		t.Fatalf("ROUTER resolved to %s", got)
	}
	if got := r.Resolve(models.ModelRoleReasoning, models.ModeNormal); got != models.ModelRoleStandard {
		t.Fatalf("REASONING resolved to %s", got)
	}
	if got := r.Resolve(models.ModelRoleCoding, models.ModeNormal); got != models.ModelRoleCoding {
		t.Fatalf("CODING resolved to %s", got)
	}
}

func TestResolveHonorsModeConstraints(t *testing.T) {
	policy := &governance.Policy{
		ModeConstraints: map[string]governance.ModeConstraint{
			"LOCKDOWN": {AllowedRoles: []string{"STANDARD"}},
		},
	}
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	events := observability.NewEventLog(logger, observability.NewMemorySink(10))
	r := New(config.RouterConfig{}, config.RolesConfig{}, policy, logger, events)

	if got := r.Resolve(models.ModelRoleReasoning, models.ModeLockdown); got != models.ModelRoleStandard {
		t.Fatalf("REASONING in LOCKDOWN resolved to %s", got)
	}
	if got := r.Resolve(models.ModelRoleReasoning, models.ModeNormal); got != models.ModelRoleReasoning {
		t.Fatalf("REASONING in NORMAL resolved to %s", got)
	}
	// CODING bypasses mode downgrades.
	if got := r.Resolve(models.ModelRoleCoding, models.ModeLockdown); got != models.ModelRoleCoding {
		t.Fatalf("CODING in LOCKDOWN resolved to %s", got)
	}
}
