package governance

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validModes = `
modes:
  NORMAL:
    description: Baseline operation
    thresholds:
      perf_system_cpu_load: 75
  ALERT:
    description: Elevated resource pressure
    thresholds:
      perf_system_cpu_load: 85
transition_rules:
  - from: NORMAL
    to: ALERT
    conditions:
      - metric: perf_system_cpu_load
        op: ">"
        threshold: 85
    reason: cpu pressure
  - from: ALERT
    to: NORMAL
    conditions:
      - metric: perf_system_cpu_load
        op: "<"
        threshold: 60
    reason: recovered
`

const validTools = `
tool_categories:
  system: Read-only host inspection
  files: Filesystem access
tools:
  read_file:
    category: files
    allowed_in_modes: [NORMAL, ALERT]
    allowed_paths: ["/tmp/**"]
    forbidden_paths: ["/etc/**"]
  system_metrics_snapshot:
    category: system
    allowed_in_modes: [NORMAL, ALERT, DEGRADED, LOCKDOWN, RECOVERY]
`

const validModels = `
models:
  ROUTER:
    id: qwen2.5-3b-instruct
    endpoint: http://localhost:8080/v1
    context_length: 8192
    quantization: q4_K_M
    supports_function_calling: false
  STANDARD:
    id: llama-3.3-8b-instruct
    endpoint: http://localhost:8081/v1
    context_length: 16384
    max_concurrency: 2
    default_timeout: 90
    temperature: 0.7
    supports_function_calling: true
mode_constraints:
  LOCKDOWN:
    allowed_roles: [STANDARD]
    turn_timeout_seconds: 60
`

const validSafety = `
content_filtering:
  enabled: true
  blocked_patterns:
    - "(?i)rm -rf /"
secret_patterns:
  - "sk-[a-zA-Z0-9]{48}"
outbound_gateway:
  enabled: false
  allowed_domains: [localhost]
rate_limits:
  requests_per_minute: 60
  tool_calls_per_turn: 10
human_approval:
  high_risk_tools: true
  approval_modes: [LOCKDOWN]
  timeout_seconds: 300
`

func writeGovernanceDir(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range docs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func validDir(t *testing.T) string {
	return writeGovernanceDir(t, map[string]string{
		ModesFile:  validModes,
		ToolsFile:  validTools,
		ModelsFile: validModels,
		SafetyFile: validSafety,
	})
}

func TestLoadValidDocuments(t *testing.T) {
	p, err := Load(validDir(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(p.Modes) != 2 {
		t.Fatalf("modes = %d, want 2", len(p.Modes))
	}
	if p.Modes["NORMAL"].Thresholds["perf_system_cpu_load"] != 75 {
		t.Fatalf("NORMAL threshold = %v", p.Modes["NORMAL"].Thresholds)
	}
	if len(p.TransitionRules) != 2 {
		t.Fatalf("rules = %d, want 2", len(p.TransitionRules))
	}

	tp, ok := p.Tool("read_file")
	if !ok {
		t.Fatal("read_file policy missing")
	}
	if tp.Category != "files" || len(tp.AllowedInModes) != 2 {
		t.Fatalf("read_file policy = %+v", tp)
	}

	std := p.Models["STANDARD"]
	if std.MaxConcurrency != 2 || std.DefaultTimeout != 90 {
		t.Fatalf("STANDARD spec = %+v", std)
	}
	if std.Temperature == nil || *std.Temperature != 0.7 {
		t.Fatalf("STANDARD temperature = %v", std.Temperature)
	}

	// Defaults fill what the document leaves out.
	router := p.Models["ROUTER"]
	if router.MaxConcurrency != 1 {
		t.Fatalf("ROUTER max_concurrency = %d, want default 1", router.MaxConcurrency)
	}
	if router.DefaultTimeout != 60 {
		t.Fatalf("ROUTER default_timeout = %d, want default 60", router.DefaultTimeout)
	}

	if p.ModeConstraints["LOCKDOWN"].TurnTimeoutSeconds != 60 {
		t.Fatalf("LOCKDOWN constraint = %+v", p.ModeConstraints["LOCKDOWN"])
	}
	if !p.Safety.HumanApproval.HighRiskTools {
		t.Fatal("safety block not loaded")
	}
}

func TestLoadCollectsPathQualifiedErrors(t *testing.T) {
	badModes := `
modes:
  NORMAL:
    description: ok
  SURGE:
    description: not a mode
transition_rules:
  - from: NORMAL
    to: NORMAL
    conditions:
      - metric: perf_system_cpu_load
        op: "!="
        threshold: 10
    reason: broken
  - from: NORMAL
    to: GHOST
    conditions: []
    reason: missing target
`
	dir := writeGovernanceDir(t, map[string]string{
		ModesFile:  badModes,
		ToolsFile:  validTools,
		ModelsFile: validModels,
		SafetyFile: validSafety,
	})

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected validation failure")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("error is %T, want ValidationErrors", err)
	}
	if len(verrs) < 4 {
		t.Fatalf("collected %d problems, want at least 4: %v", len(verrs), verrs)
	}

	msg := err.Error()
	for _, want := range []string{
		"modes.SURGE",
		"transition_rules[0]",
		"self-loop",
		`comparator "!="`,
		"transition_rules[1].to",
		"transition_rules[1].conditions",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := writeGovernanceDir(t, map[string]string{
		ModesFile:  "modez:\n  NORMAL: {}\n",
		ToolsFile:  validTools,
		ModelsFile: validModels,
		SafetyFile: validSafety,
	})

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected parse failure for unknown key")
	}
	if !strings.Contains(err.Error(), ModesFile) {
		t.Fatalf("error does not name the document: %v", err)
	}
}

func TestLoadRequiresAllDocuments(t *testing.T) {
	dir := writeGovernanceDir(t, map[string]string{
		ModesFile:  validModes,
		ToolsFile:  validTools,
		ModelsFile: validModels,
	})

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected failure for missing safety.yaml")
	}
	if !strings.Contains(err.Error(), SafetyFile) {
		t.Fatalf("error does not name the missing document: %v", err)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("MEDULLA_TEST_ENDPOINT", "http://10.0.0.5:8081/v1")
	withEnv := strings.Replace(validModels,
		"http://localhost:8081/v1", "${MEDULLA_TEST_ENDPOINT}", 1)

	dir := writeGovernanceDir(t, map[string]string{
		ModesFile:  validModes,
		ToolsFile:  validTools,
		ModelsFile: withEnv,
		SafetyFile: validSafety,
	})

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Models["STANDARD"].Endpoint; got != "http://10.0.0.5:8081/v1" {
		t.Fatalf("endpoint = %q, want expanded env value", got)
	}
}

func TestEnsureToolIsIdempotent(t *testing.T) {
	p, err := Load(validDir(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	added := p.EnsureTool("mcp_fetch_url", ToolPolicy{
		Category:       "gateway",
		AllowedInModes: []string{"NORMAL"},
	})
	if !added {
		t.Fatal("first EnsureTool did not add")
	}

	// A second discovery pass must not overwrite the entry.
	added = p.EnsureTool("mcp_fetch_url", ToolPolicy{
		Category:       "gateway",
		AllowedInModes: []string{"NORMAL", "ALERT"},
	})
	if added {
		t.Fatal("second EnsureTool reported an add")
	}
	tp, _ := p.Tool("mcp_fetch_url")
	if len(tp.AllowedInModes) != 1 {
		t.Fatalf("existing entry was overwritten: %+v", tp)
	}

	// Pre-existing entries from tools.yaml also win.
	if added := p.EnsureTool("read_file", ToolPolicy{Category: "gateway"}); added {
		t.Fatal("EnsureTool replaced a document entry")
	}
}

func TestRoleAllowedInMode(t *testing.T) {
	p, err := Load(validDir(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !p.RoleAllowedInMode("NORMAL", "CODING") {
		t.Fatal("unconstrained mode rejected a role")
	}
	if !p.RoleAllowedInMode("LOCKDOWN", "STANDARD") {
		t.Fatal("LOCKDOWN rejected its allowed role")
	}
	if p.RoleAllowedInMode("LOCKDOWN", "CODING") {
		t.Fatal("LOCKDOWN permitted a role outside allowed_roles")
	}
}
