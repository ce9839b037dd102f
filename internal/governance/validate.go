package governance

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/medulla-ai/medulla/pkg/models"
)

// ValidationError is one problem in a governance document, qualified by the
// document name and the path of the offending value.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every problem found across the documents so an
// operator fixes them in one pass instead of one failed start at a time.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "governance validation failed (%d problems)", len(e))
	for _, ve := range e {
		b.WriteString("\n  " + ve.Error())
	}
	return b.String()
}

var validOps = map[string]bool{"<": true, "<=": true, ">": true, ">=": true, "==": true}

func validate(modes *modesDoc, tools *toolsDoc, mdls *modelsDoc, safety *Safety) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	validateModes(modes, add)
	validateTools(tools, add)
	validateModels(mdls, add)
	validateSafety(safety, add)
	return errs
}

func validateModes(doc *modesDoc, add func(path, format string, args ...any)) {
	if len(doc.Modes) == 0 {
		add("modes.yaml: modes", "at least one mode must be declared")
		return
	}
	if _, ok := doc.Modes[string(models.ModeNormal)]; !ok {
		add("modes.yaml: modes", "the start mode NORMAL must be declared")
	}
	for name := range doc.Modes {
		if _, err := models.ParseMode(name); err != nil {
			add(fmt.Sprintf("modes.yaml: modes.%s", name), "%v", err)
		}
	}

	for i, rule := range doc.TransitionRules {
		path := fmt.Sprintf("modes.yaml: transition_rules[%d]", i)
		if _, ok := doc.Modes[rule.From]; !ok {
			add(path+".from", "mode %q is not declared", rule.From)
		}
		if _, ok := doc.Modes[rule.To]; !ok {
			add(path+".to", "mode %q is not declared", rule.To)
		}
		if rule.From == rule.To {
			add(path, "self-loop %s -> %s is forbidden", rule.From, rule.To)
		}
		if len(rule.Conditions) == 0 {
			add(path+".conditions", "a rule without conditions would always fire")
		}
		for j, cond := range rule.Conditions {
			cpath := fmt.Sprintf("%s.conditions[%d]", path, j)
			if cond.Metric == "" {
				add(cpath+".metric", "metric is required")
			}
			if !validOps[cond.Op] {
				add(cpath+".op", "unsupported comparator %q (want <, <=, >, >= or ==)", cond.Op)
			}
		}
	}
}

func validateTools(doc *toolsDoc, add func(path, format string, args ...any)) {
	for name, tp := range doc.Tools {
		path := fmt.Sprintf("tools.yaml: tools.%s", name)
		if tp.Category == "" {
			add(path+".category", "category is required")
		} else if _, ok := doc.ToolCategories[tp.Category]; !ok {
			add(path+".category", "category %q is not declared in tool_categories", tp.Category)
		}
		if len(tp.AllowedInModes) == 0 {
			add(path+".allowed_in_modes", "at least one mode is required")
		}
		for j, m := range tp.AllowedInModes {
			if _, err := models.ParseMode(m); err != nil {
				add(fmt.Sprintf("%s.allowed_in_modes[%d]", path, j), "%v", err)
			}
		}
		if tp.RateLimitPerHour < 0 {
			add(path+".rate_limit_per_hour", "must not be negative")
		}
		for j, g := range tp.ForbiddenPaths {
			if !validGlob(g) {
				add(fmt.Sprintf("%s.forbidden_paths[%d]", path, j), "malformed glob %q", g)
			}
		}
		for j, g := range tp.AllowedPaths {
			if !validGlob(g) {
				add(fmt.Sprintf("%s.allowed_paths[%d]", path, j), "malformed glob %q", g)
			}
		}
	}
}

func validateModels(doc *modelsDoc, add func(path, format string, args ...any)) {
	if len(doc.Models) == 0 {
		add("models.yaml: models", "at least one model role must be configured")
	}
	for role, spec := range doc.Models {
		path := fmt.Sprintf("models.yaml: models.%s", role)
		if _, err := models.ParseModelRole(role); err != nil {
			add(path, "%v", err)
		}
		if spec.ID == "" {
			add(path+".id", "model id is required")
		}
		if spec.ContextLength <= 0 {
			add(path+".context_length", "must be positive")
		}
		if spec.MaxConcurrency < 1 {
			add(path+".max_concurrency", "must be at least 1")
		}
		if spec.DefaultTimeout <= 0 {
			add(path+".default_timeout", "must be positive")
		}
		if spec.Temperature != nil && (*spec.Temperature < 0 || *spec.Temperature > 2) {
			add(path+".temperature", "must be in [0, 2]")
		}
	}

	for mode, mc := range doc.ModeConstraints {
		path := fmt.Sprintf("models.yaml: mode_constraints.%s", mode)
		if _, err := models.ParseMode(mode); err != nil {
			add(path, "%v", err)
		}
		for j, role := range mc.AllowedRoles {
			if _, err := models.ParseModelRole(role); err != nil {
				add(fmt.Sprintf("%s.allowed_roles[%d]", path, j), "%v", err)
			}
		}
		if mc.TurnTimeoutSeconds < 0 {
			add(path+".turn_timeout_seconds", "must not be negative")
		}
	}
}

func validateSafety(doc *Safety, add func(path, format string, args ...any)) {
	for i, p := range doc.SecretPatterns {
		if _, err := regexp.Compile(p); err != nil {
			add(fmt.Sprintf("safety.yaml: secret_patterns[%d]", i), "invalid pattern: %v", err)
		}
	}
	for i, p := range doc.ContentFiltering.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			add(fmt.Sprintf("safety.yaml: content_filtering.blocked_patterns[%d]", i), "invalid pattern: %v", err)
		}
	}
	if doc.RateLimits.RequestsPerMinute < 0 {
		add("safety.yaml: rate_limits.requests_per_minute", "must not be negative")
	}
	if doc.RateLimits.ToolCallsPerTurn < 0 {
		add("safety.yaml: rate_limits.tool_calls_per_turn", "must not be negative")
	}
	if doc.HumanApproval.TimeoutSeconds < 0 {
		add("safety.yaml: human_approval.timeout_seconds", "must not be negative")
	}
	for i, m := range doc.HumanApproval.ApprovalModes {
		if _, err := models.ParseMode(m); err != nil {
			add(fmt.Sprintf("safety.yaml: human_approval.approval_modes[%d]", i), "%v", err)
		}
	}
}

// validGlob rejects patterns filepath.Match cannot parse. The ** form used
// by path policies is collapsed first since Match treats it per segment.
func validGlob(pattern string) bool {
	probe := strings.ReplaceAll(pattern, "**", "*")
	_, err := filepath.Match(probe, "probe")
	return err == nil
}
