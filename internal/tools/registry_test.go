package tools

import (
	"context"
	"testing"

	"github.com/medulla-ai/medulla/pkg/models"
)

func echoExec(ctx context.Context, args map[string]any) (any, error) {
	return args, nil
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()
	def := Definition{Name: "echo", Description: "first"}
	if err := r.Register(def, echoExec); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := r.Register(Definition{Name: "echo", Description: "second"}, echoExec); err == nil {
		t.Fatal("duplicate registration should fail")
	}

	got, _, ok := r.Get("echo")
	if !ok || got.Description != "first" {
		t.Fatalf("first registration should win, got %+v", got)
	}
}

func TestRegisterRejectsComplexParamWithoutSchema(t *testing.T) {
	r := NewRegistry()
	def := Definition{
		Name:       "bad",
		Parameters: []Parameter{{Name: "payload", Type: TypeObject}},
	}
	if err := r.Register(def, echoExec); err == nil {
		t.Fatal("object parameter without json_schema should be rejected")
	}
}

func TestListFiltersByMode(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Definition{Name: "everywhere"})
	mustRegister(t, r, Definition{Name: "normal_only", AllowedModes: []string{"NORMAL"}})

	lockdown := models.ModeLockdown
	defs := r.List(&lockdown)
	if len(defs) != 1 || defs[0].Name != "everywhere" {
		t.Fatalf("LOCKDOWN list = %v", names(defs))
	}

	normal := models.ModeNormal
	if got := r.List(&normal); len(got) != 2 {
		t.Fatalf("NORMAL list = %v", names(got))
	}
}

func TestFilterByCategory(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Definition{Name: "a", Category: "system"})
	mustRegister(t, r, Definition{Name: "b", Category: "files"})
	mustRegister(t, r, Definition{Name: "c", Category: "system"})

	got := r.FilterByCategory("system")
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
		t.Fatalf("system category = %v", names(got))
	}
}

func TestDefinitionsForLLMPreservesNestedSchema(t *testing.T) {
	r := NewRegistry()
	nested := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
		},
		"required": []any{"query"},
	}
	mustRegister(t, r, Definition{
		Name:        "search",
		Description: "search things",
		Parameters: []Parameter{
			{Name: "options", Type: TypeObject, Required: true, JSONSchema: nested},
			{Name: "verbose", Type: TypeBoolean, Default: false},
		},
	})

	fns := r.DefinitionsForLLM(nil)
	if len(fns) != 1 {
		t.Fatalf("got %d functions", len(fns))
	}
	props, ok := fns[0].Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatalf("parameters missing properties: %v", fns[0].Parameters)
	}
	opts, ok := props["options"].(map[string]any)
	if !ok {
		t.Fatal("options descriptor missing")
	}
	inner, ok := opts["properties"].(map[string]any)
	if !ok {
		t.Fatalf("nested schema not preserved: %v", opts)
	}
	if _, ok := inner["query"]; !ok {
		t.Fatalf("nested properties lost: %v", inner)
	}
	req, ok := fns[0].Parameters["required"].([]string)
	if !ok || len(req) != 1 || req[0] != "options" {
		t.Fatalf("required = %v", fns[0].Parameters["required"])
	}
}

func mustRegister(t *testing.T, r *Registry, def Definition) {
	t.Helper()
	if err := r.Register(def, echoExec); err != nil {
		t.Fatalf("register %s: %v", def.Name, err)
	}
}

func names(defs []Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
