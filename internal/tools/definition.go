// Package tools holds the in-process tool catalogue and the gated dispatch
// boundary every tool call crosses: permission checks, argument validation,
// path policy, approval, timeout, and result sanitization.
package tools

import (
	"fmt"
	"time"

	"github.com/medulla-ai/medulla/pkg/models"
)

// ParameterType enumerates the declared argument types.
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeBoolean ParameterType = "boolean"
	TypeObject  ParameterType = "object"
	TypeArray   ParameterType = "array"
)

// Parameter declares one tool argument. Object and array parameters must
// carry a nested JSONSchema so the model-facing descriptor stays faithful to
// the real shape.
type Parameter struct {
	Name        string         `json:"name"`
	Type        ParameterType  `json:"type"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required"`
	Default     any            `json:"default,omitempty"`
	JSONSchema  map[string]any `json:"json_schema,omitempty"`
}

// Definition describes one registered tool.
type Definition struct {
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	Category         string           `json:"category"`
	Parameters       []Parameter      `json:"parameters,omitempty"`
	RiskLevel        models.RiskLevel `json:"risk_level"`
	AllowedModes     []string         `json:"allowed_modes"`
	RequiresApproval bool             `json:"requires_approval"`
	RequiresSandbox  bool             `json:"requires_sandbox"`
	TimeoutSeconds   int              `json:"timeout_seconds"`
	RateLimitPerHour int              `json:"rate_limit_per_hour,omitempty"`
}

// Timeout returns the execution deadline as a duration, defaulting to 30s.
func (d Definition) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// AllowedIn reports whether the tool may run in the given mode. A definition
// with no allowed_modes list is usable everywhere.
func (d Definition) AllowedIn(mode models.Mode) bool {
	if len(d.AllowedModes) == 0 {
		return true
	}
	for _, m := range d.AllowedModes {
		if m == string(mode) {
			return true
		}
	}
	return false
}

// Validate checks structural requirements before registration.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool definition missing name")
	}
	for _, p := range d.Parameters {
		switch p.Type {
		case TypeString, TypeNumber, TypeBoolean:
		case TypeObject, TypeArray:
			if len(p.JSONSchema) == 0 {
				return fmt.Errorf("tool %q parameter %q: %s parameters require a json_schema", d.Name, p.Name, p.Type)
			}
		default:
			return fmt.Errorf("tool %q parameter %q: unknown type %q", d.Name, p.Name, p.Type)
		}
	}
	return nil
}

// LLMFunction is the model-facing descriptor in standard function-calling
// shape. Parameters is a JSON-Schema object; nested schemas for complex
// parameters are passed through unchanged.
type LLMFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToLLMFunction renders the definition for a model's tools list.
func (d Definition) ToLLMFunction() LLMFunction {
	properties := make(map[string]any, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		var schema map[string]any
		if len(p.JSONSchema) > 0 {
			schema = make(map[string]any, len(p.JSONSchema)+1)
			for k, v := range p.JSONSchema {
				schema[k] = v
			}
			if _, ok := schema["type"]; !ok {
				schema["type"] = string(p.Type)
			}
		} else {
			schema = map[string]any{"type": string(p.Type)}
		}
		if p.Description != "" {
			schema["description"] = p.Description
		}
		if p.Default != nil {
			schema["default"] = p.Default
		}
		properties[p.Name] = schema
		if p.Required {
			required = append(required, p.Name)
		}
	}

	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return LLMFunction{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  params,
	}
}
