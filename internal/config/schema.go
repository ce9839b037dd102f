package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema generates the JSON Schema for the runtime configuration file.
// Served by `medulla config schema` so operators can validate medulla.yaml
// in their editors.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: false,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "medulla runtime configuration"
	schema.Description = "Runtime configuration for the medulla agent (medulla.yaml / medulla.json5)."

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config schema: %w", err)
	}
	return out, nil
}
