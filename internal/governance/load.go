package governance

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Document file names inside the governance directory.
const (
	ModesFile  = "modes.yaml"
	ToolsFile  = "tools.yaml"
	ModelsFile = "models.yaml"
	SafetyFile = "safety.yaml"
)

// Load reads the four governance documents from dir, applies defaults, and
// validates them. Any validation failure returns a ValidationErrors listing
// every problem with its document-qualified path.
func Load(dir string) (*Policy, error) {
	var (
		modes  modesDoc
		tools  toolsDoc
		models modelsDoc
		safety Safety
	)

	for _, doc := range []struct {
		name string
		into any
	}{
		{ModesFile, &modes},
		{ToolsFile, &tools},
		{ModelsFile, &models},
		{SafetyFile, &safety},
	} {
		if err := loadDoc(filepath.Join(dir, doc.name), doc.into); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("governance document %s not found in %s", doc.name, dir)
			}
			return nil, fmt.Errorf("%s: %w", doc.name, err)
		}
	}

	applyDefaults(&models)

	if errs := validate(&modes, &tools, &models, &safety); len(errs) > 0 {
		return nil, errs
	}

	p := &Policy{
		Modes:           modes.Modes,
		TransitionRules: modes.TransitionRules,
		ToolCategories:  tools.ToolCategories,
		Models:          models.Models,
		ModeConstraints: models.ModeConstraints,
		Safety:          safety,
		tools:           tools.Tools,
	}
	if p.tools == nil {
		p.tools = make(map[string]ToolPolicy)
	}
	return p, nil
}

// loadDoc reads one YAML document with environment expansion and strict
// field checking: unknown keys are load errors, not silent typos.
func loadDoc(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty document keeps zero values
		}
		return fmt.Errorf("parse: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("parse: expected a single document")
	}
	return nil
}

func applyDefaults(models *modelsDoc) {
	for role, spec := range models.Models {
		if spec.MaxConcurrency == 0 {
			spec.MaxConcurrency = 1
		}
		if spec.DefaultTimeout == 0 {
			spec.DefaultTimeout = 60
		}
		models.Models[role] = spec
	}
	for mode, mc := range models.ModeConstraints {
		if mc.TurnTimeoutSeconds == 0 {
			mc.TurnTimeoutSeconds = 120
		}
		models.ModeConstraints[mode] = mc
	}
}
