package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration failures: unreadable or unparsable files
// and validation rejections. Callers map it to the configuration exit code.
var ErrInvalid = errors.New("invalid configuration")

// Load reads the runtime configuration file. YAML is the default format;
// .json and .json5 are accepted by extension. Environment references in the
// file are expanded before parsing, unknown keys are errors, and defaults
// fill whatever the file leaves out.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %v", ErrInvalid, err)
	}

	expanded := os.ExpandEnv(string(data))
	raw, err := parseRawBytes([]byte(expanded), path)
	if err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", ErrInvalid, path, err)
	}

	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", ErrInvalid, path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to the built-in
// defaults when it does not. A present-but-broken file is still an error.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return Load(path)
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	format := strings.ToLower(filepath.Ext(pathHint))
	if format == ".json" || format == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("expected a single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// decodeRaw round-trips the raw map through YAML so both file formats land
// in the same tagged struct, with strict field checking.
func decodeRaw(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if lvl := os.Getenv("APP_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
}

// Validate checks cross-field consistency. Violations are configuration
// failures, reported together.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q (want sqlite or postgres)", c.Database.Driver))
	}
	if c.Router.ConfidenceFloor < 0 || c.Router.ConfidenceFloor > 1 {
		problems = append(problems, fmt.Sprintf("router.confidence_floor %v outside [0,1]", c.Router.ConfidenceFloor))
	}
	if c.Agent.Strategy != "truncate" {
		problems = append(problems, fmt.Sprintf("agent.strategy %q is not supported (want truncate)", c.Agent.Strategy))
	}
	if c.Agent.ReservedTokens >= c.Agent.MaxTokens {
		problems = append(problems, "agent.reserved_tokens must be smaller than agent.max_tokens")
	}
	if c.Gateway.Enabled && len(c.Gateway.Command) == 0 {
		problems = append(problems, "gateway.enabled requires gateway.command")
	}
	if c.Search.Enabled && c.Search.URL == "" {
		problems = append(problems, "search.enabled requires search.url")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		problems = append(problems, fmt.Sprintf("tracing.sampling_rate %v outside [0,1]", c.Tracing.SamplingRate))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
