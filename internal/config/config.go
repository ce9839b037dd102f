// Package config owns the runtime configuration file and the environment
// cascade. Governance policy lives in its own package; this one covers
// everything operational: ports, storage, model endpoints, loop schedules.
package config

import "time"

// Config is the root runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Governance GovernanceConfig `yaml:"governance" json:"governance"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Gateway    GatewayConfig    `yaml:"gateway" json:"gateway"`
	Router     RouterConfig     `yaml:"router" json:"router"`
	Roles      RolesConfig      `yaml:"roles" json:"roles"`
	Agent      AgentConfig      `yaml:"agent" json:"agent"`
	Brainstem  BrainstemConfig  `yaml:"brainstem" json:"brainstem"`
	Memory     MemoryConfig     `yaml:"memory" json:"memory"`
	Extraction ExtractionConfig `yaml:"extraction" json:"extraction"`
	Costs      CostsConfig      `yaml:"costs" json:"costs"`
}

type ServerConfig struct {
	Host                 string `yaml:"host" json:"host"`
	Port                 int    `yaml:"port" json:"port"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds" json:"shutdown_grace_seconds"`
}

type LoggingConfig struct {
	// Level accepts DEBUG, INFO, WARNING, ERROR, CRITICAL. APP_LOG_LEVEL
	// overrides the file value.
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

type TelemetryConfig struct {
	// Root is the directory holding logs/, captains_log/ and archive/.
	Root    string        `yaml:"root" json:"root"`
	Shipper ShipperConfig `yaml:"shipper" json:"shipper"`
}

type ShipperConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	IndexName        string `yaml:"index_name" json:"index_name"`
	QueueSize        int    `yaml:"queue_size" json:"queue_size"`
	FailureThreshold int    `yaml:"failure_threshold" json:"failure_threshold"`
	CooldownSeconds  int    `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

type GovernanceConfig struct {
	// Dir contains modes.yaml, tools.yaml, models.yaml and safety.yaml.
	Dir string `yaml:"dir" json:"dir"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

type SearchConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	URL            string `yaml:"url" json:"url"`
	Index          string `yaml:"index" json:"index"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type GatewayConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Name prefixes every discovered tool ("<name>_<tool>").
	Name string `yaml:"name" json:"name"`

	// Command is the child process argv.
	Command []string `yaml:"command" json:"command"`

	InitTimeoutSeconds int `yaml:"init_timeout_seconds" json:"init_timeout_seconds"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" json:"call_timeout_seconds"`
}

type RouterConfig struct {
	// ConfidenceFloor is the heuristic confidence below which the router
	// consults the ROUTER model.
	ConfidenceFloor float64 `yaml:"confidence_floor" json:"confidence_floor"`
	LLMConsult      bool    `yaml:"llm_consult" json:"llm_consult"`
}

type RolesConfig struct {
	// RouterAliasedToStandard folds the ROUTER role into STANDARD.
	RouterAliasedToStandard bool `yaml:"router_aliased_to_standard" json:"router_aliased_to_standard"`

	// DisableReasoning downgrades REASONING requests to STANDARD.
	DisableReasoning bool `yaml:"disable_reasoning" json:"disable_reasoning"`
}

type AgentConfig struct {
	// MaxSteps caps model-call/tool-dispatch iterations per turn.
	MaxSteps int `yaml:"max_steps" json:"max_steps"`

	// MaxTokens and ReservedTokens bound the context window.
	MaxTokens      int    `yaml:"max_tokens" json:"max_tokens"`
	ReservedTokens int    `yaml:"reserved_tokens" json:"reserved_tokens"`
	Strategy       string `yaml:"strategy" json:"strategy"`
}

type BrainstemConfig struct {
	Enabled bool                  `yaml:"enabled" json:"enabled"`
	Loops   map[string]LoopConfig `yaml:"loops" json:"loops"`
}

type LoopConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds" json:"interval_seconds"`
	JitterSeconds   int    `yaml:"jitter_seconds" json:"jitter_seconds"`
	Cron            string `yaml:"cron" json:"cron"`
}

type MemoryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type ExtractionConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Model     string `yaml:"model" json:"model"`
	MaxTokens int    `yaml:"max_tokens" json:"max_tokens"`
}

type CostsConfig struct {
	WeeklyBudgetUSD float64 `yaml:"weekly_budget_usd" json:"weekly_budget_usd"`
}

// Loop names recognized under brainstem.loops.
const (
	LoopSensorPoll         = "sensor_poll"
	LoopConsolidation      = "consolidation"
	LoopQualityMonitor     = "quality_monitor"
	LoopThresholdOptimizer = "threshold_optimizer"
	LoopInsightsEngine     = "insights_engine"
	LoopLifecycle          = "lifecycle"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownGraceSeconds == 0 {
		cfg.Server.ShutdownGraceSeconds = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Telemetry.Root == "" {
		cfg.Telemetry.Root = "telemetry"
	}
	if cfg.Telemetry.Shipper.IndexName == "" {
		cfg.Telemetry.Shipper.IndexName = "medulla-events"
	}
	if cfg.Telemetry.Shipper.QueueSize == 0 {
		cfg.Telemetry.Shipper.QueueSize = 1024
	}
	if cfg.Telemetry.Shipper.FailureThreshold == 0 {
		cfg.Telemetry.Shipper.FailureThreshold = 5
	}
	if cfg.Telemetry.Shipper.CooldownSeconds == 0 {
		cfg.Telemetry.Shipper.CooldownSeconds = 30
	}
	if cfg.Governance.Dir == "" {
		cfg.Governance.Dir = "governance"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "medulla.db"
	}
	if cfg.Search.Index == "" {
		cfg.Search.Index = "medulla-events"
	}
	if cfg.Search.TimeoutSeconds == 0 {
		cfg.Search.TimeoutSeconds = 5
	}
	if cfg.Gateway.Name == "" {
		cfg.Gateway.Name = "mcp"
	}
	if cfg.Gateway.InitTimeoutSeconds == 0 {
		cfg.Gateway.InitTimeoutSeconds = 15
	}
	if cfg.Gateway.CallTimeoutSeconds == 0 {
		cfg.Gateway.CallTimeoutSeconds = 30
	}
	if cfg.Router.ConfidenceFloor == 0 {
		cfg.Router.ConfidenceFloor = 0.8
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 5
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 8192
	}
	if cfg.Agent.ReservedTokens == 0 {
		cfg.Agent.ReservedTokens = 1024
	}
	if cfg.Agent.Strategy == "" {
		cfg.Agent.Strategy = "truncate"
	}
	if cfg.Extraction.Model == "" {
		cfg.Extraction.Model = "claude-3-5-haiku-latest"
	}
	if cfg.Extraction.MaxTokens == 0 {
		cfg.Extraction.MaxTokens = 2048
	}
	if cfg.Costs.WeeklyBudgetUSD == 0 {
		cfg.Costs.WeeklyBudgetUSD = 25
	}
	applyLoopDefaults(cfg)
}

func applyLoopDefaults(cfg *Config) {
	if cfg.Brainstem.Loops == nil {
		cfg.Brainstem.Loops = make(map[string]LoopConfig)
	}

	defaults := map[string]LoopConfig{
		LoopSensorPoll:         {Enabled: true, IntervalSeconds: 30},
		LoopConsolidation:      {Enabled: true, IntervalSeconds: 600, JitterSeconds: 60},
		LoopQualityMonitor:     {Enabled: true, IntervalSeconds: 3600, JitterSeconds: 300},
		LoopThresholdOptimizer: {Enabled: true, IntervalSeconds: 21600, JitterSeconds: 600},
		LoopInsightsEngine:     {Enabled: true, IntervalSeconds: 3600, JitterSeconds: 300},
		LoopLifecycle:          {Enabled: true, Cron: "0 3 * * *"},
	}
	for name, def := range defaults {
		lc, ok := cfg.Brainstem.Loops[name]
		if !ok {
			cfg.Brainstem.Loops[name] = def
			continue
		}
		if lc.IntervalSeconds == 0 && lc.Cron == "" {
			lc.IntervalSeconds = def.IntervalSeconds
			lc.Cron = def.Cron
		}
		cfg.Brainstem.Loops[name] = lc
	}
}

// Interval returns the loop interval as a duration.
func (l LoopConfig) Interval() time.Duration {
	return time.Duration(l.IntervalSeconds) * time.Second
}

// Jitter returns the loop jitter as a duration.
func (l LoopConfig) Jitter() time.Duration {
	return time.Duration(l.JitterSeconds) * time.Second
}
