// Package config loads AgentGate's server configuration from a YAML
// file with environment-variable expansion and override, grounded on
// the teacher's pkg/config Loader (read bytes -> parse YAML -> expand
// env vars -> mapstructure-decode -> defaults -> validate) in
// pkg/config/loader.go and pkg/config/env.go.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// SchedulerConfig configures the Concurrency Scheduler.
type SchedulerConfig struct {
	PollIntervalSeconds    int `yaml:"pollIntervalSeconds" mapstructure:"pollIntervalSeconds"`
	StaggerIntervalMillis  int `yaml:"staggerIntervalMillis" mapstructure:"staggerIntervalMillis"`
	StaleAfterMinutes      int `yaml:"staleAfterMinutes" mapstructure:"staleAfterMinutes"`
	MaxConcurrentRuns      int `yaml:"maxConcurrentRuns" mapstructure:"maxConcurrentRuns"`
}

// ResourceConfig configures the Resource Monitor.
type ResourceConfig struct {
	MemoryPerSlotMB     uint64 `yaml:"memoryPerSlotMb" mapstructure:"memoryPerSlotMb"`
	PollIntervalSeconds int    `yaml:"pollIntervalSeconds" mapstructure:"pollIntervalSeconds"`
}

// RetryConfig configures the Retry Manager's backoff policy.
type RetryConfig struct {
	MaxRetries        int     `yaml:"maxRetries" mapstructure:"maxRetries"`
	BaseDelaySeconds  int     `yaml:"baseDelaySeconds" mapstructure:"baseDelaySeconds"`
	MaxDelaySeconds   int     `yaml:"maxDelaySeconds" mapstructure:"maxDelaySeconds"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier" mapstructure:"backoffMultiplier"`
	JitterFactor      float64 `yaml:"jitterFactor" mapstructure:"jitterFactor"`
}

// StreamConfig configures the Event Buffer and Rate Limiter.
type StreamConfig struct {
	MaxEventsPerWorkOrder int `yaml:"maxEventsPerWorkOrder" mapstructure:"maxEventsPerWorkOrder"`
	MaxTotalEvents        int `yaml:"maxTotalEvents" mapstructure:"maxTotalEvents"`
	RetentionMinutes      int `yaml:"retentionMinutes" mapstructure:"retentionMinutes"`
	MaxEventsPerSecond    int `yaml:"maxEventsPerSecond" mapstructure:"maxEventsPerSecond"`
}

// ServerConfig configures the HTTP/WebSocket transport.
type ServerConfig struct {
	Addr              string `yaml:"addr" mapstructure:"addr"`
	ReadTimeoutSeconds  int  `yaml:"readTimeoutSeconds" mapstructure:"readTimeoutSeconds"`
	WriteTimeoutSeconds int  `yaml:"writeTimeoutSeconds" mapstructure:"writeTimeoutSeconds"`
}

// Config is the root of AgentGate's server configuration.
type Config struct {
	DataDir   string          `yaml:"dataDir" mapstructure:"dataDir"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Resource  ResourceConfig  `yaml:"resource" mapstructure:"resource"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Stream    StreamConfig    `yaml:"stream" mapstructure:"stream"`
	AuditMaxEvents int        `yaml:"auditMaxEvents" mapstructure:"auditMaxEvents"`
	LogLevel  string          `yaml:"logLevel" mapstructure:"logLevel"`
}

// SetDefaults fills every zero-valued field with AgentGate's defaults.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Scheduler.PollIntervalSeconds == 0 {
		c.Scheduler.PollIntervalSeconds = 2
	}
	if c.Scheduler.StaggerIntervalMillis == 0 {
		c.Scheduler.StaggerIntervalMillis = 250
	}
	if c.Scheduler.StaleAfterMinutes == 0 {
		c.Scheduler.StaleAfterMinutes = 10
	}
	if c.Scheduler.MaxConcurrentRuns == 0 {
		c.Scheduler.MaxConcurrentRuns = 5
	}
	if c.Resource.MemoryPerSlotMB == 0 {
		c.Resource.MemoryPerSlotMB = 512
	}
	if c.Resource.PollIntervalSeconds == 0 {
		c.Resource.PollIntervalSeconds = 5
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelaySeconds == 0 {
		c.Retry.BaseDelaySeconds = 5
	}
	if c.Retry.MaxDelaySeconds == 0 {
		c.Retry.MaxDelaySeconds = 300
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2
	}
	if c.Retry.JitterFactor == 0 {
		c.Retry.JitterFactor = 0.1
	}
	if c.Stream.MaxEventsPerWorkOrder == 0 {
		c.Stream.MaxEventsPerWorkOrder = 1000
	}
	if c.Stream.MaxTotalEvents == 0 {
		c.Stream.MaxTotalEvents = 10000
	}
	if c.Stream.RetentionMinutes == 0 {
		c.Stream.RetentionMinutes = 60
	}
	if c.Stream.MaxEventsPerSecond == 0 {
		c.Stream.MaxEventsPerSecond = 50
	}
	if c.AuditMaxEvents == 0 {
		c.AuditMaxEvents = 10000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate enforces the range constraints spec §4 implies for each
// tunable (positive counts, sane timeouts).
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("config: scheduler.maxConcurrentRuns must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.maxRetries must be non-negative")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("config: retry.jitterFactor must be in [0,1]")
	}
	if c.Stream.MaxEventsPerSecond <= 0 {
		return fmt.Errorf("config: stream.maxEventsPerSecond must be positive")
	}
	if c.Resource.MemoryPerSlotMB == 0 {
		return fmt.Errorf("config: resource.memoryPerSlotMb must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("config: logLevel %q is not one of debug/info/warn/error", c.LogLevel)
	}
	return nil
}

// Durations converts the second-based config fields into
// time.Duration values for internal/retry.Policy.
func (c RetryConfig) Durations() (base, maxDelay time.Duration) {
	return time.Duration(c.BaseDelaySeconds) * time.Second, time.Duration(c.MaxDelaySeconds) * time.Second
}

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
)

// expandEnvVars substitutes ${VAR} and ${VAR:-default} references from
// the process environment, the same two forms the teacher's
// pkg/config/env.go supports (the bare $VAR form is intentionally
// dropped here since YAML scalars routinely start with $ for unrelated
// reasons and the braced forms are unambiguous).
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	return s
}

func expandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		return parseValue(expandEnvVars(v))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = expandEnvVarsInData(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = expandEnvVarsInData(val)
		}
		return out
	default:
		return v
	}
}

func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

// Load reads path as YAML, expands environment variable references,
// decodes into Config, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	expanded := expandEnvVarsInData(raw)

	cfg := &Config{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := dec.Decode(expanded); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
