package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrentRuns)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestSetDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	cfg.Scheduler.MaxConcurrentRuns = 20
	cfg.SetDefaults()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20, cfg.Scheduler.MaxConcurrentRuns)
}

func TestValidate_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"non-positive max concurrent runs", func(c *Config) { c.Scheduler.MaxConcurrentRuns = 0 }, "maxConcurrentRuns"},
		{"negative max retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "maxRetries"},
		{"jitter factor out of range", func(c *Config) { c.Retry.JitterFactor = 1.5 }, "jitterFactor"},
		{"non-positive events per second", func(c *Config) { c.Stream.MaxEventsPerSecond = 0 }, "maxEventsPerSecond"},
		{"zero memory per slot", func(c *Config) { c.Resource.MemoryPerSlotMB = 0 }, "memoryPerSlotMb"},
		{"invalid log level", func(c *Config) { c.LogLevel = "verbose" }, "logLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRetryConfig_Durations(t *testing.T) {
	rc := RetryConfig{BaseDelaySeconds: 5, MaxDelaySeconds: 300}
	base, maxDelay := rc.Durations()
	assert.Equal(t, int64(5), base.Nanoseconds()/1e9)
	assert.Equal(t, int64(300), maxDelay.Nanoseconds()/1e9)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("AGENTGATE_TEST_ADDR", ":9090")

	assert.Equal(t, ":9090", expandEnvVars("${AGENTGATE_TEST_ADDR}"))
	assert.Equal(t, "fallback", expandEnvVars("${AGENTGATE_TEST_UNSET:-fallback}"))
	assert.Equal(t, "no vars here", expandEnvVars("no vars here"))
}

func TestLoad_AppliesEnvExpansionDefaultsAndValidation(t *testing.T) {
	t.Setenv("AGENTGATE_TEST_MAX_RUNS", "7")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte(`
dataDir: ./testdata
scheduler:
  maxConcurrentRuns: ${AGENTGATE_TEST_MAX_RUNS}
logLevel: debug
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./testdata", cfg.DataDir)
	assert.Equal(t, 7, cfg.Scheduler.MaxConcurrentRuns)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields still get defaults.
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
