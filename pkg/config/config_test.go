package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptlab/pkg/batch"
	"promptlab/pkg/confkit"
	"promptlab/pkg/llm"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DASHSCOPE_API_KEY", "DASHSCOPE_BASE_URL", "QWEN_MODEL", "DASHSCOPE_TIMEOUT",
		"DASHSCOPE_MAX_RETRIES", envSinkDSN, envSinkDriver,
	} {
		t.Setenv(key, "")
	}
}

func TestCommittedConfigLoads(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(confkit.MustProjectPath(DefaultPath))
	require.NoError(t, err)

	assert.Equal(t, llm.DefaultModel, cfg.LLM.Model)
	require.NotNil(t, cfg.LLM.Budget)
	assert.True(t, cfg.LLM.Budget.StrictEnforcement)
	assert.Equal(t, time.Second, cfg.Batch.CallDelay)
	assert.Equal(t, batch.SourceInternal, cfg.Batch.ConstraintSource)
	assert.True(t, cfg.Prompt.Guard().StrictMode)
	assert.False(t, cfg.Sink.Enabled())

	for _, p := range []string{cfg.Paths.RulesPack, cfg.Paths.MarketPack, filepath.Join(cfg.Paths.PromptsDir, "registry.yaml")} {
		assert.True(t, filepath.IsAbs(p), p)
		assert.FileExists(t, p)
	}
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)

	assert.Equal(t, llm.DefaultBaseURL, cfg.LLM.BaseURL)
	assert.Equal(t, llm.DefaultTemperature, cfg.LLM.Temperature)
	assert.Equal(t, "allocation_test", cfg.Prompt.Name)
	assert.Equal(t, "console", cfg.Log.Mode)
	assert.Equal(t, "plain", cfg.Log.LogConf().Encoding)
	assert.Equal(t, "promptlab", cfg.Log.LogConf().ServiceName)
	assert.True(t, strings.HasSuffix(cfg.Paths.RunsDir, "runs"))

	def, err := Default()
	require.NoError(t, err)
	assert.Equal(t, cfg.Paths, def.Paths)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(envSinkDSN, "/tmp/rows.db")
	t.Setenv("DASHSCOPE_API_KEY", "sk-env")
	t.Setenv("PROMPTLAB_TEST_DELAY", "250ms")

	cfg, err := LoadConfigFromReader(strings.NewReader(`
llm:
  api_key: sk-file
batch:
  call_delay: ${PROMPTLAB_TEST_DELAY}
  constraint_source: external
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.CallDelay)
	assert.Equal(t, batch.SourceExternal, cfg.Batch.ConstraintSource)
	assert.True(t, cfg.Sink.Enabled())
	assert.Equal(t, "sqlite", cfg.Sink.Driver)
	assert.Equal(t, "/tmp/rows.db", cfg.Sink.DSN)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad delay", "batch:\n  call_delay: soon\n", "invalid batch.call_delay"},
		{"negative delay", "batch:\n  call_delay: -1s\n", "cannot be negative"},
		{"bad source", "batch:\n  constraint_source: csv\n", "constraint_source must be internal or external"},
		{"log mode", "log:\n  mode: syslog\n", `log.mode "syslog"`},
		{"file log without path", "log:\n  mode: file\n", "log.path is required"},
		{"sink driver", "sink:\n  driver: mysql\n  dsn: x\n", "sink.driver"},
		{"llm temperature", "llm:\n  temperature: 3\n", "temperature must be within"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadConfigFromReader(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "open config")
}
