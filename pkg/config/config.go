// Package config loads etc/promptlab.yaml.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"gopkg.in/yaml.v3"

	"promptlab/internal/persistence/sink"
	"promptlab/pkg/batch"
	"promptlab/pkg/confkit"
	"promptlab/pkg/llm"
	"promptlab/pkg/prompt"
)

const (
	DefaultPath = "etc/promptlab.yaml"

	envSinkDSN    = "PROMPTLAB_SINK_DSN"
	envSinkDriver = "PROMPTLAB_SINK_DRIVER"
)

// Config is the whole application configuration.
type Config struct {
	LLM    *llm.Config
	Paths  PathsConfig
	Prompt PromptConfig
	Batch  BatchConfig
	Log    LogConfig
	Sink   sink.Config
}

type PathsConfig struct {
	RulesPack  string `yaml:"rules_pack"`
	MarketPack string `yaml:"market_pack"`
	PromptsDir string `yaml:"prompts_dir"`
	RunsDir    string `yaml:"runs_dir"`
}

type PromptConfig struct {
	Name                 string `yaml:"name"`
	Version              string `yaml:"version"`
	StrictVersion        bool   `yaml:"strict_version"`
	RequireVersionHeader bool   `yaml:"require_version_header"`
}

// Guard builds the version guard for the prompt store.
func (p PromptConfig) Guard() prompt.VersionGuard {
	return prompt.VersionGuard{RequireHeader: p.RequireVersionHeader, StrictMode: p.StrictVersion}
}

type BatchConfig struct {
	CallDelay        time.Duration
	ConstraintSource batch.ConstraintSource

	callDelayRaw string
}

// LogConfig is the subset of logx.LogConf the CLI exposes.
type LogConfig struct {
	ServiceName string `yaml:"service_name"`
	Mode        string `yaml:"mode"`
	Encoding    string `yaml:"encoding"`
	Level       string `yaml:"level"`
	Path        string `yaml:"path"`
}

// LogConf converts to go-zero's logger configuration.
func (l LogConfig) LogConf() logx.LogConf {
	return logx.LogConf{
		ServiceName: l.ServiceName,
		Mode:        l.Mode,
		Encoding:    l.Encoding,
		Level:       l.Level,
		Path:        l.Path,
		TimeFormat:  "2006-01-02T15:04:05.000Z07:00",
	}
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads the default project configuration and panics on failure.
func MustLoad() *Config {
	cfg, err := LoadConfig(confkit.MustProjectPath(DefaultPath))
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	var raw struct {
		LLM    *llm.Config  `yaml:"llm"`
		Paths  PathsConfig  `yaml:"paths"`
		Prompt PromptConfig `yaml:"prompt"`
		Batch  struct {
			CallDelay        string `yaml:"call_delay"`
			ConstraintSource string `yaml:"constraint_source"`
		} `yaml:"batch"`
		Log  LogConfig   `yaml:"log"`
		Sink sink.Config `yaml:"sink"`
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := &Config{
		LLM:    raw.LLM,
		Paths:  raw.Paths,
		Prompt: raw.Prompt,
		Batch: BatchConfig{
			ConstraintSource: batch.ConstraintSource(strings.TrimSpace(raw.Batch.ConstraintSource)),
			callDelayRaw:     raw.Batch.CallDelay,
		},
		Log:  raw.Log,
		Sink: raw.Sink,
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration built from defaults and the environment
// alone, for running without a config file.
func Default() (*Config, error) {
	confkit.LoadDotenvOnce()
	cfg := &Config{}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.LLM == nil {
		llmCfg, err := llm.DefaultConfig()
		if err != nil {
			return err
		}
		c.LLM = llmCfg
	} else if err := c.LLM.Normalize(); err != nil {
		return err
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.parseDurations(); err != nil {
		return err
	}
	if err := c.resolvePaths(); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(envSinkDSN); v != "" {
		c.Sink.DSN = v
	} else {
		c.Sink.DSN = os.ExpandEnv(c.Sink.DSN)
	}
	if v := os.Getenv(envSinkDriver); v != "" {
		c.Sink.Driver = v
	}
}

func (c *Config) applyDefaults() {
	if c.Paths.RulesPack == "" {
		c.Paths.RulesPack = "etc/fixtures/v3_rules_pack.json"
	}
	if c.Paths.MarketPack == "" {
		c.Paths.MarketPack = "etc/fixtures/v3_market_pack.json"
	}
	if c.Paths.PromptsDir == "" {
		c.Paths.PromptsDir = "prompts"
	}
	if c.Paths.RunsDir == "" {
		c.Paths.RunsDir = "runs"
	}
	if c.Prompt.Name == "" {
		c.Prompt.Name = prompt.AllocationPrompt
	}
	if c.Batch.ConstraintSource == "" {
		c.Batch.ConstraintSource = batch.SourceInternal
	}
	if c.Log.ServiceName == "" {
		c.Log.ServiceName = "promptlab"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "console"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "plain"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sink.Enabled() && c.Sink.Driver == "" {
		c.Sink.Driver = "sqlite"
	}
}

func (c *Config) parseDurations() error {
	raw := strings.TrimSpace(os.ExpandEnv(c.Batch.callDelayRaw))
	if raw == "" {
		c.Batch.CallDelay = time.Second
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid batch.call_delay %q: %w", raw, err)
	}
	c.Batch.CallDelay = d
	return nil
}

// resolvePaths makes relative paths project-relative when a project root
// can be found.
func (c *Config) resolvePaths() error {
	if _, err := confkit.ProjectRoot(); err != nil {
		return nil
	}
	for _, p := range []*string{&c.Paths.RulesPack, &c.Paths.MarketPack, &c.Paths.PromptsDir, &c.Paths.RunsDir} {
		resolved, err := confkit.ProjectPath(*p)
		if err != nil {
			return err
		}
		*p = resolved
	}
	return nil
}

// Validate checks cross-section settings. The llm section validates itself.
func (c *Config) Validate() error {
	if c.Batch.CallDelay < 0 {
		return errors.New("config: batch.call_delay cannot be negative")
	}
	switch c.Batch.ConstraintSource {
	case batch.SourceInternal, batch.SourceExternal:
	default:
		return fmt.Errorf("config: batch.constraint_source must be internal or external, got %q", c.Batch.ConstraintSource)
	}
	switch c.Log.Mode {
	case "console", "file", "volume":
	default:
		return fmt.Errorf("config: log.mode %q is not supported", c.Log.Mode)
	}
	if c.Log.Mode != "console" && c.Log.Path == "" {
		return errors.New("config: log.path is required for file logging")
	}
	if c.Sink.Enabled() {
		switch c.Sink.Driver {
		case "sqlite", "postgres", "pgx":
		default:
			return fmt.Errorf("config: sink.driver must be sqlite, postgres or pgx, got %q", c.Sink.Driver)
		}
	}
	return nil
}
