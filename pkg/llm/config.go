package llm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL     = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultModel       = "qwen3-235b-a22b-instruct-2507"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1024

	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 2

	envAPIKey     = "DASHSCOPE_API_KEY"
	envBaseURL    = "DASHSCOPE_BASE_URL"
	envModel      = "QWEN_MODEL"
	envTimeout    = "DASHSCOPE_TIMEOUT"
	envMaxRetries = "DASHSCOPE_MAX_RETRIES"
)

// Config holds runtime settings for the chat client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
	MaxTokens   int
	Verbose     bool
	Budget      *BudgetConfig

	timeoutRaw string
}

// BudgetConfig caps token spend for one process run.
type BudgetConfig struct {
	TokenLimit           int64              `yaml:"token_limit"`
	AlertThresholdPct    int                `yaml:"alert_threshold_pct"`
	StrictEnforcement    bool               `yaml:"strict_enforcement"`
	CostPerMillionTokens map[string]float64 `yaml:"cost_per_million_tokens"`
}

type rawConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     string        `yaml:"timeout"`
	MaxRetries  *int          `yaml:"max_retries"`
	Temperature *float64      `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Verbose     bool          `yaml:"verbose"`
	Budget      *BudgetConfig `yaml:"budget"`
}

// UnmarshalYAML decodes the llm section. Call Normalize afterwards.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = Config{
		BaseURL:    raw.BaseURL,
		APIKey:     raw.APIKey,
		Model:      raw.Model,
		MaxRetries: -1,
		MaxTokens:  raw.MaxTokens,
		Verbose:    raw.Verbose,
		Budget:     raw.Budget,
		timeoutRaw: raw.Timeout,
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	c.Temperature = -1
	if raw.Temperature != nil {
		c.Temperature = *raw.Temperature
	}
	return nil
}

// DefaultConfig returns a config populated only from defaults and environment.
func DefaultConfig() (*Config, error) {
	cfg := &Config{MaxRetries: -1, Temperature: -1}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize applies defaults and environment overrides, then validates.
func (c *Config) Normalize() error {
	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.parseTimeout(); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks that the settings are usable. The API key is not required
// here since dry runs never reach the model.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("llm config: base_url is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("llm config: model is required")
	}
	if c.Timeout <= 0 {
		return errors.New("llm config: timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("llm config: max_retries cannot be negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("llm config: temperature must be within [0,2], got %v", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return errors.New("llm config: max_tokens must be positive")
	}
	return c.Budget.Validate()
}

// Validate ensures budget configuration is sane.
func (b *BudgetConfig) Validate() error {
	if b == nil {
		return nil
	}
	if b.TokenLimit <= 0 {
		return errors.New("llm config: budget.token_limit must be positive")
	}
	if b.AlertThresholdPct < 0 || b.AlertThresholdPct > 100 {
		return errors.New("llm config: budget.alert_threshold_pct must be between 0 and 100")
	}
	for name, cost := range b.CostPerMillionTokens {
		if cost < 0 {
			return fmt.Errorf("llm config: budget cost_per_million_tokens[%s] cannot be negative", name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Temperature < 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Budget != nil && c.Budget.AlertThresholdPct == 0 {
		c.Budget.AlertThresholdPct = 80
	}
}

func (c *Config) applyEnvOverrides() {
	c.BaseURL = expandAndOverride(c.BaseURL, envBaseURL)
	c.APIKey = expandAndOverride(c.APIKey, envAPIKey)
	c.Model = expandAndOverride(c.Model, envModel)

	if raw := os.Getenv(envTimeout); raw != "" {
		c.timeoutRaw = raw
	} else {
		c.timeoutRaw = os.ExpandEnv(c.timeoutRaw)
	}

	if raw := os.Getenv(envMaxRetries); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			c.MaxRetries = v
		}
	}
}

func (c *Config) parseTimeout() error {
	if strings.TrimSpace(c.timeoutRaw) == "" {
		if c.Timeout <= 0 {
			c.Timeout = defaultTimeout
		}
		return nil
	}
	d, err := time.ParseDuration(c.timeoutRaw)
	if err != nil {
		return fmt.Errorf("llm config: invalid timeout %q: %w", c.timeoutRaw, err)
	}
	if d <= 0 {
		return fmt.Errorf("llm config: timeout must be positive, got %s", d)
	}
	c.Timeout = d
	return nil
}

func expandAndOverride(current, envKey string) string {
	current = os.ExpandEnv(current)
	if envVal := os.Getenv(envKey); envVal != "" {
		return envVal
	}
	return current
}
