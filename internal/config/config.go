// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Agent  AgentConfig  `mapstructure:"agent" yaml:"agent"`
	Env    EnvConfig    `mapstructure:"env" yaml:"env"`
	Run    RunConfig    `mapstructure:"run" yaml:"run"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// AgentConfig configures the conversation agent and its model call.
type AgentConfig struct {
	Platform            string                  `mapstructure:"platform" yaml:"platform"`
	Model               string                  `mapstructure:"model" yaml:"model"`
	MaxTokens           int                     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature         float64                 `mapstructure:"temperature" yaml:"temperature"`
	TopP                float64                 `mapstructure:"top_p" yaml:"top_p"`
	ObservationType     schemas.ObservationType `mapstructure:"observation_type" yaml:"observation_type"`
	MaxTrajectoryLength int                     `mapstructure:"max_trajectory_length" yaml:"max_trajectory_length"`
	A11yTreeMaxTokens   int                     `mapstructure:"a11y_tree_max_tokens" yaml:"a11y_tree_max_tokens"`
	ClientPassword      string                  `mapstructure:"client_password" yaml:"client_password"`
	// APIKey is never read from the config file; it binds to OPENAI_API_KEY.
	APIKey     string        `mapstructure:"api_key" yaml:"-"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	// Endpoint is the API base URL, e.g. https://api.openai.com/v1.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// EnvConfig holds the connection details for the desktop VM controller.
type EnvConfig struct {
	ControllerURL       string        `mapstructure:"controller_url" yaml:"controller_url"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ResetSettleTime     time.Duration `mapstructure:"reset_settle_time" yaml:"reset_settle_time"`
	SleepAfterExecution float64       `mapstructure:"sleep_after_execution" yaml:"sleep_after_execution"`
}

// RunConfig holds per-invocation settings populated from CLI flags.
type RunConfig struct {
	ExampleFile string  `mapstructure:"example_file" yaml:"example_file"`
	ExampleDir  string  `mapstructure:"example_dir" yaml:"example_dir"`
	OutputDir   string  `mapstructure:"output_dir" yaml:"output_dir"`
	MaxSteps    int     `mapstructure:"max_steps" yaml:"max_steps"`
	// StepRateLimit caps model calls per second across the run, smoothing out
	// provider rate limits instead of sleeping a fixed interval between steps.
	StepRateLimit float64 `mapstructure:"step_rate_limit" yaml:"step_rate_limit"`
	Record        bool    `mapstructure:"record" yaml:"record"`
}

// SetDefaults initializes default values for all configuration parameters.
// Defaults are tuned to minimize token consumption: screenshot-only
// observations and a single-turn trajectory window.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "osworld-eval")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.platform", "ubuntu")
	v.SetDefault("agent.model", "gpt-4o-mini")
	v.SetDefault("agent.max_tokens", 1000)
	v.SetDefault("agent.temperature", 0.5)
	v.SetDefault("agent.top_p", 0.9)
	v.SetDefault("agent.observation_type", string(schemas.ObservationScreenshot))
	v.SetDefault("agent.max_trajectory_length", 1)
	v.SetDefault("agent.a11y_tree_max_tokens", 10000)
	v.SetDefault("agent.client_password", "password")
	v.SetDefault("agent.api_timeout", "120s")
	v.SetDefault("agent.endpoint", "https://api.openai.com/v1")

	// -- Environment --
	v.SetDefault("env.controller_url", "http://localhost:5000")
	v.SetDefault("env.request_timeout", "90s")
	v.SetDefault("env.reset_settle_time", "10s")
	v.SetDefault("env.sleep_after_execution", 0.5)

	// -- Run --
	v.SetDefault("run.output_dir", "./results")
	v.SetDefault("run.max_steps", 30)
	v.SetDefault("run.step_rate_limit", 0.1)
	v.SetDefault("run.record", true)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults above.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	if err := v.BindEnv("agent.api_key", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind API key env var: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// It deliberately does not require the API key: the agent constructor owns
// that check so library consumers can pass the key explicitly.
func (c *Config) Validate() error {
	if !c.Agent.ObservationType.Valid() {
		return fmt.Errorf("agent.observation_type %q is not supported", c.Agent.ObservationType)
	}
	if c.Agent.MaxTrajectoryLength < 0 {
		return fmt.Errorf("agent.max_trajectory_length must not be negative")
	}
	if c.Agent.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be a positive integer")
	}
	if c.Agent.A11yTreeMaxTokens <= 0 {
		return fmt.Errorf("agent.a11y_tree_max_tokens must be a positive integer")
	}
	if c.Run.MaxSteps <= 0 {
		return fmt.Errorf("run.max_steps must be a positive integer")
	}
	if c.Run.StepRateLimit <= 0 {
		return fmt.Errorf("run.step_rate_limit must be a positive rate")
	}
	if c.Env.SleepAfterExecution < 0 {
		return fmt.Errorf("env.sleep_after_execution must not be negative")
	}
	return nil
}
