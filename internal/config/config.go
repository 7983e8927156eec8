// Package config handles configuration loading and management for taskflow.
// It supports XDG config paths, project-level overrides, .env files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ProjectConfigName is the project override file searched upward from cwd.
const ProjectConfigName = ".taskflow.yaml"

// Config holds all configuration for taskflow.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Reports    ReportsConfig    `mapstructure:"reports"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// StoreConfig selects the state database.
type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver" validate:"oneof=sqlite sqlite3"`
}

// SchedulerConfig tunes the per-objective scheduling loop.
type SchedulerConfig struct {
	MaxWorkers   int           `mapstructure:"max_workers" validate:"gte=1,lte=64"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BaseDelay    time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0"`
	StepTimeout  time.Duration `mapstructure:"step_timeout" validate:"gt=0"`
}

// EvaluationConfig holds evaluation gate settings.
type EvaluationConfig struct {
	CompletionThreshold int `mapstructure:"completion_threshold" validate:"gte=1,lte=100"`
}

// WorkflowConfig holds workflow settings.
type WorkflowConfig struct {
	// AutoAccept skips the human review of plans and gaps.
	AutoAccept bool `mapstructure:"auto_accept"`
	// MaxRetries bounds objective-level completion rounds.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
}

// LLMConfig holds Anthropic client settings.
type LLMConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens" validate:"gte=0"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" validate:"required_if=UseBedrock true"`
	AWSProfile string `mapstructure:"aws_profile"`
	// RequestsPerMinute caps model calls across all workers. Zero is unlimited.
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"gte=0"`
}

// SearchConfig holds the Tavily search settings.
type SearchConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Depth      string        `mapstructure:"depth" validate:"oneof=basic advanced"`
	MaxResults int           `mapstructure:"max_results" validate:"gte=1,lte=20"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// RequestsPerMinute caps search lookups. Zero is unlimited.
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"gte=0"`
}

// FetchConfig holds web fetch settings.
type FetchConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxBytes int           `mapstructure:"max_bytes" validate:"gte=1024"`
	MaxPages int           `mapstructure:"max_pages" validate:"gte=0"`
}

// ReportsConfig holds report output settings.
type ReportsConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// DebugFile receives verbose scheduler tracing. Empty disables it.
	DebugFile string `mapstructure:"debug_file"`
}

// MetricsConfig holds the optional Prometheus listener.
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// Load loads configuration from .env, XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, TAVILY_API_KEY)
// 2. Project config (.taskflow.yaml in current directory or parent)
// 3. User config (~/.config/taskflow/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)
	return decode(v)
}

// Validate checks cfg against its field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s fails %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.LLM.APIKey = expandEnv(cfg.LLM.APIKey)
	cfg.Search.APIKey = expandEnv(cfg.Search.APIKey)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("TASKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("llm.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("search.api_key", "TAVILY_API_KEY")
}

// loadDotEnv reads path into the environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.driver", d.Store.Driver)

	v.SetDefault("scheduler.max_workers", d.Scheduler.MaxWorkers)
	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval.String())
	v.SetDefault("scheduler.base_delay", d.Scheduler.BaseDelay.String())
	v.SetDefault("scheduler.max_delay", d.Scheduler.MaxDelay.String())
	v.SetDefault("scheduler.max_retries", d.Scheduler.MaxRetries)
	v.SetDefault("scheduler.step_timeout", d.Scheduler.StepTimeout.String())

	v.SetDefault("evaluation.completion_threshold", d.Evaluation.CompletionThreshold)

	v.SetDefault("workflow.auto_accept", d.Workflow.AutoAccept)
	v.SetDefault("workflow.max_retries", d.Workflow.MaxRetries)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.use_bedrock", false)
	v.SetDefault("llm.aws_region", "")
	v.SetDefault("llm.aws_profile", "")
	v.SetDefault("llm.requests_per_minute", d.LLM.RequestsPerMinute)

	v.SetDefault("search.api_key", "")
	v.SetDefault("search.depth", d.Search.Depth)
	v.SetDefault("search.max_results", d.Search.MaxResults)
	v.SetDefault("search.timeout", d.Search.Timeout.String())
	v.SetDefault("search.requests_per_minute", d.Search.RequestsPerMinute)

	v.SetDefault("fetch.timeout", d.Fetch.Timeout.String())
	v.SetDefault("fetch.max_bytes", d.Fetch.MaxBytes)
	v.SetDefault("fetch.max_pages", d.Fetch.MaxPages)

	v.SetDefault("reports.dir", d.Reports.Dir)
	v.SetDefault("log.debug_file", "")
	v.SetDefault("metrics.addr", "")
}

// getUserConfigDir returns the XDG config directory for taskflow.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskflow")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskflow")
	}
	return filepath.Join(home, ".config", "taskflow")
}

// findProjectConfig searches for .taskflow.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:   filepath.Join(".taskflow", "state.db"),
			Driver: "sqlite",
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:   4,
			PollInterval: time.Second,
			BaseDelay:    30 * time.Second,
			MaxDelay:     time.Hour,
			MaxRetries:   3,
			StepTimeout:  5 * time.Minute,
		},
		Evaluation: EvaluationConfig{
			CompletionThreshold: 80,
		},
		Workflow: WorkflowConfig{
			AutoAccept: true,
			MaxRetries: 3,
		},
		LLM: LLMConfig{
			Model:             "claude-sonnet-4-20250514",
			MaxTokens:         4096,
			RequestsPerMinute: 50,
		},
		Search: SearchConfig{
			Depth:      "basic",
			MaxResults: 5,
			Timeout:    10 * time.Second,
		},
		Fetch: FetchConfig{
			Timeout:  15 * time.Second,
			MaxBytes: 32 * 1024,
			MaxPages: 3,
		},
		Reports: ReportsConfig{
			Dir: filepath.Join(".taskflow", "reports"),
		},
	}
}
