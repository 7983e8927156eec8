package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// ErrNoSearchKey is returned when no search API key is configured.
var ErrNoSearchKey = errors.New("no Tavily API key configured")

// GetAPIKey returns the Anthropic API key from the configuration.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config) (string, error) {
	var fromConfig string
	if cfg != nil {
		fromConfig = cfg.LLM.APIKey
	}
	if key, ok := resolveKey("ANTHROPIC_API_KEY", fromConfig); ok {
		return key, nil
	}
	return "", ErrNoAPIKey
}

// GetSearchAPIKey returns the Tavily API key from the configuration.
func GetSearchAPIKey(cfg *Config) (string, error) {
	var fromConfig string
	if cfg != nil {
		fromConfig = cfg.Search.APIKey
	}
	if key, ok := resolveKey("TAVILY_API_KEY", fromConfig); ok {
		return key, nil
	}
	return "", ErrNoSearchKey
}

func resolveKey(env, fromConfig string) (string, bool) {
	if key := os.Getenv(env); key != "" {
		return key, true
	}
	if fromConfig != "" {
		// Expand any remaining env var references
		key := os.ExpandEnv(fromConfig)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, true
		}
	}
	return "", false
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with Anthropic's API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}

	// Anthropic API keys start with "sk-ant-"
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}

	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}

	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the Anthropic API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return KeySourceEnv
	}
	if cfg != nil {
		if _, ok := resolveKey("", cfg.LLM.APIKey); ok {
			return KeySourceConfig
		}
	}
	return KeySourceNone
}
