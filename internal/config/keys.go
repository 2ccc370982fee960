package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured for a provider.
var ErrNoAPIKey = errors.New("no API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// envKeys maps providers to the environment variable holding their key.
var envKeys = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
}

// GetAPIKey returns the API key for provider.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config, provider string) (string, error) {
	key, _ := lookupKey(cfg, provider)
	if key == "" {
		return "", fmt.Errorf("%s: %w", provider, ErrNoAPIKey)
	}
	return key, nil
}

// GetAPIKeySource returns where the provider's API key was sourced from.
func GetAPIKeySource(cfg *Config, provider string) KeySource {
	_, src := lookupKey(cfg, provider)
	return src
}

func lookupKey(cfg *Config, provider string) (string, KeySource) {
	if env, ok := envKeys[provider]; ok {
		if key := os.Getenv(env); key != "" {
			return key, KeySourceEnv
		}
	}
	if cfg == nil {
		return "", KeySourceNone
	}

	var configured string
	switch provider {
	case ProviderAnthropic:
		configured = cfg.Anthropic.APIKey
	case ProviderOpenAI:
		configured = cfg.OpenAI.APIKey
	}
	key := os.ExpandEnv(configured)
	if key != "" && !strings.HasPrefix(key, "${") {
		return key, KeySourceConfig
	}
	return "", KeySourceNone
}

// ValidateAPIKey performs basic format validation on a provider key.
// It does not verify the key with the provider.
func ValidateAPIKey(provider, key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if provider == ProviderAnthropic && !strings.HasPrefix(key, "sk-ant-") {
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
