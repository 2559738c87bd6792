// Package config handles configuration loading from JSON files under
// ~/.snow and project-local .snow directories, plus environment variable
// overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Config is the main snowcfg configuration, loaded from
// ~/.snow/config.json.
type Config struct {
	BaseURL       string  `json:"baseUrl"`
	APIKey        string  `json:"apiKey"`
	RequestMethod string  `json:"requestMethod"` // chat | responses | gemini | anthropic
	AdvancedModel string  `json:"advancedModel"`
	BasicModel    string  `json:"basicModel"`
	Temperature   float64 `json:"temperature"`

	MaxContextTokens     int `json:"maxContextTokens"`
	MaxTokens            int `json:"maxTokens"`
	ToolResultTokenLimit int `json:"toolResultTokenLimit"`

	EditSimilarityThreshold float64 `json:"editSimilarityThreshold"`

	AnthropicBeta      string `json:"anthropicBeta,omitempty"`
	AnthropicCacheTTL  string `json:"anthropicCacheTTL,omitempty"`
	Thinking           bool   `json:"thinking,omitempty"`
	GeminiThinking     bool   `json:"geminiThinking,omitempty"`
	ResponsesReasoning string `json:"responsesReasoning,omitempty"`

	EnablePromptOptimization bool `json:"enablePromptOptimization"`
	EnableAutoCompress       bool `json:"enableAutoCompress"`
	ShowThinking             bool `json:"showThinking"`

	SystemPromptID        string `json:"systemPromptId,omitempty"`
	CustomHeadersSchemeID string `json:"customHeadersSchemeId,omitempty"`
}

// defaults mirror the teacher's prior fallback values, translated to the
// new field set.
func defaults() Config {
	return Config{
		RequestMethod:           "chat",
		Temperature:             1.0,
		MaxContextTokens:        128_000,
		MaxTokens:               8192,
		ToolResultTokenLimit:    4096,
		EditSimilarityThreshold: 0.85,
		EnableAutoCompress:      true,
	}
}

// Load reads the main config from path (normally ~/.snow/config.json),
// applies environment variable overrides, validates, and returns it.
// A missing file is not a read error: defaults plus env overrides are
// validated instead, since a config.json is only created on first save.
// The defaults set no advancedModel or basicModel and neither has an env
// override, so with no file Validate rejects the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	cfg := defaults()

	//nolint:gosec // G304: path is caller-controlled, not user input
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through with defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config to path as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, errors.New("baseUrl is required"))
	} else if err := validateEndpoint(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("baseUrl=%q is invalid: %v", c.BaseURL, err))
	}

	switch c.RequestMethod {
	case "chat", "responses", "gemini", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("requestMethod=%q must be one of chat, responses, gemini, anthropic", c.RequestMethod))
	}

	if c.AdvancedModel == "" {
		errs = append(errs, errors.New("advancedModel is required"))
	}
	if c.BasicModel == "" {
		errs = append(errs, errors.New("basicModel is required"))
	}

	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("temperature=%v must be between 0.0 and 2.0", c.Temperature))
	}

	if c.EditSimilarityThreshold < 0.0 || c.EditSimilarityThreshold > 1.0 {
		errs = append(errs, fmt.Errorf("editSimilarityThreshold=%v must be between 0.0 and 1.0", c.EditSimilarityThreshold))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration, mirroring the teacher's override mechanism.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"SNOW_BASE_URL", func(v string) {
			if v != "" {
				cfg.BaseURL = v
			}
		}},
		{"SNOW_API_KEY", func(v string) {
			if v != "" {
				cfg.APIKey = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the user-scoped snow data directory
// (~/.snow).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".snow"), nil
}

// EnsureDataDir creates the user-scoped data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}

// ProjectDataDir returns the path to the project-scoped snow data
// directory (<cwd>/.snow) for the given project root.
func ProjectDataDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".snow")
}

// EnsureProjectDataDir creates the project-scoped data directory if it
// doesn't exist.
func EnsureProjectDataDir(projectRoot string) (string, error) {
	dir := ProjectDataDir(projectRoot)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
