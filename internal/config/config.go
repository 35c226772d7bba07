// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ashureev/voice-relay/internal/conversation"
	"github.com/ashureev/voice-relay/internal/llm"
	"github.com/ashureev/voice-relay/internal/segment"
)

// Viper keys.
const (
	KeyPort            = "port"
	KeyProvider        = "provider"
	KeyModel           = "model"
	KeyOpenAIAPIKey    = "openai_api_key"
	KeyOpenAIBaseURL   = "openai_base_url"
	KeyGeminiAPIKey    = "gemini_api_key"
	KeyAnthropicAPIKey = "anthropic_api_key"
	KeyMaxTokens       = "max_tokens"
	KeySystemPrompt    = "system_prompt"
	KeyTerminators     = "terminators"
	KeyAllowedOrigin   = "allowed_origin"
	KeyWriteTimeout    = "write_timeout"
	KeyIdleTimeout     = "idle_timeout"
	KeyDBPath          = "db_path"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
)

// envBindings maps each key to the environment variable it is read from.
var envBindings = map[string]string{
	KeyPort:            "PORT",
	KeyProvider:        "LLM_PROVIDER",
	KeyModel:           "LLM_MODEL",
	KeyOpenAIAPIKey:    "OPENAI_API_KEY",
	KeyOpenAIBaseURL:   "OPENAI_BASE_URL",
	KeyGeminiAPIKey:    "GEMINI_API_KEY",
	KeyAnthropicAPIKey: "ANTHROPIC_API_KEY",
	KeyMaxTokens:       "LLM_MAX_TOKENS",
	KeySystemPrompt:    "SYSTEM_PROMPT",
	KeyTerminators:     "SENTENCE_TERMINATORS",
	KeyAllowedOrigin:   "ALLOWED_ORIGIN",
	KeyWriteTimeout:    "WRITE_TIMEOUT",
	KeyIdleTimeout:     "IDLE_TIMEOUT",
	KeyDBPath:          "DB_PATH",
	KeyLogLevel:        "LOG_LEVEL",
	KeyLogFormat:       "LOG_FORMAT",
}

// Config holds all application configuration.
type Config struct {
	Port            string
	Provider        string
	Model           string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GeminiAPIKey    string
	AnthropicAPIKey string
	MaxTokens       int
	SystemPrompt    string
	// Terminators holds the resolved terminator characters, not the preset name.
	Terminators   string
	AllowedOrigin string
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	// DBPath is the exchange journal location; empty disables the journal.
	DBPath    string
	LogLevel  string
	LogFormat string
}

// NewViper returns a viper instance with defaults and environment bindings.
// When configFile is set it is read as well; env vars and bound flags take
// precedence over its values.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	// An explicitly empty DB_PATH disables the journal.
	v.AllowEmptyEnv(true)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, "9999")
	v.SetDefault(KeyProvider, llm.ProviderOpenAI)
	v.SetDefault(KeyModel, "")
	v.SetDefault(KeyMaxTokens, 1024)
	v.SetDefault(KeySystemPrompt, conversation.DefaultSystemInstruction)
	v.SetDefault(KeyTerminators, "ja")
	v.SetDefault(KeyAllowedOrigin, "*")
	v.SetDefault(KeyWriteTimeout, 10*time.Second)
	v.SetDefault(KeyIdleTimeout, 30*time.Minute)
	v.SetDefault(KeyDBPath, "./data/relay.db")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
}

// Load builds a Config from v and validates it against the registered
// provider names.
func Load(v *viper.Viper, providers []string) (*Config, error) {
	provider := strings.ToLower(strings.TrimSpace(v.GetString(KeyProvider)))
	model := strings.TrimSpace(v.GetString(KeyModel))
	if model == "" {
		model = llm.DefaultModel(provider)
	}

	cfg := &Config{
		Port:            strings.TrimSpace(v.GetString(KeyPort)),
		Provider:        provider,
		Model:           model,
		OpenAIAPIKey:    v.GetString(KeyOpenAIAPIKey),
		OpenAIBaseURL:   v.GetString(KeyOpenAIBaseURL),
		GeminiAPIKey:    v.GetString(KeyGeminiAPIKey),
		AnthropicAPIKey: v.GetString(KeyAnthropicAPIKey),
		MaxTokens:       v.GetInt(KeyMaxTokens),
		SystemPrompt:    v.GetString(KeySystemPrompt),
		Terminators:     segment.Resolve(v.GetString(KeyTerminators)),
		AllowedOrigin:   v.GetString(KeyAllowedOrigin),
		WriteTimeout:    v.GetDuration(KeyWriteTimeout),
		IdleTimeout:     v.GetDuration(KeyIdleTimeout),
		DBPath:          strings.TrimSpace(v.GetString(KeyDBPath)),
		LogLevel:        strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:       strings.ToLower(v.GetString(KeyLogFormat)),
	}

	if err := cfg.Validate(providers); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate(providers []string) error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if !slices.Contains(providers, c.Provider) {
		return fmt.Errorf("%w: %q (available: %s)", llm.ErrUnknownProvider, c.Provider, strings.Join(providers, ", "))
	}
	if llm.RequiresAPIKey(c.Provider) && c.APIKey() == "" {
		return fmt.Errorf("%s must be set for provider %q", envBindings[c.apiKeyKey()], c.Provider)
	}
	if c.MaxTokens < 0 {
		return errors.New("LLM_MAX_TOKENS must be >= 0")
	}
	if c.Terminators == "" {
		return errors.New("SENTENCE_TERMINATORS cannot be empty")
	}
	if c.WriteTimeout < 0 {
		return errors.New("WRITE_TIMEOUT must be >= 0")
	}
	if c.IdleTimeout < 0 {
		return errors.New("IDLE_TIMEOUT must be >= 0")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// APIKey returns the credential for the configured provider.
func (c *Config) APIKey() string {
	switch c.apiKeyKey() {
	case KeyOpenAIAPIKey:
		return c.OpenAIAPIKey
	case KeyGeminiAPIKey:
		return c.GeminiAPIKey
	case KeyAnthropicAPIKey:
		return c.AnthropicAPIKey
	}
	return ""
}

func (c *Config) apiKeyKey() string {
	switch c.Provider {
	case llm.ProviderOpenAI:
		return KeyOpenAIAPIKey
	case llm.ProviderGemini:
		return KeyGeminiAPIKey
	case llm.ProviderAnthropic:
		return KeyAnthropicAPIKey
	}
	return ""
}

// BackendOptions returns the options used to construct the configured backend.
func (c *Config) BackendOptions() llm.Options {
	opts := llm.Options{
		APIKey:    c.APIKey(),
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
	}
	if c.Provider == llm.ProviderOpenAI {
		opts.BaseURL = c.OpenAIBaseURL
	}
	return opts
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// JournalEnabled reports whether exchanges are persisted.
func (c *Config) JournalEnabled() bool {
	return c.DBPath != ""
}
