// Package config provides the configuration schema and loader for the Sonic
// WhatsApp assistant.
package config

import "time"

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Assistant AssistantConfig `yaml:"assistant"`
	Providers ProvidersConfig `yaml:"providers"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ServerConfig holds network and logging settings for the webhook server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AssistantConfig shapes the assistant's persona and user-facing texts.
type AssistantConfig struct {
	// Name is the assistant's display name used in logs and telemetry.
	Name string `yaml:"name"`

	// SystemPrompt is the instruction text anchoring every completion call.
	SystemPrompt string `yaml:"system_prompt"`

	// PlaceholderText overrides the interim message sent while a completion
	// is pending. Empty means the built-in default.
	PlaceholderText string `yaml:"placeholder_text"`
}

// ProvidersConfig declares which provider implementation to use for each
// collaborator.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "whisper-1").
	Model string `yaml:"model"`

	// Language is a BCP-47 language hint for transcription providers.
	// Ignored by completion providers.
	Language string `yaml:"language"`
}

// TwilioConfig holds the credentials and sender identity for the WhatsApp
// channel.
type TwilioConfig struct {
	// AccountSID identifies the Twilio account. Supports ${ENV_VAR} expansion.
	AccountSID string `yaml:"account_sid"`

	// AuthToken authenticates API calls. Supports ${ENV_VAR} expansion.
	AuthToken string `yaml:"auth_token"`

	// FromNumber is the WhatsApp-enabled sender number in E.164 form
	// (e.g., "+14155238886"). The "whatsapp:" channel prefix is added by the
	// client.
	FromNumber string `yaml:"from_number"`

	// BaseURL overrides the Twilio API endpoint, mainly for tests.
	BaseURL string `yaml:"base_url"`
}

// WorkerConfig tunes the asynchronous completion worker.
type WorkerConfig struct {
	// QueueSize is the completion job queue capacity. Submissions beyond it
	// fail the turn instead of blocking the webhook. Default 64.
	QueueSize int `yaml:"queue_size"`

	// Concurrency is the number of worker goroutines. Default 4.
	Concurrency int `yaml:"concurrency"`

	// CompletionTimeout bounds each model call. Default 90s.
	CompletionTimeout time.Duration `yaml:"completion_timeout"`

	// Temperature is the sampling temperature forwarded to the model.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`
}
