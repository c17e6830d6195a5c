package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt": {"openai", "whisper"},
}

// Load reads the YAML configuration file at path, expands ${ENV_VAR}
// references, and returns a validated [Config].
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		// Leave unknown references intact so validation can point at them.
		return "${" + key + "}"
	})

	cfg, err := LoadFromReader(bytes.NewReader([]byte(expanded)))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. No environment expansion happens here.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in values that have a sensible fallback so the rest of
// the program never has to special-case zero values.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Assistant.Name == "" {
		cfg.Assistant.Name = "Sonic"
	}
	if cfg.Assistant.SystemPrompt == "" {
		cfg.Assistant.SystemPrompt = "You are Sonic, a personal WhatsApp assistant. Keep answers helpful and concise."
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; voice messages will be answered with an apology")
	}

	// Twilio
	if cfg.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("twilio.account_sid is required"))
	}
	if cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio.auth_token is required"))
	}
	if cfg.Twilio.FromNumber == "" {
		errs = append(errs, errors.New("twilio.from_number is required"))
	}

	// Worker
	if cfg.Worker.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("worker.queue_size %d must not be negative", cfg.Worker.QueueSize))
	}
	if cfg.Worker.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("worker.concurrency %d must not be negative", cfg.Worker.Concurrency))
	}
	if cfg.Worker.CompletionTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker.completion_timeout %s must not be negative", cfg.Worker.CompletionTimeout))
	}
	if cfg.Worker.Temperature < 0 || cfg.Worker.Temperature > 2 {
		errs = append(errs, fmt.Errorf("worker.temperature %.2f is out of range [0, 2]", cfg.Worker.Temperature))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
