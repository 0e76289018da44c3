// Package config handles the server configuration: JSON file, defaults, and
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Defaults.
const (
	DefaultSensitivity      = 0.7
	DefaultSilenceTimeoutMs = 5000
	DefaultLLMEndpoint      = "http://localhost:11434"
	DefaultLLMModel         = "llama3.2"
	DefaultPort             = 8080
	MinSilenceTimeoutMs     = 1000
)

// Config mirrors the configuration file schema. Environment variables
// override file values.
type Config struct {
	Sensitivity       float64  `json:"sensitivity"`
	AttentionKeywords []string `json:"attentionKeywords"`
	UserName          string   `json:"userName,omitempty"`
	SilenceTimeoutMs  int      `json:"silenceTimeoutMs"`
	STTAPIKey         string   `json:"sttApiKey,omitempty"`
	LLMEnabled        bool     `json:"llmEnabled"`
	LLMEndpoint       string   `json:"llmEndpoint"`
	LLMModel          string   `json:"llmModel"`
	Port              int      `json:"port"`
	WSPort            int      `json:"wsPort"`
	LogLevel          string   `json:"logLevel"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Sensitivity:       DefaultSensitivity,
		AttentionKeywords: []string{"hey", "hello", "excuse me", "hi"},
		SilenceTimeoutMs:  DefaultSilenceTimeoutMs,
		LLMEndpoint:       DefaultLLMEndpoint,
		LLMModel:          DefaultLLMModel,
		Port:              DefaultPort,
		WSPort:            DefaultPort,
		LogLevel:          "info",
	}
}

// SilenceTimeout returns the timeout as a duration.
func (c Config) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMs) * time.Millisecond
}

// Validate checks invariant fields.
func (c Config) Validate() error {
	if c.Sensitivity < 0 || c.Sensitivity > 1 {
		return fmt.Errorf("sensitivity %v out of range [0,1]", c.Sensitivity)
	}
	if c.SilenceTimeoutMs < MinSilenceTimeoutMs {
		return fmt.Errorf("silenceTimeoutMs %d below minimum %d", c.SilenceTimeoutMs, MinSilenceTimeoutMs)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.WSPort <= 0 || c.WSPort > 65535 {
		return fmt.Errorf("wsPort %d out of range", c.WSPort)
	}
	return nil
}

// Load reads the file at path on top of defaults, applies environment
// overrides, and validates. A missing file is not an error; missing fields
// take defaults with a warning.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("config file missing, using defaults", "path", path)
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := unmarshalWarnMissing(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// unmarshalWarnMissing decodes onto defaults and warns about absent fields.
func unmarshalWarnMissing(data []byte, cfg *Config) error {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	for _, field := range []string{"sensitivity", "attentionKeywords", "silenceTimeoutMs", "llmEnabled"} {
		if _, ok := present[field]; !ok {
			slog.Warn("config field missing, using default", "field", field)
		}
	}
	return nil
}

// sensitivityLevels maps SENSITIVITY_LEVEL names to values.
var sensitivityLevels = map[string]float64{
	"low":    0.3,
	"medium": 0.5,
	"high":   0.8,
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" {
		cfg.STTAPIKey = v
	}
	if v := os.Getenv("LLM_ENABLED"); v != "" {
		cfg.LLMEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SENSITIVITY_LEVEL"); v != "" {
		if level, ok := sensitivityLevels[v]; ok {
			cfg.Sensitivity = level
		} else {
			slog.Warn("unknown SENSITIVITY_LEVEL, keeping current", "value", v)
		}
	}
	if v := os.Getenv("SILENCE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= MinSilenceTimeoutMs {
			cfg.SilenceTimeoutMs = ms
		} else {
			slog.Warn("invalid SILENCE_TIMEOUT_MS, keeping current", "value", v)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
			if os.Getenv("WS_PORT") == "" {
				cfg.WSPort = p
			}
		}
	}
	if v := os.Getenv("WS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.WSPort = p
		}
	}
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		cfg.LLMEndpoint = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
