// Package config provides configuration loading for rulesmith.
//
// Values come from a YAML file and RULESMITH_* environment variables, in
// that order of increasing precedence, on top of built-in defaults.
// Provider credentials are never read here; see package credentials.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Memory backend modes.
const (
	MemoryModeSelfHosted = "self-hosted"
	MemoryModePlatform   = "platform"
)

// Extraction failure policies.
const (
	FailurePolicyDegrade = "degrade"
	FailurePolicySkip    = "skip"
)

// Config holds the complete rulesmith configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Memory     MemoryConfig     `koanf:"memory"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Events     EventsConfig     `koanf:"events"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the relational store connection.
// An empty URL disables the datastore: credentials come from env only and
// the HTTP extraction endpoint cannot fetch chat histories.
type DatabaseConfig struct {
	URL          Secret `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// MemoryConfig selects and configures the semantic memory backend.
type MemoryConfig struct {
	Mode             string `koanf:"mode"`
	ChromemPath      string `koanf:"chromem_path"`
	ChromemCompress  bool   `koanf:"chromem_compress"`
	QdrantHost       string `koanf:"qdrant_host"`
	QdrantPort       int    `koanf:"qdrant_port"`
	QdrantTLS        bool   `koanf:"qdrant_tls"`
	QdrantCollection string `koanf:"qdrant_collection"`
}

// EmbeddingsConfig configures the embedding model used by the memory backend.
type EmbeddingsConfig struct {
	Model      string `koanf:"model"`
	BaseURL    string `koanf:"base_url"`
	Dimensions int    `koanf:"dimensions"`
}

// ExtractionConfig configures the language model call.
type ExtractionConfig struct {
	Model         string   `koanf:"model"`
	MaxTokens     int      `koanf:"max_tokens"`
	Temperature   float64  `koanf:"temperature"`
	BaseURL       string   `koanf:"base_url"`
	RatePerMinute int      `koanf:"rate_per_minute"`
	Burst         int      `koanf:"burst"`
	MaxRetries    int      `koanf:"max_retries"`
	BaseBackoff   Duration `koanf:"base_backoff"`
	Timeout       Duration `koanf:"timeout"`
	FailurePolicy string   `koanf:"failure_policy"`
}

// EventsConfig configures extraction notifications. Empty NATSURL disables them.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SecretsConfig controls scrubbing of conversation text before it leaves the process.
type SecretsConfig struct {
	Enabled      bool     `koanf:"enabled"`
	AllowRegexes []string `koanf:"allow_regexes"`
}

// LoggingConfig is the file-level subset of logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the file-level subset of telemetry.Config.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns a Config with every default applied. Fields whose zero
// value is meaningful, like temperature, are set here rather than in
// applyDefaults so an explicit zero from the file survives.
func Default() *Config {
	cfg := &Config{
		Secrets:    SecretsConfig{Enabled: true},
		Memory:     MemoryConfig{ChromemCompress: true},
		Extraction: ExtractionConfig{Temperature: 0.2},
		Telemetry: TelemetryConfig{
			Insecure:   true,
			SampleRate: 1.0,
		},
	}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Memory.Mode {
	case MemoryModeSelfHosted:
		if c.Memory.ChromemPath == "" {
			return errors.New("memory.chromem_path is required in self-hosted mode")
		}
	case MemoryModePlatform:
		if c.Memory.QdrantHost == "" {
			return errors.New("memory.qdrant_host is required in platform mode")
		}
		if c.Memory.QdrantPort < 1 || c.Memory.QdrantPort > 65535 {
			return fmt.Errorf("invalid memory.qdrant_port: %d", c.Memory.QdrantPort)
		}
	default:
		return fmt.Errorf("memory.mode must be %q or %q, got %q", MemoryModeSelfHosted, MemoryModePlatform, c.Memory.Mode)
	}

	if c.Extraction.MaxTokens <= 0 {
		return fmt.Errorf("extraction.max_tokens must be positive, got %d", c.Extraction.MaxTokens)
	}
	if c.Extraction.Temperature < 0 || c.Extraction.Temperature > 1 {
		return fmt.Errorf("extraction.temperature must be between 0 and 1, got %v", c.Extraction.Temperature)
	}
	if c.Extraction.MaxRetries < 0 {
		return fmt.Errorf("extraction.max_retries must be >= 0, got %d", c.Extraction.MaxRetries)
	}
	switch c.Extraction.FailurePolicy {
	case FailurePolicyDegrade, FailurePolicySkip:
	default:
		return fmt.Errorf("extraction.failure_policy must be %q or %q, got %q",
			FailurePolicyDegrade, FailurePolicySkip, c.Extraction.FailurePolicy)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = Duration(120 * time.Second)
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}

	cfg.Memory.Mode = strings.ToLower(strings.TrimSpace(cfg.Memory.Mode))
	if cfg.Memory.Mode == "" {
		cfg.Memory.Mode = MemoryModeSelfHosted
	}
	if cfg.Memory.ChromemPath == "" {
		cfg.Memory.ChromemPath = "~/.config/rulesmith/memory"
	}
	if cfg.Memory.QdrantHost == "" {
		cfg.Memory.QdrantHost = "localhost"
	}
	if cfg.Memory.QdrantPort == 0 {
		cfg.Memory.QdrantPort = 6334
	}
	if cfg.Memory.QdrantCollection == "" {
		cfg.Memory.QdrantCollection = "rulesmith_memories"
	}

	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.Dimensions == 0 {
		cfg.Embeddings.Dimensions = 1536
	}

	if cfg.Extraction.Model == "" {
		cfg.Extraction.Model = "claude-haiku-4-5"
	}
	if cfg.Extraction.MaxTokens == 0 {
		cfg.Extraction.MaxTokens = 4096
	}
	if cfg.Extraction.RatePerMinute == 0 {
		cfg.Extraction.RatePerMinute = 50
	}
	if cfg.Extraction.Burst == 0 {
		cfg.Extraction.Burst = 5
	}
	if cfg.Extraction.MaxRetries == 0 {
		cfg.Extraction.MaxRetries = 3
	}
	if cfg.Extraction.BaseBackoff == 0 {
		cfg.Extraction.BaseBackoff = Duration(time.Second)
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = Duration(60 * time.Second)
	}
	cfg.Extraction.FailurePolicy = strings.ToLower(strings.TrimSpace(cfg.Extraction.FailurePolicy))
	if cfg.Extraction.FailurePolicy == "" {
		cfg.Extraction.FailurePolicy = FailurePolicyDegrade
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "rules"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}
