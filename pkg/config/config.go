package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/username/chatstate/internal/pkg/configutil"
	"github.com/username/chatstate/internal/pkg/constants"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Answer   AnswerConfig   `mapstructure:"answer"`
	Requests RequestsConfig `mapstructure:"requests"`
	Speech   SpeechConfig   `mapstructure:"speech"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Host        string `mapstructure:"host"`
	CORSEnabled bool   `mapstructure:"cors_enabled"`
}

// StorageConfig selects where workspace snapshots are kept
type StorageConfig struct {
	Backend      string        `mapstructure:"backend"` // "sqlite" or "file"
	KeyPrefix    string        `mapstructure:"key_prefix"`
	FilePath     string        `mapstructure:"file_path"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	URL       string          `mapstructure:"url"`
	JetStream JetStreamConfig `mapstructure:"jetstream"`
}

// JetStreamConfig holds JetStream-specific configuration
type JetStreamConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// AnswerConfig holds the answer backend configuration
type AnswerConfig struct {
	Provider        string        `mapstructure:"provider"` // "chat-api" or "openai-compatible"
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxPromptTokens int           `mapstructure:"max_prompt_tokens"`
}

// RequestsConfig holds the progress phase timings
type RequestsConfig struct {
	SearchingAfter time.Duration `mapstructure:"searching_after"`
	ComposingAfter time.Duration `mapstructure:"composing_after"`
}

// SpeechConfig holds utterance defaults
type SpeechConfig struct {
	Language string  `mapstructure:"language"`
	Rate     float64 `mapstructure:"rate"`
	Pitch    float64 `mapstructure:"pitch"`
	Volume   float64 `mapstructure:"volume"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Host:        "0.0.0.0",
			CORSEnabled: true,
		},
		Storage: StorageConfig{
			Backend:      "sqlite",
			FilePath:     filepath.Join(constants.DefaultDataDir, "snapshots"),
			WriteTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:           constants.DefaultDBPath,
			MigrationsPath: constants.DefaultMigrationsPath,
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
			JetStream: JetStreamConfig{
				Enabled:       false,
				RetentionDays: 7,
			},
		},
		Answer: AnswerConfig{
			Provider:        "chat-api",
			BaseURL:         "http://localhost:8000",
			Model:           "gpt-4o-mini",
			Timeout:         60 * time.Second,
			MaxPromptTokens: 0,
		},
		Requests: RequestsConfig{
			SearchingAfter: 900 * time.Millisecond,
			ComposingAfter: 1800 * time.Millisecond,
		},
		Speech: SpeechConfig{
			Language: "ko-KR",
			Rate:     1.0,
			Pitch:    1.1,
			Volume:   1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: constants.LogFormatJSON,
		},
	}
}

// Load loads configuration from files and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./deployments/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CHATSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay, we'll use defaults + env vars
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// bindEnv registers the keys AutomaticEnv should resolve even when no
// config file mentions them
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.port", "server.host",
		"storage.backend", "storage.file_path",
		"database.path",
		"nats.enabled", "nats.url",
		"answer.provider", "answer.base_url", "answer.api_key", "answer.model",
		"answer.max_prompt_tokens",
		"speech.language",
		"logging.level", "logging.format",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := configutil.NewValidator().
		IntRange("server.port", c.Server.Port, 1, 65535).
		OneOf("storage.backend", c.Storage.Backend, []string{"sqlite", "file"}).
		RequiredDuration("storage.write_timeout", c.Storage.WriteTimeout).
		OneOf("answer.provider", c.Answer.Provider, []string{"chat-api", "openai-compatible"}).
		RequiredString("answer.base_url", c.Answer.BaseURL).
		ValidateURL("answer.base_url", c.Answer.BaseURL).
		DurationRange("answer.timeout", c.Answer.Timeout, time.Second, 10*time.Minute).
		NonNegativeInt("answer.max_prompt_tokens", c.Answer.MaxPromptTokens).
		DurationRange("requests.searching_after", c.Requests.SearchingAfter, 10*time.Millisecond, time.Minute).
		DurationRange("requests.composing_after", c.Requests.ComposingAfter, 10*time.Millisecond, time.Minute).
		RequiredString("speech.language", c.Speech.Language).
		FloatRange("speech.rate", c.Speech.Rate, 0.1, 10).
		FloatRange("speech.pitch", c.Speech.Pitch, 0, 2).
		FloatRange("speech.volume", c.Speech.Volume, 0, 1).
		OneOf("logging.level", c.Logging.Level, []string{"debug", "info", "warn", "error"}).
		OneOf("logging.format", c.Logging.Format, []string{constants.LogFormatJSON, constants.LogFormatText})

	if c.Requests.ComposingAfter <= c.Requests.SearchingAfter {
		v.Fail("requests.composing_after", "must be later than requests.searching_after")
	}

	switch c.Storage.Backend {
	case "sqlite":
		v.ValidateFilePath("database.path", c.Database.Path)
	case "file":
		v.ValidateFilePath("storage.file_path", c.Storage.FilePath)
	}

	if c.Answer.Provider == "openai-compatible" {
		v.RequiredString("answer.model", c.Answer.Model)
	}
	if c.NATS.Enabled {
		v.RequiredString("nats.url", c.NATS.URL)
		if c.NATS.JetStream.Enabled {
			v.RequiredInt("nats.jetstream.retention_days", c.NATS.JetStream.RetentionDays)
		}
	}

	return v.Result()
}
