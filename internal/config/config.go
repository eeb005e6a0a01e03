// Package config loads the matcher configuration in three layers: built-in
// defaults, an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/umbral/config.yaml",
}

const ConfigPathEnvVar = "CONFIG_PATH"

type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Matching MatchingConfig `koanf:"matching"`
	LLM      LLMConfig      `koanf:"llm"`
	Telegram TelegramConfig `koanf:"telegram"`
	Redis    RedisConfig    `koanf:"redis"`
	Server   ServerConfig   `koanf:"server"`
	Schedule ScheduleConfig `koanf:"schedule"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite3 sqlite postgres postgresql"`
	DSN    string `koanf:"dsn" validate:"required"`
}

type MatchingConfig struct {
	SimilarityThreshold      float64 `koanf:"similarity_threshold" validate:"gte=0,lte=1"`
	PersonalizationThreshold float64 `koanf:"personalization_threshold" validate:"gte=0,lte=1"`
	MaxPerUser               int     `koanf:"max_per_user" validate:"gte=1,lte=50"`
	CandidateLimit           int     `koanf:"candidate_limit" validate:"gte=1"`
	SimilarityWeight         float64 `koanf:"similarity_weight" validate:"gte=0,lte=1"`
	LearningRate             float64 `koanf:"learning_rate" validate:"gt=0,lte=1"`
	EmbeddingDimensions      int     `koanf:"embedding_dimensions" validate:"gte=0"`
	Workers                  int     `koanf:"workers" validate:"gte=1,lte=64"`
	ARSToUSDRate             float64 `koanf:"ars_to_usd_rate" validate:"gt=0"`
}

type LLMConfig struct {
	BaseURL           string        `koanf:"base_url" validate:"omitempty,url"`
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model"`
	EmbedModel        string        `koanf:"embed_model"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxAttempts       int           `koanf:"max_attempts" validate:"gte=1,lte=10"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gte=0"`
}

// Enabled reports whether a text-generation provider is configured.
func (c LLMConfig) Enabled() bool { return c.BaseURL != "" && c.APIKey != "" }

type TelegramConfig struct {
	BotToken          string  `koanf:"bot_token"`
	BaseURL           string  `koanf:"base_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`
}

type RedisConfig struct {
	Enabled bool          `koanf:"enabled"`
	Addr    string        `koanf:"addr" validate:"required_if=Enabled true"`
	TTL     time.Duration `koanf:"ttl" validate:"gte=0"`
}

type ServerConfig struct {
	Address string `koanf:"address" validate:"required"`
}

type ScheduleConfig struct {
	Interval     time.Duration `koanf:"interval" validate:"gte=1m"`
	RunOnStartup bool          `koanf:"run_on_startup"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "umbral.db",
		},
		Matching: MatchingConfig{
			SimilarityThreshold:      0.85,
			PersonalizationThreshold: 0.80,
			MaxPerUser:               5,
			CandidateLimit:           50,
			SimilarityWeight:         0.6,
			LearningRate:             0.1,
			EmbeddingDimensions:      0,
			Workers:                  4,
			ARSToUSDRate:             1000,
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.groq.com/openai/v1",
			Model:             "llama-3.1-8b-instant",
			EmbedModel:        "nomic-embed-text-v1.5",
			Timeout:           30 * time.Second,
			MaxAttempts:       3,
			RequestsPerSecond: 2,
		},
		Telegram: TelegramConfig{
			BaseURL:           "https://api.telegram.org",
			RequestsPerSecond: 25,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Address: ":8080",
		},
		Schedule: ScheduleConfig{
			Interval:     time.Hour,
			RunOnStartup: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the config file and the
// environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// envTransformFunc maps environment variable names to config paths. Unmapped
// variables are skipped.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

var envMappings = map[string]string{
	"database_driver": "database.driver",
	"database_url":    "database.dsn",
	"database_dsn":    "database.dsn",

	"similarity_threshold":       "matching.similarity_threshold",
	"personalization_threshold":  "matching.personalization_threshold",
	"max_notifications_per_user": "matching.max_per_user",
	"candidate_limit":            "matching.candidate_limit",
	"similarity_weight":          "matching.similarity_weight",
	"feedback_learning_rate":     "matching.learning_rate",
	"embedding_dimensions":       "matching.embedding_dimensions",
	"matching_workers":           "matching.workers",
	"ars_to_usd_rate":            "matching.ars_to_usd_rate",

	"llm_base_url":            "llm.base_url",
	"llm_api_key":             "llm.api_key",
	"groq_api_key":            "llm.api_key",
	"llm_model":               "llm.model",
	"llm_embed_model":         "llm.embed_model",
	"llm_timeout":             "llm.timeout",
	"llm_max_attempts":        "llm.max_attempts",
	"llm_requests_per_second": "llm.requests_per_second",

	"telegram_bot_token":           "telegram.bot_token",
	"telegram_base_url":            "telegram.base_url",
	"telegram_requests_per_second": "telegram.requests_per_second",

	"redis_enabled": "redis.enabled",
	"redis_addr":    "redis.addr",
	"redis_ttl":     "redis.ttl",

	"http_addr":      "server.address",
	"server_address": "server.address",

	"matching_interval": "schedule.interval",
	"run_on_startup":    "schedule.run_on_startup",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}
