// Package config loads the chatbot server settings from an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	NLURasa     = "rasa"
	NLUOpenAI   = "openai"
	NLUFallback = "fallback"

	StoreMemory = "memory"
	StoreRedis  = "redis"
	StorePebble = "pebble"
)

// Config holds every setting of the server.  Environment variables override
// values read from the file.
type Config struct {
	Port      int    `yaml:"port" env:"PORT"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	RasaURL     string        `yaml:"rasa_url" env:"RASA_URL"`
	BackendURL  string        `yaml:"backend_url" env:"BACKEND_URL"`
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`

	NLUBackend   string `yaml:"nlu_backend" env:"NLU_BACKEND"`
	OpenAIAPIKey string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIModel  string `yaml:"openai_model" env:"OPENAI_MODEL_CHAT"`

	// DatabaseURL selects the transcript archive: a postgres:// URL, a
	// sqlite file DSN, or empty to keep transcripts in memory only.
	DatabaseURL   string `yaml:"database_url" env:"DATABASE_URL"`
	NotifyChannel string `yaml:"notify_channel" env:"POSTGRES_NOTIFY_CHANNEL"`

	ReportStore   string        `yaml:"report_store" env:"REPORT_STORE"`
	ReportTTL     time.Duration `yaml:"report_ttl" env:"REPORT_TTL"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	PebblePath    string        `yaml:"pebble_path" env:"PEBBLE_PATH"`

	// RateLimit is the number of submissions per second allowed for one
	// session, with bursts of up to RateBurst.
	RateLimit      float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst      int     `yaml:"rate_burst" env:"RATE_BURST"`
	MaxUploadBytes int64   `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`

	// SessionIdleTimeout ends chat sessions left without activity.  Zero
	// keeps them until they are deleted.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Port:           8080,
		LogLevel:       "info",
		LogFormat:      "json",
		RasaURL:        "http://localhost:5005/webhooks/rest/webhook",
		BackendURL:     "http://localhost:5000",
		HTTPTimeout:    60 * time.Second,
		NLUBackend:     NLURasa,
		OpenAIModel:    "gpt-4o-mini",
		NotifyChannel:  "report_ready",
		ReportStore:    StoreMemory,
		ReportTTL:      24 * time.Hour,
		RedisAddr:      "localhost:6379",
		PebblePath:     "data/reports",
		RateLimit:      2,
		RateBurst:      5,
		MaxUploadBytes: 10 << 20,

		SessionIdleTimeout: 30 * time.Minute,
	}
}

// Load reads the YAML file at path, if any, then applies the environment.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	switch c.NLUBackend {
	case NLURasa:
		if c.RasaURL == "" {
			errs = append(errs, errors.New("rasa url is required"))
		}
	case NLUOpenAI, NLUFallback:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, fmt.Errorf("openai api key is required for nlu backend %q", c.NLUBackend))
		}
		if c.NLUBackend == NLUFallback && c.RasaURL == "" {
			errs = append(errs, errors.New("rasa url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown nlu backend %q", c.NLUBackend))
	}
	if c.BackendURL == "" {
		errs = append(errs, errors.New("backend url is required"))
	}
	switch c.ReportStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required"))
		}
	case StorePebble:
		if c.PebblePath == "" {
			errs = append(errs, errors.New("pebble path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown report store %q", c.ReportStore))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http timeout must be positive"))
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate limit and burst must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if c.SessionIdleTimeout < 0 {
		errs = append(errs, errors.New("session idle timeout must not be negative"))
	}
	return errors.Join(errs...)
}
