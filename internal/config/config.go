// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is shared by every binary; each reads the fields it needs.
type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	DirectoryBaseURL   string        `mapstructure:"DIRECTORY_BASE_URL"`
	DirectoryTimeout   time.Duration `mapstructure:"DIRECTORY_TIMEOUT"`
	DirectoryCallDelay time.Duration `mapstructure:"DIRECTORY_CALL_DELAY"`
	LegacyBaseURL      string        `mapstructure:"LEGACY_BASE_URL"`
	LegacyServiceKey   string        `mapstructure:"LEGACY_SERVICE_KEY"`

	RetrySweepInterval time.Duration `mapstructure:"RETRY_SWEEP_INTERVAL"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID  string   `mapstructure:"KAFKA_GROUP_ID"`
	IngestWorkers int      `mapstructure:"INGEST_WORKERS"`

	OTLPEndpoint string   `mapstructure:"OTLP_ENDPOINT"`
	APIKeys      []string `mapstructure:"API_KEYS"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DIRECTORY_BASE_URL", "DIRECTORY_TIMEOUT", "DIRECTORY_CALL_DELAY",
	"LEGACY_BASE_URL", "LEGACY_SERVICE_KEY",
	"RETRY_SWEEP_INTERVAL",
	"KAFKA_BROKERS", "KAFKA_GROUP_ID", "INGEST_WORKERS",
	"OTLP_ENDPOINT", "API_KEYS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DIRECTORY_TIMEOUT", "10s")
	v.SetDefault("DIRECTORY_CALL_DELAY", "500ms")
	v.SetDefault("RETRY_SWEEP_INTERVAL", "1h")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_ID", "medlabel-ingest")
	v.SetDefault("INGEST_WORKERS", 1)
}

// Load reads envFile into the process environment when it exists, then
// resolves every key from the environment over the defaults. An empty
// envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.APIKeys = splitList(cfg.APIKeys)
	return cfg, nil
}

// splitList trims entries and drops empty ones; a single comma-separated
// entry is split.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsDev reports a development environment.
func (c *Config) IsDev() bool { return c.Env == "development" }

// Validate checks the settings every binary relies on.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}
	if c.DirectoryTimeout <= 0 {
		return fmt.Errorf("DIRECTORY_TIMEOUT must be positive, got %s", c.DirectoryTimeout)
	}
	if c.DirectoryCallDelay < 0 {
		return fmt.Errorf("DIRECTORY_CALL_DELAY must not be negative, got %s", c.DirectoryCallDelay)
	}
	if c.RetrySweepInterval < time.Minute {
		return fmt.Errorf("RETRY_SWEEP_INTERVAL must be at least 1m, got %s", c.RetrySweepInterval)
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1, got %d", c.IngestWorkers)
	}
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if !c.IsDev() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required outside development (ENV=%q)", c.Env)
	}
	return nil
}
