package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://medlabel@localhost:5432/medlabel")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" || cfg.DBMaxConns != 10 || cfg.IngestWorkers != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.DirectoryTimeout != 10*time.Second || cfg.DirectoryCallDelay != 500*time.Millisecond {
		t.Errorf("directory timings = %s, %s", cfg.DirectoryTimeout, cfg.DirectoryCallDelay)
	}
	if cfg.RetrySweepInterval != time.Hour {
		t.Errorf("sweep interval = %s", cfg.RetrySweepInterval)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate in development: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092, rp-1:9092")
	t.Setenv("API_KEYS", "front-desk,printer")
	t.Setenv("DIRECTORY_CALL_DELAY", "2s")
	t.Setenv("INGEST_WORKERS", "4")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "rp-1:9092" {
		t.Errorf("brokers = %q", cfg.KafkaBrokers)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "front-desk" {
		t.Errorf("api keys = %q", cfg.APIKeys)
	}
	if cfg.DirectoryCallDelay != 2*time.Second || cfg.IngestWorkers != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LEGACY_SERVICE_KEY=abc123\nPORT=9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override variables already set; register cleanup
	// so the values do not leak into other tests.
	t.Setenv("LEGACY_SERVICE_KEY", "")
	os.Unsetenv("LEGACY_SERVICE_KEY")
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LegacyServiceKey != "abc123" || cfg.Port != "9000" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                "production",
			DatabaseURL:        "postgres://x",
			DBMaxConns:         10,
			DBMinConns:         2,
			DirectoryTimeout:   10 * time.Second,
			DirectoryCallDelay: 500 * time.Millisecond,
			RetrySweepInterval: time.Hour,
			KafkaBrokers:       []string{"localhost:9092"},
			IngestWorkers:      1,
			APIKeys:            []string{"k"},
		}
	}
	if c := valid(); c.Validate() != nil {
		t.Fatalf("baseline invalid: %v", c.Validate())
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database", func(c *Config) { c.DatabaseURL = "" }},
		{"min above max", func(c *Config) { c.DBMinConns = 20 }},
		{"zero timeout", func(c *Config) { c.DirectoryTimeout = 0 }},
		{"negative delay", func(c *Config) { c.DirectoryCallDelay = -time.Second }},
		{"sweep too often", func(c *Config) { c.RetrySweepInterval = time.Second }},
		{"no workers", func(c *Config) { c.IngestWorkers = 0 }},
		{"no brokers", func(c *Config) { c.KafkaBrokers = nil }},
		{"no api keys in production", func(c *Config) { c.APIKeys = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
