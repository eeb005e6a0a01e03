package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points CONFIG_PATH at a missing file and runs from an empty dir so
// no stray config.yaml is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv(ConfigPathEnvVar, filepath.Join(dir, "missing.yaml"))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Matching.SimilarityThreshold != 0.85 {
		t.Errorf("Matching.SimilarityThreshold = %v, want 0.85", cfg.Matching.SimilarityThreshold)
	}
	if cfg.Matching.PersonalizationThreshold != 0.80 {
		t.Errorf("Matching.PersonalizationThreshold = %v, want 0.80", cfg.Matching.PersonalizationThreshold)
	}
	if cfg.Matching.MaxPerUser != 5 || cfg.Matching.Workers != 4 {
		t.Errorf("MaxPerUser = %d, Workers = %d", cfg.Matching.MaxPerUser, cfg.Matching.Workers)
	}
	if cfg.Matching.LearningRate != 0.1 || cfg.Matching.ARSToUSDRate != 1000 {
		t.Errorf("LearningRate = %v, ARSToUSDRate = %v", cfg.Matching.LearningRate, cfg.Matching.ARSToUSDRate)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Schedule.Interval != time.Hour {
		t.Errorf("Schedule.Interval = %v, want 1h", cfg.Schedule.Interval)
	}
	if cfg.LLM.Enabled() {
		t.Error("LLM should be disabled without an api key")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := isolate(t)

	path := filepath.Join(dir, "umbral.yaml")
	body := `
matching:
  similarity_threshold: 0.9
  max_per_user: 3
schedule:
  interval: 30m
logging:
  format: console
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("SIMILARITY_THRESHOLD", "0.8")
	t.Setenv("GROQ_API_KEY", "secret")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Matching.SimilarityThreshold != 0.8 {
		t.Errorf("env should override file: got %v", cfg.Matching.SimilarityThreshold)
	}
	if cfg.Matching.MaxPerUser != 3 {
		t.Errorf("Matching.MaxPerUser = %d, want 3", cfg.Matching.MaxPerUser)
	}
	if cfg.Schedule.Interval != 30*time.Minute {
		t.Errorf("Schedule.Interval = %v, want 30m", cfg.Schedule.Interval)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Logging.Format = %q, want console", cfg.Logging.Format)
	}
	if !cfg.LLM.Enabled() || !cfg.Redis.Enabled {
		t.Errorf("LLM enabled = %v, Redis enabled = %v", cfg.LLM.Enabled(), cfg.Redis.Enabled)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"threshold above one", func(c *Config) { c.Matching.SimilarityThreshold = 1.5 }, "SimilarityThreshold"},
		{"zero learning rate", func(c *Config) { c.Matching.LearningRate = 0 }, "LearningRate"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "Driver"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "Addr"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("error %q does not mention %s", err, tt.field)
			}
		})
	}

	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
