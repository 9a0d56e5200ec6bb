package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "taxflow.db"}},
		"auth": {"jwt_secret": "s3cret"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.BasicConfig.UploadDir != filepath.Join(dir, "uploads") {
		t.Fatalf("upload dir not resolved against config dir: %s", cfg.BasicConfig.UploadDir)
	}
	if cfg.Databases["sqlite3"].DSN != filepath.Join(dir, "taxflow.db") {
		t.Fatalf("sqlite dsn not resolved: %s", cfg.Databases["sqlite3"].DSN)
	}
	if Duration(cfg.BasicConfig.StreamInterval) != time.Second || Duration(cfg.BasicConfig.CalculationTimeout) != 2*time.Minute {
		t.Fatalf("unexpected durations: %+v", cfg.BasicConfig)
	}
	if cfg.BasicConfig.MinWorkers != 2 || cfg.BasicConfig.MaxWorkers != 8 || cfg.BasicConfig.QueueSize != 256 {
		t.Fatalf("unexpected pool sizes: %+v", cfg.BasicConfig)
	}
	if cfg.Tax.DefaultYear != 2024 || cfg.Tax.StateRate != "0.05" || !cfg.Tax.PlaceholderAllowed() {
		t.Fatalf("unexpected tax defaults: %+v", cfg.Tax)
	}
	if cfg.Ingest.Extractor != "simulated" || cfg.Storage.Backend != "local" {
		t.Fatalf("unexpected ingest/storage defaults: %+v %+v", cfg.Ingest, cfg.Storage)
	}
}

func TestLoadKeepsMemoryDSNAndEnvSecret(t *testing.T) {
	t.Setenv("TAXFLOW_JWT_SECRET", "from-env")
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "file:taxflow?mode=memory&cache=shared"}},
		"tax": {"placeholder_enabled": false}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("env secret not applied")
	}
	if cfg.Databases["sqlite3"].DSN != "file:taxflow?mode=memory&cache=shared" {
		t.Fatalf("file: dsn must be kept as is, got %s", cfg.Databases["sqlite3"].DSN)
	}
	if cfg.Tax.PlaceholderAllowed() {
		t.Fatalf("placeholder should be disabled")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"missing secret": {func(c *Config) { c.Auth.JWTSecret = "" }, "jwt_secret"},
		"bad duration":   {func(c *Config) { c.BasicConfig.StepDelay = "soon" }, "step_delay"},
		"gcs no bucket":  {func(c *Config) { c.Storage.Backend = "gcs" }, "bucket"},
		"unknown store":  {func(c *Config) { c.Storage.Backend = "s3" }, "storage backend"},
		"llm no provider": {func(c *Config) {
			c.Ingest.Extractor = "llm"
			c.Ingest.Provider = "openai"
		}, "provider"},
		"unknown extractor": {func(c *Config) { c.Ingest.Extractor = "ocr" }, "extractor"},
		"stale before timeout": {func(c *Config) {
			c.BasicConfig.StaleAfter = "1m"
			c.BasicConfig.CalculationTimeout = "2m"
		}, "stale_after"},
	}
	for name, tc := range cases {
		cfg := Default()
		cfg.Auth.JWTSecret = "s3cret"
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", name, tc.want, err)
		}
	}

	cfg := Default()
	cfg.Auth.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with secret should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
