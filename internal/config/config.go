package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Auth        AuthConfig                `json:"auth"`
	Tax         TaxConfig                 `json:"tax"`
	Ingest      IngestConfig              `json:"ingest"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Storage     StorageConfig             `json:"storage"`
	Events      EventsConfig              `json:"events"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	UploadDir     string `json:"upload_dir"`
	// Durations are Go duration strings ("1s", "250ms").
	StreamInterval     string `json:"stream_interval"`
	StepDelay          string `json:"step_delay"`
	CalculationTimeout string `json:"calculation_timeout"`
	WorkerIdleTimeout  string `json:"worker_idle_timeout"`
	SweepInterval      string `json:"sweep_interval"`
	StaleAfter         string `json:"stale_after"`
	MinWorkers         int    `json:"min_workers"`
	MaxWorkers         int    `json:"max_workers"`
	QueueSize          int    `json:"queue_size"`
	MaxUploadBytes     int64  `json:"max_upload_bytes"`
	WorkerDebug        bool   `json:"worker_debug"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
	TokenTTL  string `json:"token_ttl"`
}

type TaxConfig struct {
	DefaultYear         int    `json:"default_year"`
	StateRate           string `json:"state_rate"`
	PlaceholderEnabled  *bool  `json:"placeholder_enabled"`
	PlaceholderIncome   string `json:"placeholder_income"`
	PlaceholderWithheld string `json:"placeholder_withheld"`
}

type IngestConfig struct {
	// Extractor is "simulated" (default) or "llm".
	Extractor       string `json:"extractor"`
	ProcessingDelay string `json:"processing_delay"`
	CompletionDelay string `json:"completion_delay"`
	Provider        string `json:"provider"`
	MaxTokens       int    `json:"max_tokens"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type StorageConfig struct {
	// Backend is "local" (default) or "gcs".
	Backend string `json:"backend"`
	Bucket  string `json:"bucket"`
	Prefix  string `json:"prefix"`
}

type EventsConfig struct {
	SinkURL string `json:"sink_url"`
	Source  string `json:"source"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	if secret := os.Getenv("TAXFLOW_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(absPath)
	if !filepath.IsAbs(cfg.BasicConfig.UploadDir) {
		cfg.BasicConfig.UploadDir = filepath.Join(baseDir, cfg.BasicConfig.UploadDir)
	}
	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

// Default returns a configuration usable without a file (in-memory sqlite, local uploads).
func Default() *Config {
	cfg := &Config{
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "file:taxflow?mode=memory&cache=shared"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8080"
	}
	if b.UploadDir == "" {
		b.UploadDir = "uploads"
	}
	if b.StreamInterval == "" {
		b.StreamInterval = "1s"
	}
	if b.StepDelay == "" {
		b.StepDelay = "1s"
	}
	if b.CalculationTimeout == "" {
		b.CalculationTimeout = "2m"
	}
	if b.WorkerIdleTimeout == "" {
		b.WorkerIdleTimeout = "5m"
	}
	if b.SweepInterval == "" {
		b.SweepInterval = "1m"
	}
	if b.StaleAfter == "" {
		b.StaleAfter = "10m"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 256
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = 20 << 20
	}
	if c.Tax.DefaultYear == 0 {
		c.Tax.DefaultYear = 2024
	}
	if c.Tax.StateRate == "" {
		c.Tax.StateRate = "0.05"
	}
	if c.Tax.PlaceholderIncome == "" {
		c.Tax.PlaceholderIncome = "75000"
	}
	if c.Tax.PlaceholderWithheld == "" {
		c.Tax.PlaceholderWithheld = "8500"
	}
	if c.Ingest.Extractor == "" {
		c.Ingest.Extractor = "simulated"
	}
	if c.Ingest.ProcessingDelay == "" {
		c.Ingest.ProcessingDelay = "1s"
	}
	if c.Ingest.CompletionDelay == "" {
		c.Ingest.CompletionDelay = "5s"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "taxflow"
	}
	if c.Auth.TokenTTL == "" {
		c.Auth.TokenTTL = "24h"
	}
	if c.Events.Source == "" {
		c.Events.Source = "taxflow/calculation"
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"stream_interval":     c.BasicConfig.StreamInterval,
		"step_delay":          c.BasicConfig.StepDelay,
		"calculation_timeout": c.BasicConfig.CalculationTimeout,
		"worker_idle_timeout": c.BasicConfig.WorkerIdleTimeout,
		"sweep_interval":      c.BasicConfig.SweepInterval,
		"stale_after":         c.BasicConfig.StaleAfter,
		"processing_delay":    c.Ingest.ProcessingDelay,
		"completion_delay":    c.Ingest.CompletionDelay,
		"token_ttl":           c.Auth.TokenTTL,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
	}
	if Duration(c.BasicConfig.StaleAfter) <= Duration(c.BasicConfig.CalculationTimeout) {
		return fmt.Errorf("stale_after must exceed calculation_timeout")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret must be configured (or set TAXFLOW_JWT_SECRET)")
	}
	switch c.Storage.Backend {
	case "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage bucket must be configured for gcs")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	switch c.Ingest.Extractor {
	case "simulated":
	case "llm":
		if _, ok := c.Providers[c.Ingest.Provider]; !ok {
			return fmt.Errorf("provider %q not configured for llm extractor", c.Ingest.Provider)
		}
	default:
		return fmt.Errorf("unsupported extractor: %s", c.Ingest.Extractor)
	}
	return nil
}

// PlaceholderAllowed reports whether the pipeline may fall back to placeholder amounts.
func (t TaxConfig) PlaceholderAllowed() bool {
	return t.PlaceholderEnabled == nil || *t.PlaceholderEnabled
}

// Duration parses a duration field already checked by Validate.
func Duration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

func isSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}
