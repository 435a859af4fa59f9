// Package config loads server configuration from the environment, with an
// optional YAML file as the base layer. Environment variables win over the
// file; every knob has a usable default so a bare binary starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Backend selects the relationship backend: "memory" for the embedded
	// engine, "http" for a remote Zanzibar-style service.
	Backend        string        `yaml:"backend"`
	BackendURL     string        `yaml:"backend_url"`
	BackendStoreID string        `yaml:"backend_store_id"`
	BackendTimeout time.Duration `yaml:"backend_timeout"`

	// Cache selects the decision cache backend: "memory" or "redis".
	Cache         string        `yaml:"cache"`
	RedisAddr     string        `yaml:"redis_addr"`
	CacheAllowTTL time.Duration `yaml:"cache_allow_ttl"`
	CacheDenyTTL  time.Duration `yaml:"cache_deny_ttl"`

	// Audit sinks. The hash-chained in-memory store is always on; these
	// add durable copies.
	AuditSQLitePath  string `yaml:"audit_sqlite_path"`
	AuditPostgresDSN string `yaml:"audit_postgres_dsn"`

	// Delegation lifecycle.
	DefaultTaskTTL time.Duration `yaml:"default_task_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	TokenSecret    string        `yaml:"token_secret"`

	// Gateway rate limiting, requests per second per agent.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// Scope inference. CatalogPath names a YAML file mapping users to
	// their available resources; an empty LLMAPIKey selects the static
	// inferrer over that catalog.
	CatalogPath string `yaml:"catalog_path"`
	LLMBaseURL  string `yaml:"llm_base_url"`
	LLMAPIKey   string `yaml:"llm_api_key"`
	LLMModel    string `yaml:"llm_model"`

	// Telemetry export.
	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
}

func defaults() Config {
	return Config{
		Port:           "8080",
		LogLevel:       "INFO",
		Backend:        "memory",
		BackendTimeout: 5 * time.Second,
		Cache:          "memory",
		RedisAddr:      "localhost:6379",
		CacheAllowTTL:  60 * time.Second,
		CacheDenyTTL:   10 * time.Second,
		DefaultTaskTTL: 30 * time.Minute,
		SweepInterval:  time.Minute,
		RateLimitRPS:   10,
		RateLimitBurst: 20,
		LLMBaseURL:     "https://api.openai.com",
		LLMModel:       "gpt-4o-mini",
		OTelEndpoint:   "localhost:4317",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyString(&cfg.Port, "PORT")
	applyString(&cfg.LogLevel, "LOG_LEVEL")
	applyString(&cfg.Backend, "REBAC_BACKEND")
	applyString(&cfg.BackendURL, "REBAC_BACKEND_URL")
	applyString(&cfg.BackendStoreID, "REBAC_STORE_ID")
	applyString(&cfg.Cache, "DECISION_CACHE")
	applyString(&cfg.RedisAddr, "REDIS_ADDR")
	applyString(&cfg.AuditSQLitePath, "AUDIT_SQLITE_PATH")
	applyString(&cfg.AuditPostgresDSN, "AUDIT_POSTGRES_DSN")
	applyString(&cfg.TokenSecret, "TOKEN_SECRET")
	applyString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	applyString(&cfg.LLMAPIKey, "LLM_API_KEY")
	applyString(&cfg.LLMModel, "LLM_MODEL")
	applyString(&cfg.CatalogPath, "CATALOG_PATH")
	applyString(&cfg.OTelEndpoint, "OTEL_ENDPOINT")
	cfg.OTelEnabled = cfg.OTelEnabled || os.Getenv("OTEL_ENABLED") == "true"

	if err := applyDuration(&cfg.BackendTimeout, "REBAC_BACKEND_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.CacheAllowTTL, "CACHE_ALLOW_TTL"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.CacheDenyTTL, "CACHE_DENY_TTL"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.DefaultTaskTTL, "DEFAULT_TASK_TTL"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.SweepInterval, "SWEEP_INTERVAL"); err != nil {
		return nil, err
	}
	if err := applyFloat(&cfg.RateLimitRPS, "RATE_LIMIT_RPS"); err != nil {
		return nil, err
	}
	if err := applyInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "memory":
	case "http":
		if c.BackendURL == "" {
			return fmt.Errorf("config: backend %q requires REBAC_BACKEND_URL", c.Backend)
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	switch c.Cache {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache %q", c.Cache)
	}
	if c.CacheDenyTTL >= c.CacheAllowTTL {
		return fmt.Errorf("config: cache deny ttl %s must be shorter than allow ttl %s",
			c.CacheDenyTTL, c.CacheAllowTTL)
	}
	return nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func applyString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func applyDuration(dst *time.Duration, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", env, err)
	}
	*dst = d
	return nil
}

func applyInt(dst *int, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", env, err)
	}
	*dst = n
	return nil
}

func applyFloat(dst *float64, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", env, err)
	}
	*dst = f
	return nil
}
