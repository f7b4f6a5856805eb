// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseDialect string // "postgresql" or "sqlite"
	DatabaseURL     string

	// Redis (queues, crawl state, cancel flags)
	RedisURL string

	// Worker pool
	MinConcurrency int
	MaxConcurrency int

	// Engines
	Headless       bool
	IgnoreSSLError bool
	UserAgent      string
	KeepAlive      bool

	// Proxy
	ProxyURL    string // comma-separated tier list
	ProxyConfig string // path to rules file

	// Storage for screenshots
	StorageBackend   string // "local" or "s3"
	StorageLocalDir  string
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string
	SignedURLTTL     time.Duration

	// AI / LLM extraction
	AIConfigPath        string // file path or URL
	DefaultLLMModel     string
	DefaultExtractModel string

	// API layer
	AuthEnabled    bool
	CreditsEnabled bool

	// CORS
	CORSOrigins []string

	// Cleanup
	CleanupEnabled  bool
	CleanupInterval time.Duration
	// StaleJobAge is how long a pending job may go untouched before the
	// startup recovery pass fails it.
	StaleJobAge time.Duration

	// Shutdown
	DrainTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    getEnvInt("ANYCRAWL_API_PORT", 8080),
		BaseURL: getEnv("ANYCRAWL_BASE_URL", "http://localhost:8080"),

		DatabaseDialect: getEnv("ANYCRAWL_API_DB_TYPE", "sqlite"),
		DatabaseURL:     getEnv("ANYCRAWL_API_DB_CONNECTION", "file:anycrawl.db?_journal=WAL&_timeout=5000"),

		RedisURL: getEnv("ANYCRAWL_REDIS_URL", "redis://localhost:6379"),

		MinConcurrency: getEnvInt("ANYCRAWL_MIN_CONCURRENCY", 10),
		MaxConcurrency: getEnvInt("ANYCRAWL_MAX_CONCURRENCY", 50),

		Headless:       getEnvBool("ANYCRAWL_HEADLESS", true),
		IgnoreSSLError: getEnvBool("ANYCRAWL_IGNORE_SSL_ERROR", false),
		UserAgent:      getEnv("ANYCRAWL_USER_AGENT", ""),
		KeepAlive:      getEnvBool("ANYCRAWL_KEEP_ALIVE", true),

		ProxyURL:    getEnv("ANYCRAWL_PROXY_URL", ""),
		ProxyConfig: getEnv("ANYCRAWL_PROXY_CONFIG", ""),

		StorageBackend:   getEnv("ANYCRAWL_STORAGE", "local"),
		StorageLocalDir:  getEnv("ANYCRAWL_STORAGE_DIR", "storage"),
		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnv("ANYCRAWL_S3_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),
		SignedURLTTL:     getEnvDuration("ANYCRAWL_SIGNED_URL_TTL", time.Hour),

		AIConfigPath:        getEnv("ANYCRAWL_AI_CONFIG_PATH", ""),
		DefaultLLMModel:     getEnv("DEFAULT_LLM_MODEL", "gpt-4o-mini"),
		DefaultExtractModel: getEnv("DEFAULT_EXTRACT_MODEL", ""),

		AuthEnabled:    getEnvBool("ANYCRAWL_API_AUTH_ENABLED", false),
		CreditsEnabled: getEnvBool("ANYCRAWL_API_CREDITS_ENABLED", false),

		CORSOrigins: getEnvSlice("ANYCRAWL_CORS_ORIGINS", []string{"*"}),

		CleanupEnabled:  getEnvBool("ANYCRAWL_CLEANUP_ENABLED", true),
		CleanupInterval: getEnvDuration("ANYCRAWL_CLEANUP_INTERVAL", time.Hour),
		StaleJobAge:     getEnvDuration("ANYCRAWL_STALE_JOB_AGE", time.Hour),

		DrainTimeout: getEnvDuration("ANYCRAWL_DRAIN_TIMEOUT", 10*time.Second),
	}

	switch cfg.DatabaseDialect {
	case "postgresql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database dialect %q (expected postgresql or sqlite)", cfg.DatabaseDialect)
	}

	if cfg.MinConcurrency < 1 {
		cfg.MinConcurrency = 1
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = cfg.MinConcurrency
	}

	if cfg.DefaultExtractModel == "" {
		cfg.DefaultExtractModel = cfg.DefaultLLMModel
	}

	if cfg.StorageBackend == "s3" && cfg.StorageBucket == "" {
		return nil, fmt.Errorf("ANYCRAWL_S3_BUCKET is required when ANYCRAWL_STORAGE=s3")
	}

	return cfg, nil
}

// ProxyTiers returns the configured proxy tier URLs in order, lowest tier first.
func (c *Config) ProxyTiers() []string {
	if c.ProxyURL == "" {
		return nil
	}
	parts := strings.Split(c.ProxyURL, ",")
	tiers := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			tiers = append(tiers, trimmed)
		}
	}
	return tiers
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
