package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the environment-driven settings for the backend.
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	DBPath    string
	RedisAddr string

	SourceURL      string
	SeedSections   []string
	ScrapeInterval time.Duration
	ScrapeRPS      float64

	HealthInterval     time.Duration
	LeakThresholdMBMin float64
	MemoryBudgetMB     uint64

	ReadLimit  RateLimitConfig
	WriteLimit RateLimitConfig

	AllowedOrigins   []string
	MaxRequestBytes  int64
	JWTSecret        string
	JWTRefreshSecret string
}

// LoadConfig reads configuration from the environment, applying defaults
// suitable for local development.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("SEATWATCH_PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DBPath:    getEnv("SEATWATCH_DB_PATH", "seatwatch.db"),
		RedisAddr: getEnv("SEATWATCH_REDIS_ADDR", ""),

		SourceURL:      getEnv("SEATWATCH_SOURCE_URL", "http://localhost:9090"),
		SeedSections:   splitList(getEnv("SEATWATCH_SECTIONS", "")),
		ScrapeInterval: getEnvDuration("SEATWATCH_SCRAPE_INTERVAL", 2*time.Minute),
		ScrapeRPS:      getEnvFloat("SEATWATCH_SCRAPE_RPS", 1.0),

		HealthInterval:     getEnvDuration("SEATWATCH_HEALTH_INTERVAL", time.Minute),
		LeakThresholdMBMin: getEnvFloat("SEATWATCH_LEAK_THRESHOLD_MB_MIN", 10),
		MemoryBudgetMB:     uint64(getEnvInt("SEATWATCH_MEMORY_BUDGET_MB", 512)),

		ReadLimit: RateLimitConfig{
			Window:      getEnvDuration("SEATWATCH_READ_LIMIT_WINDOW", time.Minute),
			MaxRequests: getEnvInt("SEATWATCH_READ_LIMIT", ReadLimitProfile.MaxRequests),
		},
		WriteLimit: RateLimitConfig{
			Window:      getEnvDuration("SEATWATCH_WRITE_LIMIT_WINDOW", time.Minute),
			MaxRequests: getEnvInt("SEATWATCH_WRITE_LIMIT", WriteLimitProfile.MaxRequests),
		},

		AllowedOrigins:   splitList(getEnv("SEATWATCH_ALLOWED_ORIGINS", "http://localhost:3000")),
		MaxRequestBytes:  int64(getEnvInt("SEATWATCH_MAX_REQUEST_BYTES", 1<<20)),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWTRefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid SEATWATCH_PORT %q: %w", c.Port, err)
	}
	if c.ScrapeInterval <= 0 {
		return fmt.Errorf("SEATWATCH_SCRAPE_INTERVAL must be positive, got %s", c.ScrapeInterval)
	}
	if c.ScrapeRPS <= 0 {
		return fmt.Errorf("SEATWATCH_SCRAPE_RPS must be positive, got %f", c.ScrapeRPS)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("SEATWATCH_HEALTH_INTERVAL must be positive, got %s", c.HealthInterval)
	}
	if c.LeakThresholdMBMin <= 0 {
		return fmt.Errorf("SEATWATCH_LEAK_THRESHOLD_MB_MIN must be positive, got %f", c.LeakThresholdMBMin)
	}
	for name, rl := range map[string]RateLimitConfig{
		"SEATWATCH_READ_LIMIT":  c.ReadLimit,
		"SEATWATCH_WRITE_LIMIT": c.WriteLimit,
	} {
		if rl.MaxRequests <= 0 || rl.Window <= 0 {
			return fmt.Errorf("%s must define a positive window and request count", name)
		}
	}
	if c.Production() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
}

// Production reports whether the process runs with production settings.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// MemoryBudgetBytes converts the configured budget to bytes for IsHealthy.
func (c *Config) MemoryBudgetBytes() uint64 {
	return c.MemoryBudgetMB * 1024 * 1024
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
