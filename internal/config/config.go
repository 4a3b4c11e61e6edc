package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Postgres  PostgresConfig  `json:"postgres"`
	Admission AdmissionConfig `json:"admission"`
	Auth      AuthConfig      `json:"auth"`
	Reports   ReportsConfig   `json:"reports"`

	// Per-tier limit overrides keyed by tier name, and per-endpoint
	// multipliers keyed by path prefix. Both optional; built-in defaults
	// apply to anything not listed.
	Tiers     map[string]TierLimits `json:"tiers"`
	Endpoints map[string]float64    `json:"endpoints"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type AdmissionConfig struct {
	DefaultTier              string   `json:"default_tier"`
	CacheTTLSeconds          int      `json:"cache_ttl_seconds"`
	PenaltyBlockSeconds      int      `json:"penalty_block_seconds"`
	ViolationThreshold       int      `json:"violation_threshold"`
	FailOpen                 bool     `json:"fail_open"`
	ConcurrencyMaxAgeSeconds int      `json:"concurrency_max_age_seconds"`
	Whitelist                []string `json:"whitelist"`
	Blacklist                []string `json:"blacklist"`
}

func (a AdmissionConfig) CacheTTL() time.Duration {
	return time.Duration(a.CacheTTLSeconds) * time.Second
}

func (a AdmissionConfig) PenaltyDuration() time.Duration {
	return time.Duration(a.PenaltyBlockSeconds) * time.Second
}

func (a AdmissionConfig) ConcurrencyMaxAge() time.Duration {
	return time.Duration(a.ConcurrencyMaxAgeSeconds) * time.Second
}

type AuthConfig struct {
	JWTSecret   string `json:"jwt_secret"`
	ExpiryHours int    `json:"expiry_hours"`
}

type ReportsConfig struct {
	// Denial rate above DenialRateThreshold sustained for WindowMinutes
	// raises the advisory health signal.
	DenialRateThreshold float64 `json:"denial_rate_threshold"`
	WindowMinutes       int     `json:"window_minutes"`
	BatchSize           int     `json:"batch_size"`
	FlushSeconds        int     `json:"flush_seconds"`
}

type TierLimits struct {
	MaxRequests     int    `json:"max_requests"`
	WindowSeconds   int    `json:"window_seconds"`
	BurstLimit      int    `json:"burst_limit"`
	BurstSeconds    int    `json:"burst_seconds"`
	DailyLimit      int    `json:"daily_limit"`
	ConcurrentLimit int    `json:"concurrent_limit"`
	Description     string `json:"description"`
}

func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// No config file, run on defaults plus env
	} else if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyEnv()

	if _, err := strconv.Atoi(config.Server.Port); err != nil {
		return nil, fmt.Errorf("invalid server port %q", config.Server.Port)
	}

	return config, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Environment: "development",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Postgres: PostgresConfig{
			DSN: "host=localhost user=postgres dbname=admission port=5432 sslmode=disable",
		},
		Admission: AdmissionConfig{
			DefaultTier:              "free",
			CacheTTLSeconds:          600,
			PenaltyBlockSeconds:      300,
			ViolationThreshold:       10,
			FailOpen:                 true,
			ConcurrencyMaxAgeSeconds: 300,
		},
		Auth: AuthConfig{
			ExpiryHours: 24,
		},
		Reports: ReportsConfig{
			DenialRateThreshold: 0.5,
			WindowMinutes:       10,
			BatchSize:           100,
			FlushSeconds:        5,
		},
	}
}

// Environment variables override file values for anything deploy-specific
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		c.Redis.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DEFAULT_TIER"); v != "" {
		c.Admission.DefaultTier = v
	}
	if v := os.Getenv("FAIL_OPEN"); v != "" {
		c.Admission.FailOpen = v == "true" || v == "1"
	}
}
