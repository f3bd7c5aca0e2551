// Package config loads server configuration from the environment and
// bootstrap profiles from YAML.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string
	Issuer   string

	AccessTokenExpiry       time.Duration
	RefreshTokenExpiry      time.Duration
	AuthorizationCodeExpiry time.Duration
	IntrospectionLeeway     time.Duration

	SystemClientIDs []string

	// Remote policy decision point (OPA-compatible).
	EnableOPAPolicies bool
	OPAHost           string
	OPAPort           string
	OPAPolicyPath     string

	// Empty DatabaseURL keeps stores in memory; "sqlite:<path>" and
	// postgres URLs select the persistent stores.
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitRPM   int
	RateLimitBurst int

	// ProfilePath points at the bootstrap YAML (scopes, clients, policies,
	// expansion policy). Empty means no bootstrap.
	ProfilePath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),
		Issuer:   envOr("ISSUER", "http://localhost:8080"),

		AccessTokenExpiry:       envDuration("ACCESS_TOKEN_EXPIRY", 3*time.Minute),
		RefreshTokenExpiry:      envDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
		AuthorizationCodeExpiry: envDuration("AUTHORIZATION_CODE_EXPIRY", 10*time.Minute),
		IntrospectionLeeway:     envDuration("INTROSPECTION_LEEWAY", 0),

		SystemClientIDs: envList("SYSTEM_CLIENT_IDS"),

		EnableOPAPolicies: os.Getenv("ENABLE_OPA_POLICIES") == "true",
		OPAHost:           envOr("OPA_HOST", "localhost"),
		OPAPort:           envOr("OPA_PORT", "8181"),
		OPAPolicyPath:     envOr("OPA_POLICY_PATH", "warrant/authz"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		RateLimitRPM:   envInt("RATE_LIMIT_RPM", 300),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 50),

		ProfilePath: os.Getenv("SCOPE_EXPANSION_POLICY"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// OPAURL assembles the base URL of the remote decision point.
func (c *Config) OPAURL() string {
	return "http://" + c.OPAHost + ":" + c.OPAPort
}
