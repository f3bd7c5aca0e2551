package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Issuer)
	assert.Equal(t, 3*time.Minute, cfg.AccessTokenExpiry)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenExpiry)
	assert.Equal(t, 10*time.Minute, cfg.AuthorizationCodeExpiry)
	assert.False(t, cfg.EnableOPAPolicies)
	assert.Empty(t, cfg.SystemClientIDs)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ISSUER", "https://auth.example")
	t.Setenv("ACCESS_TOKEN_EXPIRY", "5m")
	t.Setenv("SYSTEM_CLIENT_IDS", "cron-1, cron-2")
	t.Setenv("ENABLE_OPA_POLICIES", "true")
	t.Setenv("OPA_HOST", "opa.internal")
	t.Setenv("OPA_PORT", "8282")
	t.Setenv("RATE_LIMIT_RPM", "60")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://auth.example", cfg.Issuer)
	assert.Equal(t, 5*time.Minute, cfg.AccessTokenExpiry)
	assert.Equal(t, []string{"cron-1", "cron-2"}, cfg.SystemClientIDs)
	assert.True(t, cfg.EnableOPAPolicies)
	assert.Equal(t, "http://opa.internal:8282", cfg.OPAURL())
	assert.Equal(t, 60, cfg.RateLimitRPM)
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_EXPIRY", "soon")
	t.Setenv("RATE_LIMIT_RPM", "many")

	cfg := Load()
	assert.Equal(t, 3*time.Minute, cfg.AccessTokenExpiry)
	assert.Equal(t, 300, cfg.RateLimitRPM)
}
