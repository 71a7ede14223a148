package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RING_TIMEOUT", "")
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, 90*time.Second, cfg.StallTimeout)
	assert.Equal(t, 2*time.Second, cfg.EndWindow)
	assert.Equal(t, 3, cfg.MaxCallAttempts)
	assert.True(t, cfg.AutoRetry)
	assert.False(t, cfg.UsePostgres())
	assert.Nil(t, cfg.CORSAllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("PUBLIC_BASE_URL", "https://callpilot.example.com/")
	t.Setenv("RING_TIMEOUT", "45s")
	t.Setenv("STALL_TIMEOUT", "2m")
	t.Setenv("END_WINDOW", "500ms")
	t.Setenv("MAX_CALL_ATTEMPTS", "5")
	t.Setenv("AUTO_RETRY", "false")
	t.Setenv("DEFAULT_MAX_DISTANCE_KM", "12.5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "production", cfg.Env)
	assert.True(t, cfg.UsePostgres())
	assert.Equal(t, "https://callpilot.example.com", cfg.PublicBaseURL)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, 2*time.Minute, cfg.StallTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.EndWindow)
	assert.Equal(t, 5, cfg.MaxCallAttempts)
	assert.False(t, cfg.AutoRetry)
	assert.InDelta(t, 12.5, cfg.DefaultMaxDistanceKm, 0.0001)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("RING_TIMEOUT", "soon")
	t.Setenv("MAX_CALL_ATTEMPTS", "many")
	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, 3, cfg.MaxCallAttempts)
}
