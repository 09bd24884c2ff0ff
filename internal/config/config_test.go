package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "GEMINI_API_KEY", "ARK_API_KEY", "Model", "VOICE_SILENCE_TIMEOUT", "VOICE_MAX_RETRIES", "AUTH_SEED_DEMO_USER", "AUTH_SEED_PROFILES", "PROFILE_CACHE_SIZE", "PROFILE_IDLE_TTL", "SESSION_SECRET", "AI_TURN_TIMEOUT", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.Voice.SilenceTimeout)
	assert.Equal(t, 3, cfg.Voice.MaxRetries)
	assert.True(t, cfg.Auth.SeedDemoUser)
	assert.Equal(t, []string{"default"}, cfg.Auth.SeedProfiles)
	assert.Equal(t, 64, cfg.Auth.MaxProfiles)
	assert.Equal(t, 30*time.Minute, cfg.Auth.ProfileIdleTTL)
	assert.True(t, cfg.Auth.UsesDefaultSecret())
	assert.False(t, cfg.AI.GeminiEnabled())
	assert.False(t, cfg.AI.Enabled())
	assert.Equal(t, time.Minute, cfg.AI.TurnTimeout)
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("AI_TURN_TIMEOUT", "0s")
	d, err := parseDurationEnv("AI_TURN_TIMEOUT", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, d)

	t.Setenv("AI_TURN_TIMEOUT", "later")
	_, err = parseDurationEnv("AI_TURN_TIMEOUT", time.Minute)
	require.Error(t, err)
}

func TestLoadServerAddrForms(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	server, err := loadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", server.Addr)

	t.Setenv("PORT", "80 80")
	_, err = loadServerConfig()
	require.Error(t, err)
}

func TestLoadVoiceConfigOverrides(t *testing.T) {
	t.Setenv("VOICE_SILENCE_TIMEOUT", "5s")
	t.Setenv("VOICE_MAX_RETRIES", "-2")

	voice, err := loadVoiceConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, voice.SilenceTimeout)
	assert.Equal(t, 0, voice.MaxRetries)

	t.Setenv("VOICE_SILENCE_TIMEOUT", "soon")
	_, err = loadVoiceConfig()
	require.Error(t, err)
}

func TestAIConfigEnabled(t *testing.T) {
	assert.True(t, AIConfig{Model: "m", APIKey: "k"}.Enabled())
	assert.True(t, AIConfig{Model: "m", AccessKey: "a", SecretKey: "s"}.Enabled())
	assert.False(t, AIConfig{APIKey: "k"}.Enabled())
	assert.True(t, AIConfig{GeminiAPIKey: "g"}.GeminiEnabled())
}

func TestParseBoolEnvInvalid(t *testing.T) {
	t.Setenv("AUTH_SIMULATED_DELAY", "maybe")
	_, err := loadAuthConfig()
	require.Error(t, err)
}

func TestLoadAuthOverrides(t *testing.T) {
	t.Setenv("SESSION_SECRET", "  prod-secret ")
	t.Setenv("AUTH_SEED_PROFILES", "default, demo ,")
	t.Setenv("PROFILE_CACHE_SIZE", "8")
	t.Setenv("PROFILE_IDLE_TTL", "0s")

	cfg, err := loadAuthConfig()
	require.NoError(t, err)

	assert.Equal(t, "prod-secret", cfg.SessionSecret)
	assert.False(t, cfg.UsesDefaultSecret())
	assert.Equal(t, []string{"default", "demo"}, cfg.SeedProfiles)
	assert.Equal(t, 8, cfg.MaxProfiles)
	assert.Zero(t, cfg.ProfileIdleTTL)

	t.Setenv("PROFILE_CACHE_SIZE", "lots")
	_, err = loadAuthConfig()
	assert.Error(t, err)
}
