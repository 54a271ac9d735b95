package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"GEMINI_API_KEY", "OPENAI_API_KEY", "DEFAULT_MODEL", "HTTP_PORT",
		"LOG_LEVEL", "RATE_LIMIT_RPS", "TRANSCRIPTION_PLACEHOLDER_DELAY", "SEND_FILE_LABEL", "DATABASE_URL"} {
		t.Setenv(key, "")
	}
	// t.Setenv cannot unset; empty values exercise the parse fallbacks
	// while DEFAULT_MODEL and HTTP_PORT need real values.
	t.Setenv("DEFAULT_MODEL", "gemini-1.5-flash-latest")
	t.Setenv("HTTP_PORT", "8080")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-flash-latest", cfg.DefaultModel)
	assert.Equal(t, 10.0, cfg.RateLimitRPS)
	assert.Equal(t, 1500*time.Millisecond, cfg.PlaceholderDelay)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Empty(t, cfg.DatabaseURL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "gpt-4o-mini")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("TRANSCRIPTION_PLACEHOLDER_DELAY", "250")
	t.Setenv("SEND_FILE_LABEL", "Envoi du fichier")
	t.Setenv("DATABASE_URL", "chat.db")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.DefaultModel)
	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 250*time.Millisecond, cfg.PlaceholderDelay)
	assert.Equal(t, "Envoi du fichier", cfg.SendFileLabel)
	assert.Equal(t, "chat.db", cfg.DatabaseURL)

	t.Setenv("TRANSCRIPTION_PLACEHOLDER_DELAY", "2s")
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.PlaceholderDelay)
}

func TestFromEnvValidation(t *testing.T) {
	t.Setenv("DEFAULT_MODEL", "m")
	t.Setenv("HTTP_PORT", "eighty")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("DEFAULT_MODEL", "")
	_, err = FromEnv()
	assert.Error(t, err)
}
