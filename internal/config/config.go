package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey       string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	DefaultModel       string
	TranscriptionModel string
	DatabaseURL        string
	HTTPPort           string
	LogLevel           string
	TikaURL            string
	SendFileLabel      string
	RateLimitRPS       float64
	// PlaceholderDelay is how long transcription pretends to work when no
	// OpenAI key is configured.
	PlaceholderDelay time.Duration
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() (Config, error) {
	cfg := Config{
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		DefaultModel:       getEnv("DEFAULT_MODEL", "gemini-1.5-flash-latest"),
		TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		LogLevel:           strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		TikaURL:            getEnv("TIKA_URL", ""),
		SendFileLabel:      getEnv("SEND_FILE_LABEL", "Sending file"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 10),
		PlaceholderDelay:   getEnvAsDuration("TRANSCRIPTION_PLACEHOLDER_DELAY", 1500*time.Millisecond),
	}

	if _, err := strconv.Atoi(cfg.HTTPPort); err != nil {
		return Config{}, fmt.Errorf("HTTP_PORT must be a number, got %q", cfg.HTTPPort)
	}
	if cfg.DefaultModel == "" {
		return Config{}, errors.New("DEFAULT_MODEL must not be empty")
	}
	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level; unknown values mean INFO.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
