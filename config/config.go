// Package config provides configuration for crewdeck.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the crewdeck configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Default page size for message and inbox listings
	PageSize int

	// Dispatcher settings
	PollInterval   time.Duration
	ClaimBatchSize int
	ThinkTime      time.Duration
	RunTimeout     time.Duration

	// WebSocket settings
	WSReadTimeout    time.Duration
	WSWriteTimeout   time.Duration
	WSPingInterval   time.Duration
	WSMaxMessageSize int64

	// LLM provider settings. An empty primary base URL disables the
	// LLM-backed responder.
	LLMPrimaryProvider string
	LLMPrimaryModel    string
	LLMPrimaryBaseURL  string
	LLMPrimaryAPIKey   string
	LLMStandbyProvider string
	LLMStandbyModel    string
	LLMStandbyBaseURL  string
	LLMStandbyAPIKey   string
	LLMTimeout         time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:    getEnvInt("HTTP_PORT", 8080),
		DatabaseURL: getEnv("DATABASE_URL", "file:crewdeck.db?cache=shared&mode=rwc"),
		PageSize:    getEnvInt("PAGE_SIZE", 50),

		PollInterval:   time.Duration(getEnvInt("DISPATCH_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		ClaimBatchSize: getEnvInt("DISPATCH_CLAIM_BATCH", 10),
		ThinkTime:      time.Duration(getEnvInt("DISPATCH_THINK_TIME_MS", 1000)) * time.Millisecond,
		RunTimeout:     time.Duration(getEnvInt("RUN_TIMEOUT_MS", 120000)) * time.Millisecond,

		WSReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		WSWriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		WSPingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WSMaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),

		LLMPrimaryProvider: getEnv("LLM_PRIMARY_PROVIDER", "openai"),
		LLMPrimaryModel:    getEnv("LLM_PRIMARY_MODEL", "gpt-4o"),
		LLMPrimaryBaseURL:  getEnv("LLM_PRIMARY_BASE_URL", ""),
		LLMPrimaryAPIKey:   getEnv("LLM_PRIMARY_API_KEY", ""),
		LLMStandbyProvider: getEnv("LLM_STANDBY_PROVIDER", "anthropic"),
		LLMStandbyModel:    getEnv("LLM_STANDBY_MODEL", "claude-sonnet"),
		LLMStandbyBaseURL:  getEnv("LLM_STANDBY_BASE_URL", ""),
		LLMStandbyAPIKey:   getEnv("LLM_STANDBY_API_KEY", ""),
		LLMTimeout:         time.Duration(getEnvInt("LLM_TIMEOUT_MS", 60000)) * time.Millisecond,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
