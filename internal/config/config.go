package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration, loaded from the environment.
type Config struct {
	// HTTP API
	ListenAddr string

	// Database: a postgres:// URL or a SQLite file path.
	DatabaseDSN string

	// Telegram notifications (optional; empty token disables them)
	TelegramToken  string
	TelegramChatID int64

	// Logging
	Debug     bool
	LogPretty bool

	// Engine tuning
	TickInterval time.Duration

	// Recover bots left in running state on boot
	RecoverOnBoot bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8000"),
		DatabaseDSN:    getEnv("DATABASE_URL", "data/chainmakes.db"),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: getEnvInt64("TELEGRAM_CHAT_ID", 0),
		Debug:          getEnvBool("DEBUG", false),
		LogPretty:      getEnvBool("LOG_PRETTY", true),
		TickInterval:   getEnvDuration("TICK_INTERVAL", 10*time.Second),
		RecoverOnBoot:  getEnvBool("RECOVER_ON_BOOT", true),
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
