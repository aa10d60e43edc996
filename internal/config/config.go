// Package config loads server settings from the environment, with an
// optional .env file for development.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string
	// StoreDriver selects the persistence backend: "sqlite" (default,
	// single-device deployment) or "postgres".
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	// StationsFile optionally replaces the built-in station sequence
	// with a YAML file.
	StationsFile string
	CORSOrigin   string
	// RateLimitPerMinute caps API requests per client IP; zero disables.
	RateLimitPerMinute int
	// NotifyProvider is "log", "noop", or a webhook URL.
	NotifyProvider string
	NotifyToken    string
	// NotifyBranches lists branches whose events feed the notifier.
	NotifyBranches []string
	LogLevel       string
}

func Load() Config {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "queue.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return Config{
		Port:               port,
		StoreDriver:        driver,
		DatabaseURL:        os.Getenv("DB_DSN"),
		SQLitePath:         sqlitePath,
		StationsFile:       os.Getenv("STATIONS_FILE"),
		CORSOrigin:         readString("CORS_ORIGIN", "*"),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 300),
		NotifyProvider:     os.Getenv("NOTIFY_PROVIDER"),
		NotifyToken:        os.Getenv("NOTIFY_TOKEN"),
		NotifyBranches:     readList("NOTIFY_BRANCHES"),
		LogLevel:           logLevel,
	}
}

func readString(key, fallback string) string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	return raw
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			values = append(values, v)
		}
	}
	return values
}
