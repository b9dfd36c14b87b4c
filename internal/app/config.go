package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Issuer        string // Issuer claim for tokens and the TOTP provisioning URI
	JWTSecret     string // Required outside dev: HMAC signing secret for tokens
	EncryptionKey string // Required outside dev: key material for 2FA secrets at rest

	DatabaseFile string // Path to SQLite database file (default: ./outlierd.db)
	ExportDir    string // Directory for rendered export files (default: ./exports)

	ExportWorkers       int // Worker pool size (default: 3)
	ExportQueueCapacity int // Submission queue bound (default: 256)

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:               getEnvOrDefault("OUTLIERD_ISSUER", "outlierd"),
		JWTSecret:            os.Getenv("OUTLIERD_JWT_SECRET"),
		EncryptionKey:        os.Getenv("OUTLIERD_ENCRYPTION_KEY"),
		DatabaseFile:         getEnvOrDefault("OUTLIERD_DATABASE_FILE", "outlierd.db"),
		ExportDir:            getEnvOrDefault("OUTLIERD_EXPORT_DIR", "exports"),
		ExportWorkers:        getEnvIntOrDefault("OUTLIERD_EXPORT_WORKERS", 3),
		ExportQueueCapacity:  getEnvIntOrDefault("OUTLIERD_EXPORT_QUEUE_CAPACITY", 256),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Tolerate plain integers as minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
