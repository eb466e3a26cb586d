package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port string
	Env  string

	// LocalDBPath is the embedded SQLite store, the source of truth for this machine
	LocalDBPath string

	// DatabaseURL is the remote PostgreSQL store of record. Empty runs offline-only.
	DatabaseURL string

	// Redis configuration (notification outbox)
	RedisURL      string
	RedisPassword string

	// HTTP API
	JWTSecret      string
	JWTTTL         time.Duration
	AllowedOrigins []string
	HTTPRateLimit  int

	// Archive layout
	PathsConfigPath string
	RootOverride    string

	// Archive encryption key material
	ArchiveKeyPath       string
	ArchiveKeyPassphrase string

	// File readiness
	SteadyStateWait   time.Duration
	SteadyStateChecks int

	// Sync worker
	SyncPollInterval   time.Duration
	SyncBatchSize      int
	SyncBaseDelay      time.Duration
	SyncMaxDelay       time.Duration
	SyncMaxAttempts    int
	SyncSendTimeout    time.Duration
	SyncRatePerSecond  int
	SyncWorkerDisabled bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		LocalDBPath:          getEnv("LOCAL_DB_PATH", "gatekeeper.db"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		JWTTTL:               getEnvAsDuration("JWT_TTL", 12*time.Hour),
		AllowedOrigins:       getEnvAsList("ALLOWED_ORIGINS"),
		HTTPRateLimit:        getEnvAsInt("HTTP_RATE_LIMIT", 20),
		PathsConfigPath:      getEnv("PATHS_CONFIG", "paths.yaml"),
		RootOverride:         getEnv("GATEKEEPER_ROOT", ""),
		ArchiveKeyPath:       getEnv("ARCHIVE_KEY_PATH", "archive.key"),
		ArchiveKeyPassphrase: getEnv("ARCHIVE_KEY_PASSPHRASE", ""),
		SteadyStateWait:      getEnvAsDuration("STEADY_STATE_WAIT", 2*time.Second),
		SteadyStateChecks:    getEnvAsInt("STEADY_STATE_CHECKS", 3),
		SyncPollInterval:     getEnvAsDuration("SYNC_POLL_INTERVAL", 30*time.Second),
		SyncBatchSize:        getEnvAsInt("SYNC_BATCH_SIZE", 50),
		SyncBaseDelay:        getEnvAsDuration("SYNC_BASE_DELAY", 30*time.Second),
		SyncMaxDelay:         getEnvAsDuration("SYNC_MAX_DELAY", 5*time.Minute),
		SyncMaxAttempts:      getEnvAsInt("SYNC_MAX_ATTEMPTS", 5),
		SyncSendTimeout:      getEnvAsDuration("SYNC_SEND_TIMEOUT", 10*time.Second),
		SyncRatePerSecond:    getEnvAsInt("SYNC_RATE_PER_SECOND", 20),
		SyncWorkerDisabled:   getEnvAsBool("SYNC_WORKER_DISABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.LocalDBPath == "" {
		return fmt.Errorf("LOCAL_DB_PATH is required")
	}

	if c.ArchiveKeyPassphrase == "" && c.IsProduction() {
		return fmt.Errorf("ARCHIVE_KEY_PASSPHRASE is required in production")
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}

	if c.SteadyStateChecks < 2 {
		return fmt.Errorf("STEADY_STATE_CHECKS must be at least 2")
	}

	if c.SyncMaxAttempts <= 0 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be positive")
	}

	if c.SyncMaxDelay < c.SyncBaseDelay {
		return fmt.Errorf("SYNC_MAX_DELAY must not be lower than SYNC_BASE_DELAY")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Offline reports whether no remote store is configured
func (c *Config) Offline() bool {
	return c.DatabaseURL == ""
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAsDuration accepts Go duration strings ("30s", "5m")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
