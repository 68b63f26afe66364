package main

import (
	"fmt"
	"os"
)

// Config holds all configuration for the migration tool.
type Config struct {
	// Engine selects which backend's embedded migration tree and
	// golang-migrate database driver to use: "postgres", "mysql", or
	// "sqlite".
	Engine string

	// DSN is the backend's connection string (a `database/sql` DSN for
	// postgres/mysql, a filesystem path for sqlite).
	DSN string

	// MigrationTable is the name of the table used to track applied
	// migrations.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible
// defaults.
func LoadConfig() (*Config, error) {
	config := &Config{
		Engine:         getEnvOrDefault("DB_ENGINE", "postgres"),
		DSN:            getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Engine {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unrecognized DB_ENGINE %q (want postgres, mysql, or sqlite)", c.Engine)
	}

	if c.DSN == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a string representation of the configuration safe for
// logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Engine: %s, DSN: %s, MigrationTable: %s}",
		c.Engine, maskDSN(c.DSN), c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// maskDSN masks a password embedded in a connection-string-shaped DSN for
// safe logging; DSNs without a "user:pass@" authority section (e.g. a
// sqlite file path) pass through unchanged.
func maskDSN(dsn string) string {
	authStart := -1
	for i := 0; i < len(dsn)-1; i++ {
		if dsn[i] == '/' && dsn[i+1] == '/' {
			authStart = i + 2
			break
		}
	}
	if authStart == -1 {
		return dsn
	}

	atPos := -1
	for i := authStart; i < len(dsn); i++ {
		if dsn[i] == '/' || dsn[i] == '?' || dsn[i] == '#' {
			break
		}
		if dsn[i] == '@' {
			atPos = i
		}
	}
	if atPos == -1 {
		return dsn
	}

	colonPos := -1
	for i := authStart; i < atPos; i++ {
		if dsn[i] == ':' {
			colonPos = i
			break
		}
	}
	if colonPos == -1 || atPos-(colonPos+1) == 0 {
		return dsn
	}

	return dsn[:colonPos+1] + "***" + dsn[atPos:]
}
