package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationRunner_Sqlite_UpDownStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrator.db")

	cfg := &Config{Engine: "sqlite", DSN: path, MigrationTable: "schema_migrations"}

	runner, err := NewMigrationRunner(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })

	require.NoError(t, runner.Up())
	require.NoError(t, runner.Status())
	require.NoError(t, runner.Version())

	require.NoError(t, runner.Down())
	require.NoError(t, runner.Up())
}

func TestLoadConfig_RejectsUnknownEngine(t *testing.T) {
	t.Setenv("DB_ENGINE", "oracle")
	t.Setenv("DATABASE_URL", "whatever")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfig_RequiresDSN(t *testing.T) {
	t.Setenv("DB_ENGINE", "sqlite")
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)
}
