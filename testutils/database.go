package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/db"
)

// TestConfig mirrors the [database] section of config-test.toml.
type TestConfig struct {
	Database config.DatabaseConfig `toml:"database"`
}

// TestDatabase wraps a live database connection for integration tests.
type TestDatabase struct {
	*db.Database
	Config *TestConfig
}

// SetupTestDatabase connects to the PostgreSQL instance described by
// config-test.toml (found by walking up from the test's working directory)
// and applies the schema. Skipped under -short.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	ctx := context.Background()

	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found. Please ensure it exists in the project root")

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and %s exists", cfg.Database.Name)

	return &TestDatabase{
		Database: database,
		Config:   &cfg,
	}
}

// findTestConfig walks up the directory tree to find config-test.toml.
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// Cleanup closes database connections.
func (td *TestDatabase) Cleanup(t *testing.T) {
	if td.Database != nil {
		td.Database.Close()
	}
}

// TruncateAllTables clears all data between tests, children first.
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	ctx := context.Background()

	tables := []string{
		"audit_records",
		"trash_entries",
		"list_entries",
		"lists",
		"rule_actions",
		"rule_conditions",
		"rules",
		"retention_policies",
	}

	for _, table := range tables {
		_, err := td.Database.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}
