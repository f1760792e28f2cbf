package testutils

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/db"
)

// DatabaseConfig returns the test database settings from the environment,
// or nil when SIEVE_TEST_DB_HOST is not set.
func DatabaseConfig() *config.DatabaseConfig {
	host := os.Getenv("SIEVE_TEST_DB_HOST")
	if host == "" {
		return nil
	}
	cfg := config.NewDefaultConfig().Database
	cfg.Hosts = []string{host}
	if v := os.Getenv("SIEVE_TEST_DB_USER"); v != "" {
		cfg.User = v
	}
	cfg.Password = os.Getenv("SIEVE_TEST_DB_PASSWORD")
	if v := os.Getenv("SIEVE_TEST_DB_NAME"); v != "" {
		cfg.Name = v
	}
	return &cfg
}

// SetupTestDatabase connects to the test database, applies the migrations
// and empties the tables. The connection is closed when the test ends.
func SetupTestDatabase(t *testing.T) *db.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}
	cfg := DatabaseConfig()
	if cfg == nil {
		t.Skip("SIEVE_TEST_DB_HOST not set")
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, cfg)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and %s database exists", cfg.Name)
	t.Cleanup(database.Close)

	_, err = database.Pool.Exec(ctx, "TRUNCATE sieve_scripts, sieve_binaries")
	require.NoError(t, err)
	return database
}
