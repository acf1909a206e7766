//go:build integration

package database

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SetupTestDB connects to the test database and runs migrations. The test
// database (blinkpos_test) is created by docker-compose.
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := Config{
		Host:            "localhost",
		Port:            "5432",
		User:            "postgres",
		Password:        "postgres",
		DB:              "blinkpos_test",
		SslMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5,
		MaxConnIdleTime: 1,
	}

	db, err := NewDB(cfg)
	require.NoError(t, err, "Failed to connect to test database")

	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	projectRoot := filepath.Join(dir, "../..")
	db.migrationPath = "file://" + filepath.Join(projectRoot, "migrations")

	err = db.RunMigrations()
	require.NoError(t, err, "Failed to run migrations on test database")

	return db
}

// CleanupTestDB truncates all tables so tests never see each other's rows.
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tables := []string{"payment_events", "payment_intents"}
	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		_, err := db.pool.Exec(ctx, query)
		require.NoError(t, err, "Failed to truncate table %s", table)
	}
}
