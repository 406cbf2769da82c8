// Package helpers provides database setup shared by portscribe integration
// tests.
package helpers

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/anstrom/portscribe/internal/db"
)

const (
	defaultPostgreSQLPort = 5432
	dbConnectionTimeout   = 5 * time.Second
)

// GetTestDatabaseConfigs returns the database configurations to try, the
// dedicated test database first and the development database second.
func GetTestDatabaseConfigs() []db.Config {
	base := db.DefaultConfig()

	test := base
	test.Host = getEnvOrDefault("TEST_DB_HOST", "localhost")
	test.Port = getEnvIntOrDefault("TEST_DB_PORT", defaultPostgreSQLPort)
	test.Database = getEnvOrDefault("TEST_DB_NAME", "portscribe_test")
	test.Username = getEnvOrDefault("TEST_DB_USER", "test_user")
	test.Password = getEnvOrDefault("TEST_DB_PASSWORD", "test_password")

	dev := base
	dev.Host = getEnvOrDefault("DEV_DB_HOST", "localhost")
	dev.Port = getEnvIntOrDefault("DEV_DB_PORT", defaultPostgreSQLPort)
	dev.Database = getEnvOrDefault("DEV_DB_NAME", "portscribe_dev")
	dev.Username = getEnvOrDefault("DEV_DB_USER", "portscribe_dev")
	dev.Password = getEnvOrDefault("DEV_DB_PASSWORD", "dev_password")

	return []db.Config{test, dev}
}

// GetAvailableDatabase returns the first configuration that accepts a
// connection.
func GetAvailableDatabase() (*db.Config, error) {
	for _, cfg := range GetTestDatabaseConfigs() {
		ctx, cancel := context.WithTimeout(context.Background(), dbConnectionTimeout)
		database, err := db.Connect(ctx, &cfg)
		cancel()
		if err != nil {
			continue
		}
		_ = database.Close()
		return &cfg, nil
	}
	return nil, fmt.Errorf("no test database available")
}

// CleanupFindings deletes the findings recorded for hostname.
func CleanupFindings(ctx context.Context, database *db.DB, hostname string) error {
	_, err := database.ExecContext(ctx, `DELETE FROM scan_findings WHERE hostname = $1`, hostname)
	return err
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
