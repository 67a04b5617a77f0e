// Package conf
package conf

import (
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Config holds a database connection and, for test databases, its metadata.
type Config struct {
	Name      string
	DB        *sql.DB
	ConnStr   string
	AdminDB   *sql.DB
	SchemaSQL string
}

// TestAdminDSN is used when REBALANCER_TEST_PG_DSN is not set.
const TestAdminDSN = "host=localhost port=5432 user=postgres password=postgres dbname=postgres sslmode=disable"

// FindSchema walks up from the working directory looking for scripts/schema.sql.
func FindSchema() (string, error) {
	dir := "."
	for range 4 {
		path := filepath.Join(dir, "scripts", "schema.sql")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		dir = filepath.Join(dir, "..")
	}
	return "", fmt.Errorf("scripts/schema.sql not found")
}

// ApplySchema executes every statement of the schema file on db.
func ApplySchema(db *sql.DB, schema string) error {
	for stmt := range strings.SplitSeq(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %q: %w", stmt, err)
		}
	}
	return nil
}

// NewTestConfig creates a new database with a random name and applies the schema.
// It skips the test when PostgreSQL is not reachable.
func NewTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	adminConnStr := os.Getenv("REBALANCER_TEST_PG_DSN")
	if adminConnStr == "" {
		adminConnStr = TestAdminDSN
	}

	adminDB, err := sql.Open("postgres", adminConnStr)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}

	if err := adminDB.Ping(); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
		return nil, func() {}
	}

	dbName := fmt.Sprintf("rebalancer_test_%d", rand.Int31())
	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		adminDB.Close()
		t.Fatalf("Failed to create test database: %v", err)
	}

	schemaPath, err := FindSchema()
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to locate schema: %v", err)
	}
	schemaSQLBytes, err := os.ReadFile(schemaPath)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to read schema.sql: %v", err)
	}

	dbConnStr := replaceDBName(adminConnStr, dbName)
	db, err := sql.Open("postgres", dbConnStr)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := ApplySchema(db, string(schemaSQLBytes)); err != nil {
		db.Close()
		adminDB.Close()
		t.Fatalf("Failed to apply schema: %v", err)
	}

	cfg := &Config{
		Name:      dbName,
		DB:        db,
		ConnStr:   dbConnStr,
		AdminDB:   adminDB,
		SchemaSQL: string(schemaSQLBytes),
	}

	cleanup := func() {
		db.Close()
		if _, err := adminDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName)); err != nil {
			t.Logf("Warning: Failed to drop test database %s: %v", dbName, err)
		}
		adminDB.Close()
	}

	return cfg, cleanup
}

// replaceDBName swaps the dbname key of a key=value DSN.
func replaceDBName(dsn, name string) string {
	fields := strings.Fields(dsn)
	replaced := false
	for i, f := range fields {
		if strings.HasPrefix(f, "dbname=") {
			fields[i] = "dbname=" + name
			replaced = true
		}
	}
	if !replaced {
		fields = append(fields, "dbname="+name)
	}
	return strings.Join(fields, " ")
}
