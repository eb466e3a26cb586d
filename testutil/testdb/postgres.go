// Package testdb provides the PostgreSQL store of record for integration
// tests: a throwaway container, or an existing server named by
// TEST_DATABASE_URL.
package testdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// replicatedTables are the tables the sync worker writes, children first
var replicatedTables = []string{"audit_log", "recurring_services", "fixed_costs", "transactions"}

// TestDB is a migrated remote store
type TestDB struct {
	Container *postgres.PostgresContainer // nil when TEST_DATABASE_URL is used
	Pool      *pgxpool.Pool
	ConnStr   string
}

// NewTestDB returns a store with every migrations/*.up.sql script applied
func NewTestDB(ctx context.Context) (*TestDB, error) {
	scripts, err := migrationScripts()
	if err != nil {
		return nil, err
	}

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		db, err := connect(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := db.migrate(ctx, scripts); err != nil {
			db.Pool.Close()
			return nil, err
		}
		return db, nil
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("gatekeeper_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(scripts...),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	db, err := connect(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	db.Container = container
	return db, nil
}

func connect(ctx context.Context, connStr string) (*TestDB, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &TestDB{Pool: pool, ConnStr: connStr}, nil
}

// migrate applies the scripts to a server that was not initialized by the
// container. The scripts are idempotent.
func (db *TestDB) migrate(ctx context.Context, scripts []string) error {
	for _, script := range scripts {
		sql, err := os.ReadFile(script)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", filepath.Base(script), err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", filepath.Base(script), err)
		}
	}
	return nil
}

// Reset empties every replicated table
func (db *TestDB) Reset(ctx context.Context) error {
	stmt := "TRUNCATE TABLE " + strings.Join(replicatedTables, ", ") + " CASCADE"
	if _, err := db.Pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to reset tables: %w", err)
	}
	return nil
}

// Close releases the pool and terminates the container, if any
func (db *TestDB) Close(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// migrationScripts lists migrations/*.up.sql in version order
func migrationScripts() ([]string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("failed to locate testdb sources")
	}
	// testutil/testdb/postgres.go -> module root
	dir := filepath.Join(filepath.Dir(filepath.Dir(filepath.Dir(filename))), "migrations")

	scripts, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return nil, err
	}
	if len(scripts) == 0 {
		return nil, fmt.Errorf("no migrations found in %s", dir)
	}
	slices.Sort(scripts)
	return scripts, nil
}
