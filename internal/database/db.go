package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/catherinevee/cloudauditor/internal/logger"
)

// Supported database/sql driver names
const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// DB is a SQLite-backed store for discovery and audit results
type DB struct {
	conn   *sql.DB
	driver string
	mu     sync.RWMutex
	log    logger.Logger
}

// Config represents database configuration
type Config struct {
	Driver string
	Path   string
}

// DefaultConfig returns default database configuration
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		Driver: DriverCGO,
		Path:   filepath.Join(homeDir, ".cloudauditor", "cloudauditor.db"),
	}
}

// Open creates the database file if needed and applies the schema
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverCGO
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		driver: cfg.Driver,
		log:    logger.New("database").WithFields(logger.String("path", cfg.Path)),
	}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	db.log.Debug("database opened", logger.String("driver", cfg.Driver))
	return db, nil
}

// dataSource enables WAL and a busy timeout in each driver's DSN dialect
func dataSource(cfg Config) (string, error) {
	switch cfg.Driver {
	case DriverCGO:
		return cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", nil
	case DriverPure:
		return cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		arn TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		region TEXT NOT NULL,
		account_id TEXT NOT NULL,
		name TEXT,
		tags TEXT,
		configuration TEXT,
		relationships TEXT,
		source TEXT,
		created_at TEXT,
		last_modified TEXT,
		discovered_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL,
		UNIQUE(arn, resource_type, region, account_id)
	);
	CREATE INDEX IF NOT EXISTS idx_resources_account ON resources(account_id);
	CREATE INDEX IF NOT EXISTS idx_resources_type ON resources(resource_type);
	CREATE INDEX IF NOT EXISTS idx_resources_region ON resources(region);

	CREATE TABLE IF NOT EXISTS discovery_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		account_id TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL,
		total_resources INTEGER DEFAULT 0,
		resource_types INTEGER DEFAULT 0,
		errors TEXT,
		duration_seconds REAL
	);
	CREATE INDEX IF NOT EXISTS idx_discovery_runs_started ON discovery_runs(started_at);

	CREATE TABLE IF NOT EXISTS monitored_accounts (
		account_id TEXT PRIMARY KEY,
		account_name TEXT,
		role_arn TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT,
		last_verified_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS iam_entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		arn TEXT,
		entity_id TEXT,
		path TEXT,
		created_at TEXT,
		last_seen_at TEXT NOT NULL,
		UNIQUE(account_id, kind, name)
	);

	CREATE TABLE IF NOT EXISTS instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		region TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		instance_type TEXT,
		state TEXT,
		private_ip TEXT,
		launch_time TEXT,
		tags TEXT,
		last_seen_at TEXT NOT NULL,
		UNIQUE(account_id, region, instance_id)
	);
	`

	_, err := db.conn.ExecContext(ctx, schema)
	return err
}

// Driver returns the database/sql driver name in use
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Stats returns row counts per table
func (db *DB) Stats(ctx context.Context) (map[string]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	stats := make(map[string]int)
	for _, table := range []string{"resources", "discovery_runs", "monitored_accounts", "iam_entities", "instances"} {
		var n int
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}

// CleanupRuns removes run history older than retention
func (db *DB) CleanupRuns(ctx context.Context, retention time.Duration) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-retention))
	res, err := db.conn.ExecContext(ctx, "DELETE FROM discovery_runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up runs: %w", err)
	}
	return res.RowsAffected()
}

// timeLayout is fixed-width UTC so stored timestamps sort lexically and both
// drivers read them back identically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
