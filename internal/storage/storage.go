// Package storage provides persistent storage using SQLite: the user
// directory, the purchase log and the reconciliation ledger.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DatabaseFile is the SQLite file name inside the data directory.
const DatabaseFile = "custodian.db"

// Storage provides persistent storage for the custodian.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Users and their payout / payment linkage
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,

		-- Where purchased BTC is sent
		btc_receive_address TEXT NOT NULL DEFAULT '',

		-- Payment provider linkage (empty until linked)
		payment_access_token TEXT NOT NULL DEFAULT '',
		payment_item_id TEXT NOT NULL DEFAULT '',

		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

	-- Purchase log, one row per settlement attempt
	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',

		amount_usd REAL NOT NULL,
		amount_btc REAL,
		price REAL,
		fee_sats INTEGER,

		transfer_id TEXT,
		txid TEXT,

		error_code TEXT,
		error_message TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		completed_at INTEGER,

		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_purchases_status ON purchases(status);

	-- Debits that were not followed by a BTC payout
	CREATE TABLE IF NOT EXISTS reconciliations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		purchase_id TEXT,
		transfer_id TEXT,

		amount_usd REAL NOT NULL,
		amount_btc REAL NOT NULL,
		price REAL NOT NULL,

		error_code TEXT NOT NULL,
		reason TEXT,

		status TEXT NOT NULL DEFAULT 'open',
		resolution TEXT,

		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliations_status ON reconciliations(status, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reconciliations_transfer ON reconciliations(transfer_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reconciliations_purchase ON reconciliations(purchase_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// nullString stores an empty string as NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// unixPtr converts a nullable unix timestamp column.
func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
