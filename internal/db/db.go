package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// memoryPath opens a private in-memory ledger
const memoryPath = ":memory:"

// Setting keys
const (
	SettingLastBatchAt  = "last_batch_at"
	SettingLastBatchDir = "last_batch_dir"
)

// ErrNotFound is returned when a verification id is not in the ledger
var ErrNotFound = errors.New("verification not found")

// DB is the verification ledger
type DB struct {
	*sql.DB
}

// Open opens the ledger at dbPath, creating the file, its directory and the
// schema as needed
func Open(dbPath string) (*DB, error) {
	if dbPath != memoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	// Times are written as "2006-01-02 15:04:05.999999999-07:00" so that
	// created_at compares correctly as text in retention deletes
	sqlDB, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// One connection: writers never contend, and :memory: stays one database
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	ledger := &DB{sqlDB}
	if _, err := ledger.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return ledger, nil
}

// Close closes the ledger
func (db *DB) Close() error {
	return db.DB.Close()
}

// GetSetting returns the value stored under key, or "" when unset
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting stores value under key, replacing any earlier value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}
	return nil
}
