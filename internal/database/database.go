package database

import (
	"database/sql"
	"fmt"
	"os"

	"wagate/internal/migrations"
	"wagate/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable store for queue records, contacts, messages and
// webhook logs. All mutation is "reload row, mutate, write back"; the
// idempotency checks in the dispatch pipeline make that safe.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		closeAndWrap(db, &err, "failed to ping database")
		return nil, err
	}

	if _, err := db.Exec(migrations.GetInitialSchema()); err != nil {
		closeAndWrap(db, &err, "failed to initialize schema")
		return nil, err
	}

	enc, err := newEncryptor()
	if err != nil {
		closeAndWrap(db, &err, "failed to initialize encryptor")
		return nil, err
	}

	return &Database{db: db, encryptor: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports store reachability for health checks.
func (d *Database) Ping() error {
	return d.db.Ping()
}

func closeAndWrap(db *sql.DB, err *error, msg string) {
	if closeErr := db.Close(); closeErr != nil {
		*err = fmt.Errorf("%s: %w (close error: %v)", msg, *err, closeErr)
		return
	}
	*err = fmt.Errorf("%s: %w", msg, *err)
}
