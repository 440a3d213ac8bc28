// Package data persists comparison runs, tuning results and trained model
// artifacts in a local sqlite registry.
package data

import (
	"database/sql"
	"embed"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	DataFileName string = "churn.db"

	// SchemaVersion is the version recorded after ddl.sql is applied.
	SchemaVersion = 1

	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

var (
	//go:embed sql/*
	f embed.FS

	// ErrNotFound is returned when the registry has no matching entry.
	ErrNotFound = errors.New("not found in registry")

	errDBNotInitialized = errors.New("database not initialized")
)

// Init creates or migrates the database at the given path. It is safe to
// call on an existing database.
func Init(dbFilePath string) error {
	if dbFilePath == "" {
		return errors.New("dbFilePath not specified")
	}

	db, err := GetDB(dbFilePath)
	if err != nil {
		return errors.Wrapf(err, "error opening database: %s", dbFilePath)
	}
	defer db.Close()

	slog.Debug("applying db schema", "path", dbFilePath)
	b, err := f.ReadFile("sql/ddl.sql")
	if err != nil {
		return errors.Wrap(err, "failed to read the schema creation file")
	}
	if _, err := db.Exec(string(b)); err != nil {
		return errors.Wrapf(err, "failed to create database schema in: %s", dbFilePath)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return errors.Wrap(err, "failed to read schema version")
	}
	if current < SchemaVersion {
		if _, err := db.Exec("INSERT INTO schema_version (version, applied) VALUES (?, ?)",
			SchemaVersion, now()); err != nil {
			return errors.Wrap(err, "failed to record schema version")
		}
		slog.Debug("db schema migrated", "from", current, "to", SchemaVersion)
	}
	return nil
}

// GetDB opens the database with foreign keys enforced on every pooled
// connection.
func GetDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database: %s", path)
	}
	return conn, nil
}

func rollbackTransaction(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil {
		slog.Error("error rolling back transaction", "error", err)
	}
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		slog.Debug("invalid registry timestamp", "value", s, "error", err)
		return time.Time{}
	}
	return t
}
