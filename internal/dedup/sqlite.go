package dedup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteTracker stores delivered ids in a SQLite database.
type SQLiteTracker struct {
	db      *sqlx.DB
	created bool
}

// NewSQLiteTracker opens (or creates) the database at dbPath, enables WAL
// mode and applies pending migrations. ":memory:" is accepted for tests.
func NewSQLiteTracker(dbPath string) (*SQLiteTracker, error) {
	created := dbPath == ":memory:"
	if !created {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create tracker dir: %w", err)
		}
		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			created = true
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	t := &SQLiteTracker{db: db, created: created}
	if err := t.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return t, nil
}

func (t *SQLiteTracker) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := t.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		if err := t.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := t.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (t *SQLiteTracker) IsDelivered(ctx context.Context, id string) (bool, error) {
	var n int
	if err := t.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM delivered WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("checking delivered %s: %w", id, err)
	}
	return n > 0, nil
}

func (t *SQLiteTracker) RecordDelivered(ctx context.Context, id string) error {
	_, err := t.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO delivered (id, delivered_at) VALUES (?, ?)",
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording delivered %s: %w", id, err)
	}
	return nil
}

func (t *SQLiteTracker) Reset(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, "DELETE FROM delivered"); err != nil {
		return fmt.Errorf("clearing delivered: %w", err)
	}
	return nil
}

func (t *SQLiteTracker) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM delivered"); err != nil {
		return 0, fmt.Errorf("counting delivered: %w", err)
	}
	return n, nil
}

func (t *SQLiteTracker) Created() bool { return t.created }

// Close closes the underlying database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
