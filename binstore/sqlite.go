package binstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/migadu/sieve/logger"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sieve_binaries (
	location_hash TEXT PRIMARY KEY,
	location TEXT NOT NULL,
	data BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sieve_binaries_updated_at ON sieve_binaries(updated_at);
`

// SQLite keeps binaries in a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create binary store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open binary store DB: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization only.
		logger.Warn("Binary store: failed to enable WAL", "path", path, "error", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create binary store schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("binary store DB ping failed: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Backend() string { return "sqlite" }

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, location string) (data []byte, err error) {
	start := time.Now()
	defer func() { observe(s.Backend(), "get", start, err) }()
	err = s.db.QueryRowContext(ctx, `SELECT data FROM sieve_binaries WHERE location_hash = ?`, LocationHash(location)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query binary: %w", err)
	}
	return data, nil
}

func (s *SQLite) Put(ctx context.Context, location string, data []byte) (err error) {
	start := time.Now()
	defer func() { observe(s.Backend(), "put", start, err) }()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sieve_binaries (location_hash, location, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(location_hash) DO UPDATE SET location = excluded.location, data = excluded.data, updated_at = excluded.updated_at`,
		LocationHash(location), location, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store binary: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, location string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sieve_binaries WHERE location_hash = ?`, LocationHash(location)); err != nil {
		return fmt.Errorf("failed to delete binary: %w", err)
	}
	return nil
}

// Purge removes binaries not written since before. They are recompiled on
// next use.
func (s *SQLite) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sieve_binaries WHERE updated_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge binaries: %w", err)
	}
	return res.RowsAffected()
}

// Stats implements metrics.CacheStatsProvider.
func (s *SQLite) Stats() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sieve_binaries`).Scan(&n)
	return n, err
}
