package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store errors.
var (
	ErrNotFound    = errors.New("store: record not found")
	ErrDuplicateID = errors.New("store: duplicate id")
	ErrTampered    = errors.New("store: record HMAC mismatch")
)

// Store is the SQLite database holding files and modules.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the handle for migrations tooling and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MaxSequence returns the highest sequence number in use, or 0.
func (s *Store) MaxSequence(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return n, nil
}

// ListFiles returns metadata for every file, oldest first.
func (s *Store) ListFiles(ctx context.Context) ([]FileInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, locator, size, length(content), compression, digest, created_at
		FROM files ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		var fi FileInfo
		var digest []byte
		var createdNs int64
		if err := rows.Scan(&fi.ID, &fi.Locator, &fi.Size, &fi.StoredSize, &fi.Compression, &digest, &createdNs); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		copy(fi.Digest[:], digest)
		fi.CreatedAt = time.Unix(0, createdNs)
		out = append(out, fi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}

// CountFiles returns the number of stored files.
func (s *Store) CountFiles(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&n)
	return n, err
}

// GetStats returns database statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(length(content)), 0), COALESCE(SUM(size), 0),
		       MIN(created_at), MAX(created_at)
		FROM files`).Scan(&stats.FileCount, &stats.StoredBytes, &stats.ContentBytes, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("file stats: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = time.Unix(0, oldest.Int64)
		stats.Newest = time.Unix(0, newest.Int64)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(enabled), 0) FROM modules`).
		Scan(&stats.ModuleCount, &stats.EnabledCount)
	if err != nil {
		return nil, fmt.Errorf("module stats: %w", err)
	}
	return stats, nil
}

// isConstraintViolation reports a primary key or unique index collision.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
