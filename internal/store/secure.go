package store

// Security model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Integrity: every files and modules row carries an HMAC over its fields
//  3. Immutability: file rows are insert-only

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"time"
)

// MinHMACKeySize is the smallest accepted row HMAC key.
const MinHMACKeySize = 32

// SecureStore wraps Store with per-row integrity verification.
type SecureStore struct {
	*Store
	hmacKey []byte
}

// OpenSecure opens or creates a secure SQLite database.
// The hmacKey should be derived from the master key.
func OpenSecure(path string, hmacKey []byte) (*SecureStore, error) {
	if len(hmacKey) < MinHMACKeySize {
		return nil, fmt.Errorf("HMAC key must be at least %d bytes", MinHMACKeySize)
	}
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &SecureStore{Store: s, hmacKey: append([]byte(nil), hmacKey...)}, nil
}

// InsertFile stores rec. A colliding ID or sequence returns ErrDuplicateID
// and leaves the existing row untouched.
func (s *SecureStore) InsertFile(ctx context.Context, rec *FileRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	mac := s.fileHMAC(rec)

	var seq any
	if rec.Seq > 0 {
		seq = rec.Seq
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, seq, locator, size, compression, digest, content, created_at, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, seq, rec.Locator, rec.Size, rec.Compression, rec.Digest[:], rec.Content, rec.CreatedAt.UnixNano(), mac,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFile loads a record and checks its HMAC. A record that fails the
// check is returned together with ErrTampered.
func (s *SecureStore) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	var (
		rec       FileRecord
		seq       sql.NullInt64
		digest    []byte
		createdNs int64
		stored    []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seq, locator, size, compression, digest, content, created_at, hmac
		FROM files WHERE id = ?`, id).
		Scan(&rec.ID, &seq, &rec.Locator, &rec.Size, &rec.Compression, &digest, &rec.Content, &createdNs, &stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	rec.Seq = seq.Int64
	copy(rec.Digest[:], digest)
	rec.CreatedAt = time.Unix(0, createdNs)

	if len(digest) != len(rec.Digest) || !hmac.Equal(stored, s.fileHMAC(&rec)) {
		return &rec, fmt.Errorf("%w: file %s", ErrTampered, id)
	}
	return &rec, nil
}

// SetModule records the enable flag of pkg.
func (s *SecureStore) SetModule(ctx context.Context, pkg string, enabled bool) error {
	now := time.Now()
	rec := ModuleRecord{Package: pkg, Enabled: enabled, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modules (package, enabled, updated_at, hmac) VALUES (?, ?, ?, ?)
		ON CONFLICT(package) DO UPDATE SET enabled = excluded.enabled,
			updated_at = excluded.updated_at, hmac = excluded.hmac`,
		pkg, enabled, now.UnixNano(), s.moduleHMAC(&rec),
	)
	if err != nil {
		return fmt.Errorf("set module: %w", err)
	}
	return nil
}

// Modules returns every persisted module. Rows that fail the HMAC check
// are skipped and reported through the tampered slice.
func (s *SecureStore) Modules(ctx context.Context) (mods []ModuleRecord, tampered []string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT package, enabled, updated_at, hmac FROM modules ORDER BY package`)
	if err != nil {
		return nil, nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec ModuleRecord
		var updatedNs int64
		var stored []byte
		if err := rows.Scan(&rec.Package, &rec.Enabled, &updatedNs, &stored); err != nil {
			return nil, nil, fmt.Errorf("scan module: %w", err)
		}
		rec.UpdatedAt = time.Unix(0, updatedNs)
		if !hmac.Equal(stored, s.moduleHMAC(&rec)) {
			tampered = append(tampered, rec.Package)
			continue
		}
		mods = append(mods, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate modules: %w", err)
	}
	return mods, tampered, nil
}

func (s *SecureStore) fileHMAC(rec *FileRecord) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte("auradrive-file-v1"))
	writeField(h, []byte(rec.ID))
	writeInt(h, rec.Seq)
	writeField(h, []byte(rec.Locator))
	writeInt(h, rec.Size)
	writeInt(h, int64(rec.Compression))
	writeField(h, rec.Digest[:])
	writeField(h, rec.Content)
	writeInt(h, rec.CreatedAt.UnixNano())
	return h.Sum(nil)
}

func (s *SecureStore) moduleHMAC(rec *ModuleRecord) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte("auradrive-module-v1"))
	writeField(h, []byte(rec.Package))
	if rec.Enabled {
		writeInt(h, 1)
	} else {
		writeInt(h, 0)
	}
	writeInt(h, rec.UpdatedAt.UnixNano())
	return h.Sum(nil)
}

// writeField length-prefixes b so adjacent fields cannot be shifted.
func writeField(h hash.Hash, b []byte) {
	writeInt(h, int64(len(b)))
	h.Write(b)
}

func writeInt(h hash.Hash, n int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}
