// Package store provides SQLite-backed persistence for auradrive file
// records and module state.
package store

import "time"

// Compression identifies how a record's content is stored at rest.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// FileRecord is one imported file. Records are immutable once inserted.
type FileRecord struct {
	ID      string
	Seq     int64 // >0 only for sequence-scheme IDs
	Locator string

	// Size is the uncompressed content length.
	Size        int64
	Compression Compression
	Digest      [32]byte
	Content     []byte // as stored, possibly compressed
	CreatedAt   time.Time
}

// FileInfo is a FileRecord without its content.
type FileInfo struct {
	ID          string
	Locator     string
	Size        int64
	StoredSize  int64
	Compression Compression
	Digest      [32]byte
	CreatedAt   time.Time
}

// ModuleRecord is the persisted enable flag of one module package.
type ModuleRecord struct {
	Package   string
	Enabled   bool
	UpdatedAt time.Time
}

// Stats summarises the store contents.
type Stats struct {
	FileCount    int64
	StoredBytes  int64
	ContentBytes int64
	ModuleCount  int64
	EnabledCount int64
	Oldest       time.Time
	Newest       time.Time
}
