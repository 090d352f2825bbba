package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func openTest(t *testing.T) *SecureStore {
	t.Helper()
	s, err := OpenSecure(filepath.Join(t.TempDir(), "test.db"), testKey)
	if err != nil {
		t.Fatalf("OpenSecure failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string) *FileRecord {
	return &FileRecord{
		ID:          id,
		Locator:     "uri://" + id,
		Size:        5,
		Compression: CompressionNone,
		Digest:      [32]byte{0xde, 0xad},
		Content:     []byte("hello"),
	}
}

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("database mode %o, expected 0600", info.Mode().Perm())
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("schema invalid: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestOpenSecureShortKey(t *testing.T) {
	if _, err := OpenSecure(filepath.Join(t.TempDir(), "x.db"), []byte("short")); err == nil {
		t.Error("expected error for short HMAC key")
	}
}

func TestInsertAndGetFile(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	rec := sampleRecord("file-a")
	if err := s.InsertFile(ctx, rec); err != nil {
		t.Fatalf("InsertFile failed: %v", err)
	}

	got, err := s.GetFile(ctx, "file-a")
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.Locator != rec.Locator || got.Size != rec.Size || got.Digest != rec.Digest {
		t.Errorf("record mismatch: %+v", got)
	}
	if !bytes.Equal(got.Content, rec.Content) {
		t.Errorf("content mismatch: %q", got.Content)
	}
	if got.CreatedAt.UnixNano() != rec.CreatedAt.UnixNano() {
		t.Errorf("created_at mismatch")
	}
}

func TestGetFileNotFound(t *testing.T) {
	s := openTest(t)
	_, err := s.GetFile(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertDuplicateID(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.InsertFile(ctx, sampleRecord("dup")); err != nil {
		t.Fatal(err)
	}
	second := sampleRecord("dup")
	second.Content = []byte("other")
	if err := s.InsertFile(ctx, second); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	got, err := s.GetFile(ctx, "dup")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Content) != "hello" {
		t.Errorf("original row overwritten: %q", got.Content)
	}
}

func TestSequenceUniqueAndMax(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	n, err := s.MaxSequence(ctx)
	if err != nil || n != 0 {
		t.Fatalf("MaxSequence on empty store = %d, %v", n, err)
	}

	a := sampleRecord("file-001")
	a.Seq = 1
	if err := s.InsertFile(ctx, a); err != nil {
		t.Fatal(err)
	}
	b := sampleRecord("file-001-again")
	b.Seq = 1
	if err := s.InsertFile(ctx, b); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected sequence collision, got %v", err)
	}
	c := sampleRecord("file-007")
	c.Seq = 7
	if err := s.InsertFile(ctx, c); err != nil {
		t.Fatal(err)
	}
	// uuid-scheme rows have no sequence.
	if err := s.InsertFile(ctx, sampleRecord("file-uuid")); err != nil {
		t.Fatal(err)
	}

	n, err = s.MaxSequence(ctx)
	if err != nil || n != 7 {
		t.Errorf("MaxSequence = %d, %v", n, err)
	}
}

func TestTamperedFileDetected(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.InsertFile(ctx, sampleRecord("file-t")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec(`UPDATE files SET content = ? WHERE id = ?`, []byte("HELLO"), "file-t"); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetFile(ctx, "file-t")
	if !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
	if rec == nil || rec.ID != "file-t" {
		t.Error("tampered record should still be returned for diagnostics")
	}

	report, err := s.VerifyAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() || len(report.TamperedFiles) != 1 || report.TamperedFiles[0] != "file-t" {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestWrongKeyDetectsAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSecure(path, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertFile(context.Background(), sampleRecord("f1")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	other, err := OpenSecure(path, bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, err := other.GetFile(context.Background(), "f1"); !errors.Is(err, ErrTampered) {
		t.Errorf("expected ErrTampered with wrong key, got %v", err)
	}
}

func TestListFilesAndStats(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := sampleRecord(fmt.Sprintf("file-%d", i))
		if err := s.InsertFile(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	files, err := s.ListFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(files))
	}
	if files[0].StoredSize != 5 || files[0].Size != 5 {
		t.Errorf("unexpected sizes: %+v", files[0])
	}

	if err := s.SetModule(ctx, "com.example.mod", true); err != nil {
		t.Fatal(err)
	}
	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FileCount != 3 || stats.StoredBytes != 15 || stats.ModuleCount != 1 || stats.EnabledCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Oldest.IsZero() || stats.Newest.Before(stats.Oldest) {
		t.Errorf("unexpected time range: %v .. %v", stats.Oldest, stats.Newest)
	}
}

func TestModules(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.SetModule(ctx, "b.mod", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetModule(ctx, "a.mod", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetModule(ctx, "b.mod", false); err != nil {
		t.Fatal(err)
	}

	mods, tampered, err := s.Modules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tampered) != 0 {
		t.Errorf("unexpected tampered rows: %v", tampered)
	}
	if len(mods) != 2 || mods[0].Package != "a.mod" || !mods[0].Enabled || mods[1].Enabled {
		t.Errorf("unexpected modules: %+v", mods)
	}

	if _, err := s.DB().Exec(`UPDATE modules SET enabled = 1 WHERE package = 'b.mod'`); err != nil {
		t.Fatal(err)
	}
	mods, tampered, err = s.Modules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 || len(tampered) != 1 || tampered[0] != "b.mod" {
		t.Errorf("tampered module not isolated: %+v %v", mods, tampered)
	}
}

func TestConcurrentInserts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- s.InsertFile(ctx, sampleRecord(fmt.Sprintf("c-%02d", n)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent insert: %v", err)
		}
	}

	n, err := s.CountFiles(ctx)
	if err != nil || n != 20 {
		t.Errorf("CountFiles = %d, %v", n, err)
	}
}

func TestMigrationStatusAndRollback(t *testing.T) {
	s := openTest(t)

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if status.CurrentVersion != len(migrations) || len(status.Pending) != 0 {
		t.Errorf("unexpected status: %+v", status)
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("modules table should be gone after rollback")
	}
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("schema invalid after re-migrate: %v", err)
	}
}

func TestCompressionString(t *testing.T) {
	tests := map[Compression]string{
		CompressionNone: "none",
		CompressionLZ4:  "lz4",
		CompressionZstd: "zstd",
		Compression(9):  "unknown",
	}
	for c, want := range tests {
		if c.String() != want {
			t.Errorf("%d.String() = %s", c, c.String())
		}
	}
}
