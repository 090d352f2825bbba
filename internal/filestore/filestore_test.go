package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auradrive/internal/store"
)

type fixture struct {
	fs         *Store
	db         *store.SecureStore
	contentDir string
	outsideDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	contentDir := filepath.Join(root, "content")
	require.NoError(t, os.MkdirAll(contentDir, 0700))
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(outside, 0700))

	db, err := store.OpenSecure(filepath.Join(root, "auradrive.db"), bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	verifier, err := NewBlake3Verifier(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	content := NewFSContent(NewResolver(contentDir, nil), func() int64 { return 1 << 20 })
	return &fixture{
		fs:         New(db, content, content, verifier, nil),
		db:         db,
		contentDir: contentDir,
		outsideDir: outside,
	}
}

func (f *fixture) write(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.contentDir, name), data, 0600))
}

func TestImportExportScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.fs.SetIDScheme(ctx, SchemeSequence))
	f.write(t, "doc1", []byte("hello aura"))

	id, err := f.fs.Import(ctx, "uri://doc1")
	require.NoError(t, err)
	assert.Equal(t, "file-001", id)

	require.NoError(t, f.fs.Export(ctx, "file-001", "uri://out"))
	out, err := os.ReadFile(filepath.Join(f.contentDir, "out"))
	require.NoError(t, err)
	assert.Equal(t, "hello aura", string(out))

	err = f.fs.Export(ctx, "missing-id", "uri://out2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(filepath.Join(f.contentDir, "out2"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestImportThenVerify(t *testing.T) {
	for _, comp := range []store.Compression{store.CompressionNone, store.CompressionLZ4, store.CompressionZstd} {
		t.Run(comp.String(), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.fs.SetCompression(comp)

			data := bytes.Repeat([]byte("compressible content "), 200)
			f.write(t, "big", data)

			id, err := f.fs.Import(ctx, "uri://big")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(id, IDPrefix))

			ok, err := f.fs.Verify(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			files, err := f.fs.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.Equal(t, comp.String(), files[0].Compression)
			if comp != store.CompressionNone {
				assert.Less(t, files[0].StoredSize, files[0].Size)
			}
		})
	}
}

func TestIncompressibleStoredRaw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fs.SetCompression(store.CompressionZstd)
	f.write(t, "tiny", []byte("x"))

	id, err := f.fs.Import(ctx, "uri://tiny")
	require.NoError(t, err)
	files, err := f.fs.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "none", files[0].Compression)

	ok, err := f.fs.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRoundTripDigestsEqual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fs.SetCompression(store.CompressionLZ4)
	f.write(t, "src", []byte("round trip payload"))

	id1, err := f.fs.Import(ctx, "uri://src")
	require.NoError(t, err)
	require.NoError(t, f.fs.Export(ctx, id1, "uri://exported/copy"))
	id2, err := f.fs.Import(ctx, "uri://exported/copy")
	require.NoError(t, err)

	files, err := f.fs.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, files[0].Digest, files[1].Digest)
	assert.NotEqual(t, id1, id2)
}

func TestListOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.fs.SetIDScheme(ctx, SchemeSequence))
	f.write(t, "doc", []byte("listed"))

	for i := 0; i < 3; i++ {
		_, err := f.fs.Import(ctx, "uri://doc")
		require.NoError(t, err)
	}

	files, err := f.fs.List(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(files))
	for _, s := range files {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"file-001", "file-002", "file-003"}, ids)

	files, err = f.fs.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "file-001", files[0].ID)
}

func TestVerifyUnknownID(t *testing.T) {
	f := newFixture(t)
	ok, err := f.fs.Verify(context.Background(), "nope")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDigestMismatchFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A row with a valid HMAC but a digest that does not match its content.
	rec := &store.FileRecord{
		ID:      "file-bad",
		Locator: "uri://bad",
		Size:    4,
		Digest:  [32]byte{1, 2, 3},
		Content: []byte("data"),
	}
	require.NoError(t, f.db.InsertFile(ctx, rec))

	ok, err := f.fs.Verify(ctx, "file-bad")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	err = f.fs.Export(ctx, "file-bad", "uri://bad-out")
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
	_, statErr := os.Stat(filepath.Join(f.contentDir, "bad-out"))
	assert.True(t, os.IsNotExist(statErr), "nothing may be written on mismatch")

	res, err := f.fs.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, []string{"file-bad"}, res.Failed)
}

func TestTamperedRowIsIntegrityMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "doc", []byte("original"))
	id, err := f.fs.Import(ctx, "uri://doc")
	require.NoError(t, err)

	_, err = f.db.DB().Exec(`UPDATE files SET locator = 'uri://evil' WHERE id = ?`, id)
	require.NoError(t, err)

	ok, err := f.fs.Verify(ctx, id)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestImportFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(f.outsideDir, "secret"), []byte("s"), 0600))

	tests := []struct {
		name    string
		locator string
		want    error
	}{
		{"missing file", "uri://does-not-exist", ErrIOFailure},
		{"traversal", "uri://../outside/secret", ErrAccessDenied},
		{"outside roots", filepath.Join(f.outsideDir, "secret"), ErrAccessDenied},
		{"outside roots file scheme", "file://" + filepath.Join(f.outsideDir, "secret"), ErrAccessDenied},
		{"relative path", "relative/path", ErrAccessDenied},
		{"unknown scheme", "http://example.com/x", ErrAccessDenied},
		{"directory", "uri://", ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := f.fs.Import(ctx, tt.locator)
			assert.Empty(t, id)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	n, err := f.db.CountFiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportTooLarge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "huge", make([]byte, (1<<20)+1))

	_, err := f.fs.Import(ctx, "uri://huge")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.ErrorIs(t, err, ErrIOFailure)
}

func TestImportViaAbsoluteAndFileLocators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "abs", []byte("abs"))
	path := filepath.Join(f.contentDir, "abs")

	_, err := f.fs.Import(ctx, path)
	require.NoError(t, err)
	_, err = f.fs.Import(ctx, "file://"+path)
	require.NoError(t, err)
}

type fixedIDs struct {
	ids []string
	mu  sync.Mutex
}

func (g *fixedIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.ids[0]
	if len(g.ids) > 1 {
		g.ids = g.ids[1:]
	}
	return id
}

func TestIDCollisionRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a", []byte("a"))

	f.fs.SetIDGenerator(&fixedIDs{ids: []string{"file-x", "file-x", "file-y"}})
	id1, err := f.fs.Import(ctx, "uri://a")
	require.NoError(t, err)
	id2, err := f.fs.Import(ctx, "uri://a")
	require.NoError(t, err)
	assert.Equal(t, "file-x", id1)
	assert.Equal(t, "file-y", id2)

	// A generator stuck on one ID exhausts its attempts.
	f.fs.SetIDGenerator(&fixedIDs{ids: []string{"file-x"}})
	_, err = f.fs.Import(ctx, "uri://a")
	assert.ErrorIs(t, err, ErrStorage)
}

func TestSequenceSeededFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a", []byte("a"))

	rec := &store.FileRecord{ID: "file-041", Seq: 41, Locator: "uri://a", Size: 1, Content: []byte("a")}
	require.NoError(t, f.db.InsertFile(ctx, rec))

	require.NoError(t, f.fs.SetIDScheme(ctx, SchemeSequence))
	id, err := f.fs.Import(ctx, "uri://a")
	require.NoError(t, err)
	assert.Equal(t, "file-042", id)

	require.NoError(t, f.fs.SetIDScheme(ctx, SchemeUUID))
	id, err = f.fs.Import(ctx, "uri://a")
	require.NoError(t, err)
	assert.Len(t, id, len(IDPrefix)+36)

	require.Error(t, f.fs.SetIDScheme(ctx, "random"))
}

func TestConcurrentImportsUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.fs.SetIDScheme(ctx, SchemeSequence))
	for i := 0; i < 10; i++ {
		f.write(t, fmt.Sprintf("doc%d", i), []byte(fmt.Sprintf("payload %d", i)))
	}

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := f.fs.Import(ctx, fmt.Sprintf("uri://doc%d", n))
			if assert.NoError(t, err) {
				ids <- id
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		ok, err := f.fs.Verify(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, seen, 10)
}

func TestExportToDeniedDestination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a", []byte("a"))
	id, err := f.fs.Import(ctx, "uri://a")
	require.NoError(t, err)

	err = f.fs.Export(ctx, id, filepath.Join(f.outsideDir, "copy"))
	assert.True(t, errors.Is(err, ErrAccessDenied))
}

func TestBlake3VerifierKeyed(t *testing.T) {
	_, err := NewBlake3Verifier([]byte("short"))
	require.Error(t, err)

	a, err := NewBlake3Verifier(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	b, err := NewBlake3Verifier(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)

	data := []byte("same content")
	assert.True(t, a.Digest(data).Equal(a.Digest(data)))
	assert.False(t, a.Digest(data).Equal(b.Digest(data)))
	assert.Len(t, a.Digest(data).String(), 64)
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]store.Compression{
		"none": store.CompressionNone, "": store.CompressionNone,
		"lz4": store.CompressionLZ4, "zstd": store.CompressionZstd,
	} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("gzip")
	assert.Error(t, err)
}

func TestDecompressSizeMismatch(t *testing.T) {
	_, err := decompress([]byte("abc"), store.CompressionNone, 4)
	assert.Error(t, err)
	_, err = decompress([]byte("abc"), store.Compression(7), 3)
	assert.Error(t, err)
}
