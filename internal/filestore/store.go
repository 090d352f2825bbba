// Package filestore implements the secure file store: content is read
// from a locator, fingerprinted, compressed and kept in the service
// database until it is exported again.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"auradrive/internal/logging"
	"auradrive/internal/store"
)

// Errors returned by Store. The service surface collapses them into
// empty or false results.
var (
	ErrAccessDenied      = errors.New("access denied")
	ErrIOFailure         = errors.New("i/o failure")
	ErrTooLarge          = fmt.Errorf("%w: content exceeds size limit", ErrIOFailure)
	ErrStorage           = errors.New("storage failure")
	ErrNotFound          = errors.New("file not found")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// ID schemes.
const (
	SchemeUUID     = "uuid"
	SchemeSequence = "sequence"
)

const maxIDAttempts = 8

// Store coordinates content access, digests, compression and persistence.
// Imports run concurrently; nothing here serializes unrelated IDs.
type Store struct {
	db       *store.SecureStore
	reader   ContentReader
	writer   ContentWriter
	verifier Verifier
	log      *logging.Logger

	compression atomic.Uint32
	ids         atomic.Value // idHolder

	seqMu  sync.Mutex
	seqGen *SequenceGenerator
}

type idHolder struct{ gen IDGenerator }

// New creates a Store. The default scheme is uuid with no compression.
func New(db *store.SecureStore, reader ContentReader, writer ContentWriter, verifier Verifier, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Discard()
	}
	s := &Store{
		db:       db,
		reader:   reader,
		writer:   writer,
		verifier: verifier,
		log:      log.WithComponent("filestore"),
	}
	s.ids.Store(idHolder{UUIDGenerator{}})
	return s
}

// SetCompression selects the codec for future imports.
func (s *Store) SetCompression(c store.Compression) {
	s.compression.Store(uint32(c))
}

// Compression returns the codec used for new imports.
func (s *Store) Compression() store.Compression {
	return store.Compression(s.compression.Load())
}

// SetIDGenerator replaces the generator for future imports.
func (s *Store) SetIDGenerator(g IDGenerator) {
	s.ids.Store(idHolder{g})
}

// PrepareIDScheme readies scheme without switching to it. For sequence
// IDs this seeds the generator from the highest stored sequence; a failed
// seed is retried on the next call.
func (s *Store) PrepareIDScheme(ctx context.Context, scheme string) error {
	switch scheme {
	case SchemeUUID:
		return nil
	case SchemeSequence:
		_, err := s.sequence(ctx)
		return err
	default:
		return fmt.Errorf("unknown id scheme %q", scheme)
	}
}

// SetIDScheme switches between uuid and sequence IDs.
func (s *Store) SetIDScheme(ctx context.Context, scheme string) error {
	if err := s.PrepareIDScheme(ctx, scheme); err != nil {
		return err
	}
	if scheme == SchemeUUID {
		s.SetIDGenerator(UUIDGenerator{})
		return nil
	}
	gen, err := s.sequence(ctx)
	if err != nil {
		return err
	}
	s.SetIDGenerator(gen)
	return nil
}

func (s *Store) sequence(ctx context.Context) (*SequenceGenerator, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.seqGen != nil {
		return s.seqGen, nil
	}
	last, err := s.db.MaxSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.seqGen = NewSequenceGenerator(last)
	return s.seqGen, nil
}

func (s *Store) generator() IDGenerator {
	return s.ids.Load().(idHolder).gen
}

// Import reads locator, records its digest and stores it under a fresh ID.
func (s *Store) Import(ctx context.Context, locator string) (string, error) {
	data, err := s.reader.Read(ctx, locator)
	if err != nil {
		if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrIOFailure) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	digest := s.verifier.Digest(data)
	stored, tag, err := compress(data, s.Compression())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	now := time.Now()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		gen := s.generator()
		rec := &store.FileRecord{
			ID:          gen.NewID(),
			Locator:     locator,
			Size:        int64(len(data)),
			Compression: tag,
			Digest:      digest,
			Content:     stored,
			CreatedAt:   now,
		}
		sq, isSeq := gen.(sequenced)
		if isSeq {
			rec.Seq = sq.SequenceOf(rec.ID)
		}

		err := s.db.InsertFile(ctx, rec)
		if err == nil {
			s.log.Debug("file imported",
				"file_id", rec.ID,
				"size", rec.Size,
				"stored", len(stored),
				"compression", tag.String(),
			)
			return rec.ID, nil
		}
		if !errors.Is(err, store.ErrDuplicateID) {
			return "", fmt.Errorf("%w: %v", ErrStorage, err)
		}

		// Another process or a restored backup holds this ID.
		s.log.Debug("file id collision, retrying", "file_id", rec.ID, "attempt", attempt+1)
		if isSeq {
			if highest, err := s.db.MaxSequence(ctx); err == nil {
				sq.Reseed(highest)
			}
		}
	}
	return "", fmt.Errorf("%w: no unique id after %d attempts", ErrStorage, maxIDAttempts)
}

// load fetches id and returns its verified, uncompressed content.
func (s *Store) load(ctx context.Context, id string) ([]byte, error) {
	rec, err := s.db.GetFile(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, store.ErrTampered):
		return nil, fmt.Errorf("%w: %s: record modified outside the store", ErrIntegrityMismatch, id)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	data, err := decompress(rec.Content, rec.Compression, rec.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIntegrityMismatch, id, err)
	}
	if !s.verifier.Digest(data).Equal(Digest(rec.Digest)) {
		return nil, fmt.Errorf("%w: %s: digest differs", ErrIntegrityMismatch, id)
	}
	return data, nil
}

// Export writes the content of id to dest after re-verifying it. On a
// mismatch nothing is written.
func (s *Store) Export(ctx context.Context, id, dest string) error {
	data, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return s.writer.Write(ctx, dest, data)
}

// Verify recomputes the digest of id. It never modifies the record.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	if _, err := s.load(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// VerifyResult summarises VerifyAll.
type VerifyResult struct {
	Checked int      `json:"checked"`
	Failed  []string `json:"failed"`
}

// VerifyAll verifies every stored file.
func (s *Store) VerifyAll(ctx context.Context) (*VerifyResult, error) {
	files, err := s.db.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	res := &VerifyResult{Failed: []string{}}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Checked++
		if _, err := s.load(ctx, f.ID); err != nil {
			if errors.Is(err, ErrIntegrityMismatch) {
				res.Failed = append(res.Failed, f.ID)
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
	}
	return res, nil
}

// Summary describes a stored file without its content.
type Summary struct {
	ID          string    `json:"id"`
	Locator     string    `json:"locator"`
	Size        int64     `json:"size"`
	StoredSize  int64     `json:"stored_size"`
	Compression string    `json:"compression"`
	Digest      string    `json:"digest"`
	CreatedAt   time.Time `json:"created_at"`
}

// List returns up to limit summaries, oldest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	files, err := s.db.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	out := make([]Summary, 0, len(files))
	for _, f := range files {
		out = append(out, Summary{
			ID:          f.ID,
			Locator:     f.Locator,
			Size:        f.Size,
			StoredSize:  f.StoredSize,
			Compression: f.Compression.String(),
			Digest:      Digest(f.Digest).String(),
			CreatedAt:   f.CreatedAt,
		})
	}
	return out, nil
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	return s.db.GetStats(ctx)
}
