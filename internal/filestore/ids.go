package filestore

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDPrefix starts every file ID.
const IDPrefix = "file-"

// IDGenerator issues file IDs. IDs must not repeat within a process;
// cross-process uniqueness is enforced by the store's primary key.
type IDGenerator interface {
	NewID() string
}

// sequenced generators embed a counter the store indexes.
type sequenced interface {
	SequenceOf(id string) int64
	Reseed(min int64)
}

// UUIDGenerator issues file-<uuid> IDs.
type UUIDGenerator struct{}

// NewID implements IDGenerator.
func (UUIDGenerator) NewID() string {
	return IDPrefix + uuid.NewString()
}

// SequenceGenerator issues file-001, file-002, ...
type SequenceGenerator struct {
	last atomic.Int64
}

// NewSequenceGenerator continues after start.
func NewSequenceGenerator(start int64) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.last.Store(start)
	return g
}

// NewID implements IDGenerator.
func (g *SequenceGenerator) NewID() string {
	return fmt.Sprintf("%s%03d", IDPrefix, g.last.Add(1))
}

// SequenceOf extracts the counter from an ID this generator issued.
func (g *SequenceGenerator) SequenceOf(id string) int64 {
	n, err := strconv.ParseInt(strings.TrimPrefix(id, IDPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Reseed moves the counter forward to at least min.
func (g *SequenceGenerator) Reseed(min int64) {
	for {
		cur := g.last.Load()
		if cur >= min || g.last.CompareAndSwap(cur, min) {
			return
		}
	}
}
