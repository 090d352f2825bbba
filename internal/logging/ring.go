package logging

import (
	"strings"
	"sync"
)

// Ring keeps the most recent log lines in memory. slog handlers issue one
// Write per record, so every entry in the ring is one record.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRing creates a ring holding up to size lines.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{lines: make([]string, size)}
}

// Write implements io.Writer.
func (r *Ring) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")

	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	return len(p), nil
}

// Len returns the number of lines currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}

// Last returns up to n of the newest lines, oldest first. n <= 0 returns all.
func (r *Ring) Last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	start := 0
	if r.full {
		count = len(r.lines)
		start = r.next
	}
	if n > 0 && n < count {
		start = (start + count - n) % len(r.lines)
		count = n
	}

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
