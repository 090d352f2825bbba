package security

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// ClientLimiter applies an independent token bucket to each client.
type ClientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewClientLimiter creates a limiter allowing perSecond sustained requests
// and burst requests at once for every client. perSecond <= 0 disables limiting.
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether client may issue one more request now.
func (c *ClientLimiter) Allow(client string) bool {
	c.mu.Lock()
	l, ok := c.limiters[client]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[client] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

// Forget drops the state kept for client.
func (c *ClientLimiter) Forget(client string) {
	c.mu.Lock()
	delete(c.limiters, client)
	c.mu.Unlock()
}

// Tracked returns the number of clients with limiter state.
func (c *ClientLimiter) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.limiters)
}

// ConnectionLimiter limits the number of concurrent connections.
type ConnectionLimiter struct {
	mu      sync.Mutex
	current int
	max     int
}

// NewConnectionLimiter creates a new connection limiter. max <= 0 means unlimited.
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{max: max}
}

// Acquire attempts to acquire a connection slot.
func (cl *ConnectionLimiter) Acquire() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max > 0 && cl.current >= cl.max {
		return false
	}
	cl.current++
	return true
}

// Release releases a connection slot.
func (cl *ConnectionLimiter) Release() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current > 0 {
		cl.current--
	}
}

// Current returns the current number of connections.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.current
}
