package callback

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"auradrive/internal/logging"
)

// DefaultQueueSize is the per-handle queue length when none is configured.
const DefaultQueueSize = 256

// Reasons passed to OnDisconnected and to eviction hooks.
const (
	ReasonUnregistered = "unregistered"
	ReasonShutdown     = "service shutdown"
)

var (
	errQueueFull = errors.New("delivery queue full")
	errPanic     = errors.New("callback panicked")
)

// Observer receives delivery outcomes, e.g. for metrics.
type Observer interface {
	Delivered(k Kind)
	Failed(k Kind)
	Evicted(h Handle, cause error)
}

// Options configures a Registry.
type Options struct {
	QueueSize int
	Logger    *logging.Logger
	Observer  Observer
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Registered int    `json:"registered"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Evicted    uint64 `json:"evicted"`
	Dropped    uint64 `json:"dropped"`
}

type entry struct {
	handle Handle
	cb     Callback
	mask   EventMask // guarded by Registry.mu
	queue  chan Notification

	// prev is the done channel of an earlier entry for the same handle
	// that is still draining; the worker waits for it before delivering.
	prev <-chan struct{}
	done chan struct{}

	// finalReason is set before queue is closed; the worker sends it as
	// OnDisconnected after draining.
	finalReason string
	dead        atomic.Bool
	closeOnce   sync.Once
}

func (e *entry) close(reason string) {
	e.closeOnce.Do(func() {
		e.finalReason = reason
		close(e.queue)
	})
}

// Registry maps handles to callbacks. Each handle has its own bounded
// queue drained by one goroutine, which keeps per-handle order and
// isolates a slow or failing client from the others.
type Registry struct {
	mu      sync.RWMutex
	entries map[Handle]*entry
	// draining holds removed entries whose worker has not finished yet.
	draining map[Handle]*entry
	closed   bool

	queueSize atomic.Int64
	log       *logging.Logger
	observer  Observer
	workers   sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	evicted   atomic.Uint64
	dropped   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		entries:  make(map[Handle]*entry),
		draining: make(map[Handle]*entry),
		log:      opts.Logger,
		observer: opts.Observer,
	}
	if r.log == nil {
		r.log = logging.Discard()
	}
	r.log = r.log.WithComponent("callback")
	r.SetQueueSize(opts.QueueSize)
	return r
}

// SetQueueSize changes the queue length used for future registrations.
func (r *Registry) SetQueueSize(n int) {
	if n <= 0 {
		n = DefaultQueueSize
	}
	r.queueSize.Store(int64(n))
}

// Register adds cb under h with an empty mask and queues OnConnected.
// Registering a handle that is already present is a no-op. It returns
// false only after Close.
func (r *Registry) Register(h Handle, cb Callback) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if _, ok := r.entries[h]; ok {
		return true
	}

	e := &entry{
		handle: h,
		cb:     cb,
		queue:  make(chan Notification, r.queueSize.Load()),
		done:   make(chan struct{}),
	}
	if old, ok := r.draining[h]; ok {
		e.prev = old.done
	}
	e.queue <- Connected()
	r.entries[h] = e

	r.workers.Add(1)
	go r.run(e)

	r.log.Debug("callback registered", "handle", string(h))
	return true
}

// Unregister removes h. Notifications already queued are delivered, then
// OnDisconnected("unregistered"). Unknown handles are ignored.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	e, ok := r.entries[h]
	if ok {
		r.retire(e, ReasonUnregistered)
	}
	r.mu.Unlock()

	if ok {
		r.log.Debug("callback unregistered", "handle", string(h))
	}
}

// Subscribe ORs mask into the handle's subscription.
func (r *Registry) Subscribe(h Handle, mask EventMask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return false
	}
	e.mask |= mask
	return true
}

// Unsubscribe clears exactly the bits in mask.
func (r *Registry) Unsubscribe(h Handle, mask EventMask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return false
	}
	e.mask &^= mask
	return true
}

// Mask returns the handle's current subscription.
func (r *Registry) Mask(h Handle) (EventMask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	if !ok {
		return 0, false
	}
	return e.mask, true
}

// Registered reports whether h is present.
func (r *Registry) Registered(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[h]
	return ok
}

// Handles returns the registered handles, sorted.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Broadcast queues n for every handle whose mask allows it and returns
// how many accepted it. It never waits for delivery. A handle whose
// queue is full is evicted.
func (r *Registry) Broadcast(n Notification) int {
	var (
		count int
		stale []*entry
	)

	r.mu.RLock()
	for _, e := range r.entries {
		if !e.mask.Allows(n.Kind) {
			continue
		}
		if r.enqueue(e, n) {
			count++
		} else {
			stale = append(stale, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range stale {
		r.evict(e, errQueueFull)
	}
	return count
}

// Send queues n for a single handle, subject to its mask.
func (r *Registry) Send(h Handle, n Notification) bool {
	r.mu.RLock()
	e, ok := r.entries[h]
	if !ok || !e.mask.Allows(n.Kind) {
		r.mu.RUnlock()
		return false
	}
	queued := r.enqueue(e, n)
	r.mu.RUnlock()

	if !queued {
		r.evict(e, errQueueFull)
	}
	return queued
}

// enqueue must be called with at least the read lock held, which keeps
// the queue open for the duration of the send.
func (r *Registry) enqueue(e *entry, n Notification) bool {
	select {
	case e.queue <- n:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// evict removes e if it is still registered. The worker drains what is
// left without delivering it.
func (r *Registry) evict(e *entry, cause error) {
	e.dead.Store(true)

	r.mu.Lock()
	cur, ok := r.entries[e.handle]
	removed := ok && cur == e
	if removed {
		r.retire(e, "")
	}
	r.mu.Unlock()

	if !removed {
		return
	}
	r.evicted.Add(1)
	r.log.Warn("callback evicted", "handle", string(e.handle), "error", cause)
	if r.observer != nil {
		r.observer.Evicted(e.handle, cause)
	}
}

// retire moves e from entries to draining and closes its queue. The
// caller holds the write lock.
func (r *Registry) retire(e *entry, reason string) {
	delete(r.entries, e.handle)
	r.draining[e.handle] = e
	e.close(reason)
}

func (r *Registry) run(e *entry) {
	defer r.workers.Done()
	defer func() {
		r.mu.Lock()
		if r.draining[e.handle] == e {
			delete(r.draining, e.handle)
		}
		r.mu.Unlock()
		close(e.done)
	}()

	if e.prev != nil {
		<-e.prev
	}

	for n := range e.queue {
		if e.dead.Load() {
			continue
		}
		if err := r.deliver(e, n); err != nil {
			r.evict(e, err)
		}
	}

	if e.finalReason != "" && !e.dead.Load() {
		r.deliver(e, Disconnected(e.finalReason))
	}
}

func (r *Registry) deliver(e *entry, n Notification) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errPanic, p)
		}
		if err != nil {
			r.failed.Add(1)
			if r.observer != nil {
				r.observer.Failed(n.Kind)
			}
			r.log.Debug("callback delivery failed",
				"handle", string(e.handle),
				"kind", n.Kind.String(),
				"error", err,
			)
			return
		}
		r.delivered.Add(1)
		if r.observer != nil {
			r.observer.Delivered(n.Kind)
		}
	}()
	return Deliver(e.cb, n)
}

// Close sends OnDisconnected(reason) to every handle after its pending
// notifications, then waits for all workers to finish. Later Register
// calls fail.
func (r *Registry) Close(reason string) {
	if reason == "" {
		reason = ReasonShutdown
	}

	r.mu.Lock()
	r.closed = true
	for _, e := range r.entries {
		r.retire(e, reason)
	}
	r.mu.Unlock()

	r.workers.Wait()
}

// Stats returns a snapshot of the counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Registered: r.Len(),
		Delivered:  r.delivered.Load(),
		Failed:     r.failed.Load(),
		Evicted:    r.evicted.Load(),
		Dropped:    r.dropped.Load(),
	}
}
