package syncsession

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// LockRegistry hands out exclusive, per-session locks.
//
// Entries are created on first acquisition and removed once the holder
// releases with nobody waiting. A release passes ownership straight to the
// oldest waiter, so an entry is never dropped while a goroutine is blocked on
// it.
type LockRegistry struct {
	mu      sync.Mutex // Guards locks and every entry's fields
	locks   map[string]*lockEntry
	metrics *Metrics
}

type lockEntry struct {
	waiters *queue.Queue // FIFO of *lockWaiter, may contain abandoned waiters
	pending int          // waiters not yet granted or abandoned
}

type lockWaiter struct {
	ready     chan struct{}
	granted   bool
	abandoned bool
}

// RegistryOption configures a LockRegistry.
type RegistryOption func(*LockRegistry)

// WithRegistryMetrics records lock wait times and entry counts.
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(r *LockRegistry) {
		r.metrics = m
	}
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry(opts ...RegistryOption) *LockRegistry {
	r := &LockRegistry{
		locks: make(map[string]*lockEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire blocks until the caller owns the lock for id or ctx is done.
// When ctx ends first the registry is left as if Acquire was never called.
func (r *LockRegistry) Acquire(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	entry, exists := r.locks[id]
	if !exists {
		r.locks[id] = &lockEntry{waiters: queue.New()}
		r.metrics.setActiveLocks(len(r.locks))
		r.mu.Unlock()
		r.metrics.observeWait(0)
		return nil
	}

	w := &lockWaiter{ready: make(chan struct{})}
	entry.waiters.Add(w)
	entry.pending++
	r.mu.Unlock()

	start := time.Now()
	select {
	case <-w.ready:
		r.metrics.observeWait(time.Since(start))
		return nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w.granted {
		// Ownership arrived together with the cancellation: pass it on.
		r.releaseLocked(id, entry)
		return ctx.Err()
	}
	w.abandoned = true
	entry.pending--
	return ctx.Err()
}

// TryAcquire takes the lock for id only if nobody holds it.
func (r *LockRegistry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.locks[id]; exists {
		return false
	}
	r.locks[id] = &lockEntry{waiters: queue.New()}
	r.metrics.setActiveLocks(len(r.locks))
	return true
}

// Release gives the lock for id to the oldest live waiter, or removes the
// entry when there is none. Releasing an id that is not held is a no-op.
func (r *LockRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.locks[id]
	if !exists {
		return
	}
	r.releaseLocked(id, entry)
}

func (r *LockRegistry) releaseLocked(id string, entry *lockEntry) {
	for entry.waiters.Length() > 0 {
		w := entry.waiters.Remove().(*lockWaiter)
		if w.abandoned {
			continue
		}
		entry.pending--
		w.granted = true
		close(w.ready)
		return
	}
	delete(r.locks, id)
	r.metrics.setActiveLocks(len(r.locks))
}

// Locked reports whether some caller currently holds the lock for id.
func (r *LockRegistry) Locked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.locks[id]
	return exists
}

// Waiters reports how many callers are blocked on id.
func (r *LockRegistry) Waiters(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, exists := r.locks[id]; exists {
		return entry.pending
	}
	return 0
}

// Len reports the number of live entries.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
