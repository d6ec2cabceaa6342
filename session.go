package syncsession

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAlreadyAcquired is returned when Acquire is called on a session that
	// is not idle. Nested guarded scopes on one session would deadlock.
	ErrAlreadyAcquired = errors.New("session already acquired")

	// ErrNotAcquired is returned when Release is called without a matching Acquire.
	ErrNotAcquired = errors.New("session not acquired")
)

// ExpiryKey is the payload key holding a per-session TTL override, in seconds.
const ExpiryKey = "_override_expiry"

// State is the position of a Session in the guarded access protocol.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateLocked
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateLocked:
		return "locked"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Mapping is the key/value surface of a session. Every mutating method marks
// the session dirty when it changes the payload.
type Mapping interface {
	Get(key string) (any, bool)
	Has(key string) bool
	Set(key string, value any)
	Delete(key string)
	Pop(key string) (any, bool)
	Update(values map[string]any)
	Clear()
	Len() int
	Keys() []string
}

var _ Mapping = (*Session)(nil)

// Session is a handle on one session's payload.
//
// The payload is only trustworthy between Acquire and Release (or inside
// With): the session lock is held, the payload was freshly loaded, and
// changes are written back on exit. Access outside a guarded scope works on
// whatever is in memory and emits a WarningUnguardedAccess.
//
// A Session belongs to a single request. Use Manager.Open in each goroutine
// that needs the same id.
type Session struct {
	id string
	m  *Manager

	mu     sync.Mutex
	values map[string]any
	dirty  bool
	state  State
}

func newSession(m *Manager, id string) *Session {
	return &Session{
		id:     id,
		m:      m,
		values: make(map[string]any),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dirty reports whether the payload changed since it was last loaded or flushed.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func normalizeKey(key string) string {
	return strings.ToLower(key)
}

// access runs fn under the session mutex and warns afterwards if the
// session lock was not held. The warning is emitted outside the mutex so a
// warning callback may use the session.
func (s *Session) access(fn func()) {
	s.mu.Lock()
	fn()
	guarded := s.state == StateLocked
	s.mu.Unlock()

	if !guarded && s.m.warnUnguarded {
		s.m.warn(Warning{
			Kind:      WarningUnguardedAccess,
			SessionID: s.id,
			Message:   unguardedAccessMsg,
		})
	}
}

func (s *Session) Get(key string) (value any, ok bool) {
	s.access(func() {
		value, ok = s.values[normalizeKey(key)]
	})
	return value, ok
}

func (s *Session) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *Session) Set(key string, value any) {
	s.access(func() {
		s.values[normalizeKey(key)] = value
		s.dirty = true
	})
}

func (s *Session) Delete(key string) {
	s.access(func() {
		key = normalizeKey(key)
		if _, ok := s.values[key]; ok {
			delete(s.values, key)
			s.dirty = true
		}
	})
}

// Pop removes key and returns the value it held.
func (s *Session) Pop(key string) (value any, ok bool) {
	s.access(func() {
		key = normalizeKey(key)
		value, ok = s.values[key]
		if ok {
			delete(s.values, key)
			s.dirty = true
		}
	})
	return value, ok
}

// Update merges values into the payload.
func (s *Session) Update(values map[string]any) {
	s.access(func() {
		for k, v := range values {
			s.values[normalizeKey(k)] = v
		}
		if len(values) > 0 {
			s.dirty = true
		}
	})
}

// Clear empties the payload and always marks the session dirty.
func (s *Session) Clear() {
	s.access(func() {
		clear(s.values)
		s.dirty = true
	})
}

// Reset empties the payload. The session only becomes dirty when there was
// something to remove.
func (s *Session) Reset() {
	s.access(func() {
		if len(s.values) > 0 {
			s.values = make(map[string]any)
			s.dirty = true
		}
	})
}

func (s *Session) Len() (n int) {
	s.access(func() {
		n = len(s.values)
	})
	return n
}

// Keys returns the payload keys in sorted order.
func (s *Session) Keys() (keys []string) {
	s.access(func() {
		// Equivalent of slices.Sorted(maps.Keys(s.values)) for Go 1.21.
		for k := range s.values {
			keys = append(keys, k)
		}
		slices.Sort(keys)
	})
	return keys
}

// Values returns a shallow copy of the payload.
func (s *Session) Values() (values map[string]any) {
	s.access(func() {
		values = maps.Clone(s.values)
	})
	return values
}

// SetExpiry overrides the TTL used when this session is written back. The
// override is stored in the payload, so it survives later checkouts. It is
// kept in whole seconds, rounded up. A non-positive d removes the override.
func (s *Session) SetExpiry(d time.Duration) {
	if d <= 0 {
		s.Delete(ExpiryKey)
		return
	}
	seconds := int64(d / time.Second)
	if d%time.Second != 0 {
		seconds++
	}
	s.Set(ExpiryKey, seconds)
}

// ttlLocked returns the override stored in the payload, or the manager TTL.
func (s *Session) ttlLocked() time.Duration {
	var seconds int64
	switch v := s.values[ExpiryKey].(type) {
	case int:
		seconds = int64(v)
	case int64:
		seconds = v
	case float64:
		seconds = int64(v)
	}
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return s.m.ttl
}

// Acquire takes the session lock and replaces the in-memory payload with a
// fresh copy from the backend. If the backend fails the lock is released
// before the error is returned.
func (s *Session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyAcquired
	}
	s.state = StateAcquiring
	s.mu.Unlock()

	if err := s.m.registry.Acquire(ctx, s.id); err != nil {
		s.setState(StateIdle)
		return err
	}

	values, err := s.m.backend.Fetch(ctx, s.id)
	if err != nil {
		s.setState(StateIdle)
		s.m.registry.Release(s.id)
		return fmt.Errorf("failed to load session: %w", err)
	}
	if values == nil {
		values = make(map[string]any)
	}

	s.mu.Lock()
	discarded := s.dirty
	s.values = values
	s.dirty = false
	s.state = StateLocked
	s.mu.Unlock()

	if discarded {
		s.m.warn(Warning{
			Kind:      WarningDiscardedWrites,
			SessionID: s.id,
			Message:   discardedWritesMsg,
		})
	}
	return nil
}

// Release writes the payload back if it changed, then releases the session
// lock. The lock is released even when the write-back fails. The write-back
// ignores cancellation of ctx and is bounded by the manager's FlushTimeout
// instead.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateLocked {
		s.mu.Unlock()
		return ErrNotAcquired
	}
	s.state = StateFlushing
	dirty := s.dirty
	values := maps.Clone(s.values)
	ttl := s.ttlLocked()
	s.mu.Unlock()

	var err error
	if dirty {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.m.flushTimeout)
		err = s.m.backend.Store(flushCtx, s.id, values, ttl)
		cancel()
		s.m.metrics.flushed(err)
		if err != nil {
			s.m.logger.Error("failed to flush session", "session_id", s.id, "err", err)
			err = fmt.Errorf("failed to flush session: %w", err)
		}
	}

	s.mu.Lock()
	if dirty && err == nil {
		s.dirty = false
	}
	s.state = StateIdle
	s.mu.Unlock()

	s.m.registry.Release(s.id)
	return err
}

// With runs fn inside a guarded scope. The scope is closed on every exit
// path, including a panic in fn.
func (s *Session) With(ctx context.Context, fn func(*Session) error) (err error) {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if rerr := s.Release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(s)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
