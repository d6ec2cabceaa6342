package syncsession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type warningRecorder struct {
	mu       sync.Mutex
	warnings []Warning
}

func (w *warningRecorder) record(warning Warning) {
	w.mu.Lock()
	w.warnings = append(w.warnings, warning)
	w.mu.Unlock()
}

func (w *warningRecorder) count(kind WarningKind) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, warning := range w.warnings {
		if warning.Kind == kind {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, b Backend) (*Manager, *warningRecorder) {
	t.Helper()
	rec := &warningRecorder{}
	m := NewManager(Config{
		Backend:         b,
		TTL:             time.Hour,
		OnWarning:       rec.record,
		CleanupInterval: -1,
	})
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

func TestSession_ReadYourWrites(t *testing.T) {
	m, rec := newTestManager(t, NewMemoryBackend())
	ctx := context.Background()

	s, err := m.Open("rw")
	require.NoError(t, err)

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.Set("count", 1)
		return nil
	}))

	other, err := m.Open("rw")
	require.NoError(t, err)
	require.NoError(t, other.With(ctx, func(s *Session) error {
		v, ok := s.Get("count")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
		return nil
	}))

	assert.Equal(t, 0, rec.count(WarningUnguardedAccess))
}

func TestSession_ConcurrentIncrements(t *testing.T) {
	b := newRecordingBackend()
	m, rec := newTestManager(t, b)
	ctx := context.Background()

	const n = 50
	var inside, overlap int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Open("counter")
			require.NoError(t, err)
			err = s.With(ctx, func(s *Session) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				defer atomic.AddInt32(&inside, -1)

				count, _ := s.Get("count")
				c, _ := count.(int)
				s.Set("count", c+1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap), "guarded scopes on one id overlapped")

	s, err := m.Open("counter")
	require.NoError(t, err)
	require.NoError(t, s.With(ctx, func(s *Session) error {
		v, _ := s.Get("count")
		assert.Equal(t, n, v)
		return nil
	}))
	assert.Equal(t, n, b.count("store:done"))
	assert.Equal(t, 0, rec.count(WarningUnguardedAccess))
	assert.Equal(t, 0, m.Registry().Len())
}

func TestSession_LoadStartsAfterPreviousFlush(t *testing.T) {
	b := newRecordingBackend()
	m, _ := newTestManager(t, b)
	ctx := context.Background()

	a, err := m.Open("ordered")
	require.NoError(t, err)
	require.NoError(t, a.Acquire(ctx))
	a.Set("y", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := m.Open("ordered")
		require.NoError(t, err)
		require.NoError(t, s.With(ctx, func(s *Session) error {
			v, _ := s.Get("y")
			assert.Equal(t, 1, v)
			return nil
		}))
	}()

	waitFor(t, func() bool { return m.Registry().Waiters("ordered") == 1 })
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, a.Release(ctx))
	<-done

	var storeDone, secondFetch time.Time
	fetches := 0
	for _, c := range b.Calls() {
		switch c.op {
		case "store:done":
			if storeDone.IsZero() {
				storeDone = c.at
			}
		case "fetch:start":
			fetches++
			if fetches == 2 {
				secondFetch = c.at
			}
		}
	}
	require.False(t, storeDone.IsZero())
	require.False(t, secondFetch.IsZero())
	assert.False(t, secondFetch.Before(storeDone), "second load started before the first write-back finished")
}

func TestSession_UnguardedAccessWarns(t *testing.T) {
	m, rec := newTestManager(t, NewMemoryBackend())

	s, err := m.Open("unguarded")
	require.NoError(t, err)

	s.Set("a", 1)
	_, _ = s.Get("a")
	assert.Equal(t, 2, rec.count(WarningUnguardedAccess))
	assert.True(t, s.Dirty())
}

func TestSession_UnguardedAccessWarningDisabled(t *testing.T) {
	rec := &warningRecorder{}
	off := false
	m := NewManager(Config{
		Backend:               NewMemoryBackend(),
		OnWarning:             rec.record,
		WarnOnUnguardedAccess: &off,
		CleanupInterval:       -1,
	})
	defer m.Close()

	s, err := m.Open("quiet")
	require.NoError(t, err)
	s.Set("a", 1)
	assert.Equal(t, 0, rec.count(WarningUnguardedAccess))

	// Discarding writes is still reported.
	require.NoError(t, s.Acquire(context.Background()))
	require.NoError(t, s.Release(context.Background()))
	assert.Equal(t, 1, rec.count(WarningDiscardedWrites))
}

func TestSession_AcquireDiscardsUnguardedWrites(t *testing.T) {
	b := NewMemoryBackend()
	m, rec := newTestManager(t, b)
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, "stale", map[string]any{"x": "stored"}, time.Hour))

	s, err := m.Open("stale")
	require.NoError(t, err)
	s.Set("x", "local")

	require.NoError(t, s.With(ctx, func(s *Session) error {
		v, _ := s.Get("x")
		assert.Equal(t, "stored", v, "the fresh load must win over unguarded writes")
		assert.False(t, s.Dirty())
		return nil
	}))

	assert.Equal(t, 1, rec.count(WarningDiscardedWrites))
	values, err := b.Fetch(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, "stored", values["x"])
}

func TestSession_FailedAcquireDoesNotReportDiscard(t *testing.T) {
	b := newRecordingBackend()
	m, rec := newTestManager(t, b)
	ctx := context.Background()

	s, err := m.Open("pending")
	require.NoError(t, err)
	s.Set("x", "local")

	b.mu.Lock()
	b.fetchErr = errBackendDown
	b.mu.Unlock()
	assert.ErrorIs(t, s.Acquire(ctx), errBackendDown)
	assert.True(t, s.Dirty(), "nothing was loaded, so nothing was discarded")

	holder, err := m.Open("pending")
	require.NoError(t, err)
	b.mu.Lock()
	b.fetchErr = nil
	b.mu.Unlock()
	require.NoError(t, holder.Acquire(ctx))
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Acquire(cancelled), context.Canceled)
	require.NoError(t, holder.Release(ctx))

	assert.Equal(t, 0, rec.count(WarningDiscardedWrites))

	require.NoError(t, s.Acquire(ctx))
	require.NoError(t, s.Release(ctx))
	assert.Equal(t, 1, rec.count(WarningDiscardedWrites))
}

func TestSession_WarningCallbackMayUseSession(t *testing.T) {
	var s *Session
	calls := 0
	m := NewManager(Config{
		Backend:         NewMemoryBackend(),
		CleanupInterval: -1,
		OnWarning: func(w Warning) {
			calls++
			if calls == 1 {
				// Re-entrant access from the callback must not deadlock.
				_ = s.Len()
			}
		},
	})
	defer m.Close()

	var err error
	s, err = m.Open("reentrant")
	require.NoError(t, err)
	s.Set("k", "v")
	assert.Equal(t, 2, calls)
}

func TestSession_WithReleasesOnError(t *testing.T) {
	b := newRecordingBackend()
	m, _ := newTestManager(t, b)
	ctx := context.Background()
	errBoom := errors.New("boom")

	s, err := m.Open("failing")
	require.NoError(t, err)

	err = s.With(ctx, func(s *Session) error {
		s.Set("partial", true)
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, m.Registry().Locked("failing"))

	// Changes made before the error are still written back.
	values, err := b.Backend.Fetch(ctx, "failing")
	require.NoError(t, err)
	assert.Equal(t, true, values["partial"])
}

func TestSession_WithReleasesOnPanic(t *testing.T) {
	m, _ := newTestManager(t, NewMemoryBackend())

	s, err := m.Open("panicking")
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = s.With(context.Background(), func(s *Session) error {
			panic("boom")
		})
	})
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, m.Registry().Locked("panicking"))
}

func TestSession_ReleaseFlushesAfterCancel(t *testing.T) {
	b := NewMemoryBackend()
	m, _ := newTestManager(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Open("cancelled")
	require.NoError(t, err)

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.Set("k", "v")
		cancel()
		return nil
	}))

	values, err := b.Fetch(context.Background(), "cancelled")
	require.NoError(t, err)
	assert.Equal(t, "v", values["k"])
	assert.False(t, m.Registry().Locked("cancelled"))
}

func TestSession_AcquireCancelledWhileWaiting(t *testing.T) {
	m, _ := newTestManager(t, NewMemoryBackend())
	bg := context.Background()

	holder, err := m.Open("busy")
	require.NoError(t, err)
	require.NoError(t, holder.Acquire(bg))
	defer holder.Release(bg)

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()

	s, err := m.Open("busy")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Acquire(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, m.Registry().Waiters("busy"))
}

func TestSession_FetchFailureReleasesLock(t *testing.T) {
	b := newRecordingBackend()
	b.fetchErr = errBackendDown
	m, _ := newTestManager(t, b)

	s, err := m.Open("down")
	require.NoError(t, err)

	err = s.With(context.Background(), func(s *Session) error {
		t.Fatal("fn must not run when the load fails")
		return nil
	})
	assert.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, m.Registry().Locked("down"))
}

func TestSession_FlushFailureKeepsDirtyAndReleases(t *testing.T) {
	b := newRecordingBackend()
	b.storeErr = errBackendDown
	metrics := NewMetrics(nil)
	m := NewManager(Config{Backend: b, Metrics: metrics, CleanupInterval: -1})
	defer m.Close()

	s, err := m.Open("flush")
	require.NoError(t, err)

	err = s.With(context.Background(), func(s *Session) error {
		s.Set("k", "v")
		return nil
	})
	assert.ErrorIs(t, err, errBackendDown)
	assert.True(t, s.Dirty())
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, m.Registry().Locked("flush"))
	assert.Equal(t, 1.0, counterValue(t, metrics.Flushes.WithLabelValues("error")))
}

func TestSession_CleanScopeDoesNotFlush(t *testing.T) {
	b := newRecordingBackend()
	m, _ := newTestManager(t, b)
	ctx := context.Background()

	s, err := m.Open("readonly")
	require.NoError(t, err)
	require.NoError(t, s.With(ctx, func(s *Session) error {
		_, _ = s.Get("missing")
		s.Delete("missing")
		_, _ = s.Pop("missing")
		s.Update(nil)
		return nil
	}))

	assert.Equal(t, 0, b.count("store:done"))
}

func TestSession_ResetAndClear(t *testing.T) {
	b := newRecordingBackend()
	m, _ := newTestManager(t, b)
	ctx := context.Background()

	s, err := m.Open("reset")
	require.NoError(t, err)

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.Reset()
		assert.False(t, s.Dirty(), "resetting an empty payload changes nothing")
		s.Clear()
		assert.True(t, s.Dirty(), "clear always marks the session dirty")
		return nil
	}))
	assert.Equal(t, 1, b.count("store:done"))

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.Set("a", 1)
		return nil
	}))
	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.Reset()
		assert.True(t, s.Dirty())
		assert.Equal(t, 0, s.Len())
		return nil
	}))

	values, err := b.Backend.Fetch(ctx, "reset")
	require.NoError(t, err)
	require.NotNil(t, values)
	assert.Empty(t, values)
}

func TestSession_KeysAreCaseInsensitive(t *testing.T) {
	m, _ := newTestManager(t, NewMemoryBackend())

	s, err := m.Open("case")
	require.NoError(t, err)
	require.NoError(t, s.With(context.Background(), func(s *Session) error {
		s.Set("UserName", "ada")
		s.Update(map[string]any{"Theme": "dark"})

		assert.True(t, s.Has("username"))
		v, ok := s.Get("USERNAME")
		assert.True(t, ok)
		assert.Equal(t, "ada", v)
		assert.Equal(t, []string{"theme", "username"}, s.Keys())

		v, ok = s.Pop("THEME")
		assert.True(t, ok)
		assert.Equal(t, "dark", v)
		assert.Equal(t, 1, s.Len())
		return nil
	}))
}

func TestSession_ProtocolErrors(t *testing.T) {
	m, _ := newTestManager(t, NewMemoryBackend())
	ctx := context.Background()

	s, err := m.Open("protocol")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Release(ctx), ErrNotAcquired)

	require.NoError(t, s.Acquire(ctx))
	assert.Equal(t, StateLocked, s.State())
	assert.ErrorIs(t, s.Acquire(ctx), ErrAlreadyAcquired)
	require.NoError(t, s.Release(ctx))

	assert.ErrorIs(t, s.Release(ctx), ErrNotAcquired)
}

func TestSession_SetExpiry(t *testing.T) {
	spy := &ttlSpy{Backend: NewMemoryBackend()}
	m, _ := newTestManager(t, spy)
	ctx := context.Background()

	s, err := m.Open("expiry")
	require.NoError(t, err)

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.Set("k", "v")
		return nil
	}))
	assert.Equal(t, time.Hour, spy.last)

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.SetExpiry(5 * time.Minute)
		return nil
	}))
	assert.Equal(t, 5*time.Minute, spy.last)

	// The override survives a reload.
	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.Set("k", "w")
		return nil
	}))
	assert.Equal(t, 5*time.Minute, spy.last)

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.SetExpiry(500 * time.Millisecond)
		return nil
	}))
	assert.Equal(t, time.Second, spy.last, "sub-second overrides round up")

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.SetExpiry(90*time.Second + time.Millisecond)
		return nil
	}))
	assert.Equal(t, 91*time.Second, spy.last)

	require.NoError(t, s.With(ctx, func(s *Session) error {
		s.SetExpiry(-time.Minute)
		assert.False(t, s.Has(ExpiryKey))
		return nil
	}))
	assert.Equal(t, time.Hour, spy.last, "a non-positive override falls back to the manager TTL")
}

type ttlSpy struct {
	Backend
	last time.Duration
}

func (t *ttlSpy) Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	t.last = ttl
	return t.Backend.Store(ctx, id, values, ttl)
}

func TestSession_SharedRegistryAcrossManagers(t *testing.T) {
	b := NewMemoryBackend()
	reg := NewLockRegistry()
	m1 := NewManager(Config{Backend: b, Registry: reg, CleanupInterval: -1})
	m2 := NewManager(Config{Backend: b, Registry: reg, CleanupInterval: -1})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			s, err := m.Open("shared")
			require.NoError(t, err)
			require.NoError(t, s.With(ctx, func(s *Session) error {
				v, _ := s.Get("n")
				n, _ := v.(int)
				s.Set("n", n+1)
				return nil
			}))
		}([]*Manager{m1, m2}[i%2])
	}
	wg.Wait()

	values, err := b.Fetch(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 20, values["n"])
}

func TestSession_MetricsRecordFlushes(t *testing.T) {
	metrics := NewMetrics(nil)
	m := NewManager(Config{Backend: NewMemoryBackend(), Metrics: metrics, CleanupInterval: -1})
	defer m.Close()

	s, err := m.Open("metered")
	require.NoError(t, err)
	require.NoError(t, s.With(context.Background(), func(s *Session) error {
		s.Set("k", "v")
		return nil
	}))
	s.Len()

	assert.Equal(t, 1.0, counterValue(t, metrics.Flushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, counterValue(t, metrics.Warnings.WithLabelValues("unguarded_access")))
}
