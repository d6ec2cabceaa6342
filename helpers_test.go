package syncsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backendCall struct {
	op string
	id string
	at time.Time
}

// recordingBackend wraps a Backend, logging every call and optionally
// delaying or failing it.
type recordingBackend struct {
	Backend

	mu       sync.Mutex
	calls    []backendCall
	delay    time.Duration
	fetchErr error
	storeErr error
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{Backend: NewMemoryBackend()}
}

func (r *recordingBackend) record(op, id string) {
	r.mu.Lock()
	r.calls = append(r.calls, backendCall{op: op, id: id, at: time.Now()})
	r.mu.Unlock()
}

func (r *recordingBackend) Fetch(ctx context.Context, id string) (map[string]any, error) {
	r.record("fetch:start", id)
	time.Sleep(r.delay)
	r.mu.Lock()
	err := r.fetchErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.Backend.Fetch(ctx, id)
}

func (r *recordingBackend) Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	err := r.storeErr
	r.mu.Unlock()
	if err == nil {
		err = r.Backend.Store(ctx, id, values, ttl)
	}
	r.record("store:done", id)
	return err
}

func (r *recordingBackend) Calls() []backendCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backendCall(nil), r.calls...)
}

func (r *recordingBackend) count(op string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.op == op {
			n++
		}
	}
	return n
}

var errBackendDown = errors.New("backend down")

// runBackendContract checks the behaviour every Backend must share. advance
// moves the backend's notion of time forward.
func runBackendContract(t *testing.T, b Backend, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	t.Run("Fetch Missing", func(t *testing.T) {
		values, err := b.Fetch(ctx, "contract-missing")
		require.NoError(t, err)
		assert.Nil(t, values)
	})

	t.Run("Store and Fetch", func(t *testing.T) {
		require.NoError(t, b.Store(ctx, "abc", map[string]any{"foo": "bar"}, time.Minute))

		values, err := b.Fetch(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"foo": "bar"}, values)
	})

	t.Run("Store Overwrites", func(t *testing.T) {
		require.NoError(t, b.Store(ctx, "contract-upsert", map[string]any{"v": "one"}, time.Minute))
		require.NoError(t, b.Store(ctx, "contract-upsert", map[string]any{"v": "two"}, time.Minute))

		values, err := b.Fetch(ctx, "contract-upsert")
		require.NoError(t, err)
		assert.Equal(t, "two", values["v"])
	})

	t.Run("Empty Payload", func(t *testing.T) {
		require.NoError(t, b.Store(ctx, "contract-empty", map[string]any{}, time.Minute))

		values, err := b.Fetch(ctx, "contract-empty")
		require.NoError(t, err)
		require.NotNil(t, values, "an empty payload is still present")
		assert.Empty(t, values)
	})

	t.Run("Delete Is Idempotent", func(t *testing.T) {
		require.NoError(t, b.Store(ctx, "contract-delete", map[string]any{"k": "v"}, time.Minute))
		require.NoError(t, b.Delete(ctx, "contract-delete"))
		require.NoError(t, b.Delete(ctx, "contract-delete"))

		values, err := b.Fetch(ctx, "contract-delete")
		require.NoError(t, err)
		assert.Nil(t, values)
	})

	t.Run("Rejects Non-Positive TTL", func(t *testing.T) {
		err := b.Store(ctx, "contract-ttl-zero", map[string]any{"k": "v"}, 0)
		assert.ErrorIs(t, err, ErrInvalidTTL)
	})

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, b.Store(ctx, "contract-expiry", map[string]any{"foo": "bar"}, 60*time.Second))

		values, err := b.Fetch(ctx, "contract-expiry")
		require.NoError(t, err)
		assert.Equal(t, "bar", values["foo"])

		advance(61 * time.Second)

		values, err = b.Fetch(ctx, "contract-expiry")
		require.NoError(t, err)
		assert.Nil(t, values, "expired entries must be reported absent")
	})
}
