package syncsession

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSessionID is returned when the session ID format is invalid.
var ErrInvalidSessionID = errors.New("invalid session id")

// maxIDLength keeps prefixed ids under the 250 byte Memcached key limit.
const maxIDLength = 200

type Manager struct {
	backend       Backend
	registry      *LockRegistry
	ttl           time.Duration
	warnUnguarded bool
	logger        *slog.Logger
	onWarning     func(Warning)
	metrics       *Metrics
	cleanup       time.Duration
	flushTimeout  time.Duration
	newID         func() (string, error)
	stopChan      chan struct{}
	stopOnce      sync.Once
}

type Config struct {
	Backend Backend
	// Registry serializes guarded scopes. Managers that share a backend
	// inside one process must share a registry. Nil creates a private one.
	Registry *LockRegistry
	// TTL is the default session lifetime. Zero or negative means 24h.
	TTL time.Duration
	// WarnOnUnguardedAccess enables WarningUnguardedAccess. Defaults to true.
	WarnOnUnguardedAccess *bool
	Logger                *slog.Logger
	// OnWarning receives every Warning, in addition to the logger.
	OnWarning func(Warning)
	Metrics   *Metrics
	// CleanupInterval is how often Cleaner backends are purged. Negative disables the worker.
	CleanupInterval time.Duration
	// FlushTimeout bounds the write-back on guarded scope exit. Zero or negative means 30s.
	FlushTimeout time.Duration
	// NewID generates identifiers for Manager.New. Defaults to a random UUID in hex.
	NewID func() (string, error)
}

func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = newNopLogger()
	}
	if cfg.NewID == nil {
		cfg.NewID = generateID
	}
	if cfg.Registry == nil {
		cfg.Registry = NewLockRegistry(WithRegistryMetrics(cfg.Metrics))
	}

	m := &Manager{
		backend:       cfg.Backend,
		registry:      cfg.Registry,
		ttl:           cfg.TTL,
		warnUnguarded: true, // Default
		logger:        cfg.Logger,
		onWarning:     cfg.OnWarning,
		metrics:       cfg.Metrics,
		cleanup:       cfg.CleanupInterval,
		flushTimeout:  cfg.FlushTimeout,
		newID:         cfg.NewID,
		stopChan:      make(chan struct{}),
	}

	if cfg.WarnOnUnguardedAccess != nil {
		m.warnUnguarded = *cfg.WarnOnUnguardedAccess
	}

	if _, ok := m.backend.(Cleaner); ok && m.cleanup > 0 {
		go m.cleanupWorker()
	}

	return m
}

func (m *Manager) cleanupWorker() {
	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.Cleanup(ctx); err != nil {
				m.logger.Warn("session cleanup failed", "err", err)
			}
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

// Cleanup purges expired entries when the backend supports it.
func (m *Manager) Cleanup(ctx context.Context) error {
	c, ok := m.backend.(Cleaner)
	if !ok {
		return nil
	}
	return c.Cleanup(ctx)
}

// Close stops the cleanup worker and closes the backend if it is an io.Closer.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	if c, ok := m.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Open returns an idle Session bound to id. Nothing is loaded until the
// session is acquired.
func (m *Manager) Open(id string) (*Session, error) {
	if !isValidID(id) {
		return nil, ErrInvalidSessionID
	}
	return newSession(m, id), nil
}

// New returns an idle Session with a freshly generated id.
func (m *Manager) New() (*Session, error) {
	id, err := m.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	return m.Open(id)
}

// Destroy deletes the stored payload for id while holding its lock, so it
// cannot interleave with a guarded scope that would write it back.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if !isValidID(id) {
		return ErrInvalidSessionID
	}
	if err := m.registry.Acquire(ctx, id); err != nil {
		return err
	}
	defer m.registry.Release(id)

	if err := m.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// Registry returns the lock registry used by this manager.
func (m *Manager) Registry() *LockRegistry {
	return m.registry
}

// Backend returns the backend used by this manager.
func (m *Manager) Backend() Backend {
	return m.backend
}

func (m *Manager) warn(w Warning) {
	m.logger.Warn(w.Message, "session_id", w.SessionID, "kind", w.Kind.String())
	m.metrics.warned(w.Kind)
	if m.onWarning != nil {
		m.onWarning(w)
	}
}

func generateID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(u[:]), nil
}

// invalidIDChars marks bytes that may not appear in a session id: ASCII
// control characters and space, which Memcached and log lines cannot carry.
var invalidIDChars = [256]bool{}

func init() {
	for i := 0; i <= ' '; i++ {
		invalidIDChars[i] = true
	}
	invalidIDChars[0x7f] = true
}

func isValidID(id string) bool {
	if len(id) == 0 || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if invalidIDChars[id[i]] {
			return false
		}
	}
	return true
}
