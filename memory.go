package syncsession

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps encoded payloads in process memory. Payloads are
// stored encoded so a caller never shares a map with the backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	prefix  string
	payload payloadCodec
	now     func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryConfig holds configuration for the in-memory backend.
type MemoryConfig struct {
	Prefix          string
	Codec           Codec
	MaxSessionBytes int
	// Now overrides the clock used for expiry. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryBackend creates an in-memory backend with default configuration.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithConfig(MemoryConfig{})
}

// NewMemoryBackendWithConfig creates an in-memory backend with custom configuration.
func NewMemoryBackendWithConfig(cfg MemoryConfig) *MemoryBackend {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		prefix:  prefixOrDefault(cfg.Prefix),
		payload: newPayloadCodec(cfg.Codec, cfg.MaxSessionBytes),
		now:     cfg.Now,
	}
}

func (b *MemoryBackend) Fetch(ctx context.Context, id string) (map[string]any, error) {
	b.mu.RLock()
	entry, ok := b.entries[b.prefix+id]
	b.mu.RUnlock()

	if !ok || !entry.expiresAt.After(b.now()) {
		return nil, nil
	}
	return b.payload.decode(entry.data)
}

func (b *MemoryBackend) Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	data, err := b.payload.encode(values)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.prefix+id] = memoryEntry{
		data:      data,
		expiresAt: b.now().Add(ttl),
	}
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, b.prefix+id)
	return nil
}

// Cleanup drops expired entries.
func (b *MemoryBackend) Cleanup(ctx context.Context) error {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, entry := range b.entries {
		if !entry.expiresAt.After(now) {
			delete(b.entries, key)
		}
	}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
