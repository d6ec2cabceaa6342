package syncsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedBackend implements Backend using Memcached. Expiry is enforced by
// the server.
type MemcachedBackend struct {
	client  *memcache.Client
	prefix  string
	payload payloadCodec
	now     func() time.Time
}

// MemcachedConfig holds configuration for the Memcached backend.
type MemcachedConfig struct {
	Servers         []string
	MaxSessionBytes int
	Timeout         time.Duration // Timeout for Memcached operations. 0 means no timeout.
	Prefix          string
	Codec           Codec
}

// NewMemcachedBackend creates a new MemcachedBackend.
func NewMemcachedBackend(servers ...string) *MemcachedBackend {
	return NewMemcachedBackendWithConfig(MemcachedConfig{
		Servers: servers,
		// A dead server must not hang a guarded scope forever.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedBackendWithConfig creates a new MemcachedBackend with custom configuration.
func NewMemcachedBackendWithConfig(cfg MemcachedConfig) *MemcachedBackend {
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout

	return &MemcachedBackend{
		client:  client,
		prefix:  prefixOrDefault(cfg.Prefix),
		payload: newPayloadCodec(cfg.Codec, cfg.MaxSessionBytes),
		now:     time.Now,
	}
}

// Fetch retrieves a payload from Memcached.
func (b *MemcachedBackend) Fetch(ctx context.Context, id string) (map[string]any, error) {
	item, err := b.client.Get(b.prefix + id)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from memcached: %w", err)
	}

	return b.payload.decode(item.Value)
}

// Store writes a payload to Memcached.
func (b *MemcachedBackend) Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	data, err := b.payload.encode(values)
	if err != nil {
		return err
	}

	err = b.client.Set(&memcache.Item{
		Key:        b.prefix + id,
		Value:      data,
		Expiration: calculateMemcachedExpiration(b.now(), ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to save to memcached: %w", err)
	}
	return nil
}

// Delete removes a payload from Memcached.
func (b *MemcachedBackend) Delete(ctx context.Context, id string) error {
	err := b.client.Delete(b.prefix + id)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("failed to delete from memcached: %w", err)
	}
	return nil
}

// Close releases idle connections held by the client.
func (b *MemcachedBackend) Close() error {
	return b.client.Close()
}

// calculateMemcachedExpiration converts a TTL into Memcached's expiration field.
// Memcached treats values > 30 days (60*60*24*30 seconds) as absolute Unix timestamps.
// Values <= 30 days are treated as a delta from the current time.
func calculateMemcachedExpiration(now time.Time, ttl time.Duration) int32 {
	const maxDelta = 30 * 24 * 60 * 60 // 30 days in seconds

	// A large delta would be read as a timestamp in 1970 (already expired).
	if ttl > maxDelta*time.Second {
		return int32(now.Add(ttl).Unix())
	}

	if ttl < time.Second {
		// 0 means "never expire" to Memcached; round sub-second TTLs up.
		return 1
	}
	return int32(ttl.Seconds())
}
