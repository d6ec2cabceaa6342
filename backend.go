package syncsession

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionTooLarge is returned when the encoded payload exceeds the configured MaxSessionBytes.
	ErrSessionTooLarge = errors.New("session data too large")

	// ErrInvalidTTL is returned by Backend.Store when the TTL is not positive.
	ErrInvalidTTL = errors.New("session ttl must be positive")
)

// DefaultKeyPrefix namespaces backend keys when no prefix is configured.
const DefaultKeyPrefix = "session:"

// Backend is the persistence contract the session core relies on.
//
// Implementations must be safe for concurrent use across different ids. The
// core never calls Store concurrently for the same id.
type Backend interface {
	// Fetch returns the payload stored for id. An absent or expired entry is
	// reported as (nil, nil), never as an error.
	Fetch(ctx context.Context, id string) (map[string]any, error)
	// Store creates or overwrites the payload for id, expiring it after ttl.
	Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error
	// Delete removes the entry for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}

// Cleaner is implemented by backends that need expired entries purged
// explicitly. The Manager calls it from its cleanup worker.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// payloadCodec applies the codec and size limit shared by every adapter.
type payloadCodec struct {
	codec    Codec
	maxBytes int
}

func newPayloadCodec(codec Codec, maxBytes int) payloadCodec {
	if codec == nil {
		codec = GobCodec{}
	}
	return payloadCodec{codec: codec, maxBytes: maxBytes}
}

// encode returns nil for an empty payload so adapters can store NULL or an
// empty value instead of an encoded empty map.
func (p payloadCodec) encode(values map[string]any) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := p.codec.Marshal(values)
	if err != nil {
		return nil, err
	}
	if p.maxBytes > 0 && len(data) > p.maxBytes {
		return nil, ErrSessionTooLarge
	}
	return data, nil
}

func (p payloadCodec) decode(data []byte) (map[string]any, error) {
	if p.maxBytes > 0 && len(data) > p.maxBytes {
		return nil, ErrSessionTooLarge
	}
	if len(data) == 0 {
		return make(map[string]any), nil
	}
	values, err := p.codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]any)
	}
	return values, nil
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return DefaultKeyPrefix
	}
	return prefix
}

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTTL, ttl)
	}
	return nil
}
