package syncsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend using Redis. Expiry is enforced by the
// server through the key TTL.
type RedisBackend struct {
	client  backend.UniversalClient
	prefix  string
	payload payloadCodec
}

// RedisConfig holds configuration for the Redis backend.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	MaxSessionBytes int
	Prefix          string
	Codec           Codec
}

// NewRedisBackend creates a Redis backend connected to addr.
func NewRedisBackend(addr string) *RedisBackend {
	return NewRedisBackendWithConfig(RedisConfig{Addr: addr})
}

// NewRedisBackendWithConfig creates a Redis backend with custom configuration.
func NewRedisBackendWithConfig(cfg RedisConfig) *RedisBackend {
	rdb := backend.NewClient(&backend.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBackendFromClient(rdb, cfg)
}

// NewRedisBackendFromClient wraps an existing client. Connection fields of
// cfg are ignored.
func NewRedisBackendFromClient(client backend.UniversalClient, cfg RedisConfig) *RedisBackend {
	return &RedisBackend{
		client:  client,
		prefix:  prefixOrDefault(cfg.Prefix),
		payload: newPayloadCodec(cfg.Codec, cfg.MaxSessionBytes),
	}
}

func (b *RedisBackend) Fetch(ctx context.Context, id string) (map[string]any, error) {
	data, err := b.client.Get(ctx, b.prefix+id).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	return b.payload.decode(data)
}

func (b *RedisBackend) Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	data, err := b.payload.encode(values)
	if err != nil {
		return err
	}

	if err := b.client.Set(ctx, b.prefix+id, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, b.prefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
