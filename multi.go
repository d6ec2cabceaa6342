package syncsession

import (
	"context"
	"errors"
	"io"
	"time"
)

// MultiBackend reads from a single master and writes to every backend, so a
// payload can be mirrored into a cache and a durable store at once.
type MultiBackend struct {
	master   Backend
	backends []Backend
}

// NewMultiBackend creates a MultiBackend. The master is always written first.
func NewMultiBackend(master Backend, replicas ...Backend) *MultiBackend {
	return &MultiBackend{
		master:   master,
		backends: append([]Backend{master}, replicas...),
	}
}

func (b *MultiBackend) Fetch(ctx context.Context, id string) (map[string]any, error) {
	return b.master.Fetch(ctx, id)
}

// Store writes to every backend and stops at the first failure.
func (b *MultiBackend) Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	for _, be := range b.backends {
		if err := be.Store(ctx, id, values, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes id everywhere, even when one backend fails.
func (b *MultiBackend) Delete(ctx context.Context, id string) error {
	var errs []error
	for _, be := range b.backends {
		if err := be.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *MultiBackend) Cleanup(ctx context.Context) error {
	var errs []error
	for _, be := range b.backends {
		if c, ok := be.(Cleaner); ok {
			if err := c.Cleanup(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (b *MultiBackend) Close() error {
	var errs []error
	for _, be := range b.backends {
		if c, ok := be.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
