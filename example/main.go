package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Morditux/syncsession"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Initialize SQLite backend
	backend, err := syncsession.NewSQLiteBackend("sessions.db")
	if err != nil {
		log.Fatalf("failed to create backend: %v", err)
	}

	// Alternative: Redis backend
	// backend := syncsession.NewRedisBackend("localhost:6379")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mgr := syncsession.NewManager(syncsession.Config{
		Backend:         backend,
		TTL:             time.Hour,
		Logger:          logger,
		Metrics:         syncsession.NewMetrics(prometheus.DefaultRegisterer),
		CleanupInterval: 5 * time.Minute,
	})
	defer mgr.Close()

	sess, err := mgr.New()
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}
	id := sess.ID()

	// Fifty concurrent "requests" increment the same counter. Each opens its
	// own Session on the shared id; the guarded scope serializes them.
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := mgr.Open(id)
			if err != nil {
				logger.Error("open failed", "err", err)
				return
			}
			err = s.With(ctx, func(s *syncsession.Session) error {
				count := 0
				if val, ok := s.Get("count"); ok {
					if c, ok := val.(int); ok {
						count = c
					}
				}
				s.Set("count", count+1)
				return nil
			})
			if err != nil {
				logger.Error("update failed", "err", err)
			}
		}()
	}
	wg.Wait()

	var count any
	if err := sess.With(ctx, func(s *syncsession.Session) error {
		count, _ = s.Get("count")
		return nil
	}); err != nil {
		logger.Error("read failed", "err", err)
	}
	fmt.Printf("Session %s was visited %v times.\n", id, count)

	if err := mgr.Destroy(ctx, id); err != nil {
		log.Fatalf("failed to destroy session: %v", err)
	}
}
