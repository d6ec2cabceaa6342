/*
Package syncsession provides server-side sessions that stay consistent under
concurrent requests.

A session is an opaque id bound to a key/value payload kept in a pluggable
Backend. Two requests that carry the same session id would normally race:
both load the payload, both change it, and the last write silently drops the
other one. syncsession prevents this with a per-session lock and a scoped
checkout: the payload is loaded after the lock is granted and written back
before the lock is released.

Key Features:

  - Guarded scopes: Session.With (or Acquire/Release) loads, lets you mutate,
    and writes back only when something changed.
  - Per-session locking: the LockRegistry serializes scopes for one id without
    blocking other ids, hands the lock to waiters in FIFO order and drops its
    entry once nobody holds or waits for it.
  - Pluggable storage: in-memory, SQLite (CGO-free), PostgreSQL, Memcached and
    Redis backends, each with a mandatory TTL, a key prefix and a pluggable Codec.
  - Diagnostics: unguarded access is reported as a Warning through a callback,
    log/slog and Prometheus counters instead of failing.

Usage:

	backend, err := syncsession.NewSQLiteBackend("sessions.db")
	if err != nil {
		log.Fatal(err)
	}

	mgr := syncsession.NewManager(syncsession.Config{
		Backend: backend,
		TTL:     time.Hour,
		Logger:  slog.Default(),
	})
	defer mgr.Close()

	sess, err := mgr.Open(id)
	if err != nil {
		return err
	}
	err = sess.With(ctx, func(s *syncsession.Session) error {
		n, _ := s.Get("visits")
		count, _ := n.(int)
		s.Set("visits", count+1)
		return nil
	})

How the id reaches the server (cookie, header) is left to the caller.

Unguarded access:

Get and Set also work outside a guarded scope, on whatever is in memory.
Each such call emits WarningUnguardedAccess. Entering a guarded scope while
unguarded writes are pending emits WarningDiscardedWrites: the fresh load
replaces them.

Thread Safety:

The Manager, LockRegistry and backends are safe for concurrent use. A Session
is meant for a single request; open one Session per goroutine.
*/
package syncsession
