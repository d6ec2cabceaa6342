package syncsession

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteBackend struct {
	db          *sql.DB
	mu          sync.Mutex // Serializes writes to avoid SQLITE_BUSY
	storeStmt   *sql.Stmt
	fetchStmt   *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
	prefix      string
	payload     payloadCodec
	now         func() time.Time
}

// SQLiteConfig holds configuration for the SQLite backend.
type SQLiteConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxSessionBytes int
	Prefix          string
	Codec           Codec
	// Now overrides the clock used for expiry. Defaults to time.Now.
	Now func() time.Time
}

func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

func NewSQLiteBackendWithConfig(cfg SQLiteConfig) (*SQLiteBackend, error) {
	// PRAGMAs go into the DSN so they apply to every pooled connection.
	cfg.DSN = withPragma(cfg.DSN, "synchronous", "NORMAL")
	cfg.DSN = withPragma(cfg.DSN, "busy_timeout", "5000")

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// WAL is persistent for the database file, executing it once is sufficient.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		data BLOB,
		created_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON sessions(expires_at);
	`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &SQLiteBackend{
		db:      db,
		prefix:  prefixOrDefault(cfg.Prefix),
		payload: newPayloadCodec(cfg.Codec, cfg.MaxSessionBytes),
		now:     cfg.Now,
	}

	b.storeStmt, err = db.Prepare(`
		INSERT INTO sessions (id, data, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			expires_at = excluded.expires_at
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare store statement: %w", err)
	}

	b.fetchStmt, err = db.Prepare("SELECT data FROM sessions WHERE id = ? AND expires_at > ?")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare fetch statement: %w", err)
	}

	b.deleteStmt, err = db.Prepare("DELETE FROM sessions WHERE id = ?")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	b.cleanupStmt, err = db.Prepare("DELETE FROM sessions WHERE expires_at <= ?")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return b, nil
}

func withPragma(dsn, name, value string) string {
	if strings.Contains(dsn, name) {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=%s=%s", dsn, separator, name, value)
}

func (b *SQLiteBackend) Fetch(ctx context.Context, id string) (map[string]any, error) {
	var data sql.RawBytes

	rows, err := b.fetchStmt.QueryContext(ctx, b.prefix+id, b.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate rows: %w", err)
		}
		return nil, nil // Not found or expired
	}

	if err := rows.Scan(&data); err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	// data is valid only until the next Scan/Close; decode consumes it immediately.
	return b.payload.decode(data)
}

func (b *SQLiteBackend) Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	// Empty payloads are stored as NULL.
	blob, err := b.payload.encode(values)
	if err != nil {
		return err
	}

	now := b.now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.storeStmt.ExecContext(ctx, b.prefix+id, blob, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.deleteStmt.ExecContext(ctx, b.prefix+id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.cleanupStmt.ExecContext(ctx, b.now().UTC()); err != nil {
		return fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.storeStmt != nil {
		b.storeStmt.Close()
	}
	if b.fetchStmt != nil {
		b.fetchStmt.Close()
	}
	if b.deleteStmt != nil {
		b.deleteStmt.Close()
	}
	if b.cleanupStmt != nil {
		b.cleanupStmt.Close()
	}
	return b.db.Close()
}
