package syncsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type PostgreSQLBackend struct {
	db          *sql.DB
	storeStmt   *sql.Stmt
	fetchStmt   *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
	prefix      string
	payload     payloadCodec
	now         func() time.Time
}

// PostgreSQLConfig holds configuration for the PostgreSQL backend.
type PostgreSQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MaxSessionBytes int
	Prefix          string
	Codec           Codec
	// Now overrides the clock used for expiry. Defaults to time.Now.
	Now func() time.Time
}

// NewPostgreSQLBackend creates a new PostgreSQL backend with default configuration.
func NewPostgreSQLBackend(dsn string) (*PostgreSQLBackend, error) {
	return NewPostgreSQLBackendWithConfig(PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLBackendWithConfig creates a new PostgreSQL backend with custom configuration.
func NewPostgreSQLBackendWithConfig(cfg PostgreSQLConfig) (*PostgreSQLBackend, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
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
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		data BYTEA,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL
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
	b := &PostgreSQLBackend{
		db:      db,
		prefix:  prefixOrDefault(cfg.Prefix),
		payload: newPayloadCodec(cfg.Codec, cfg.MaxSessionBytes),
		now:     cfg.Now,
	}

	// Requires PostgreSQL 9.5+ for ON CONFLICT.
	b.storeStmt, err = db.Prepare(`
		INSERT INTO sessions (id, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(id) DO UPDATE SET
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare store statement: %w", err)
	}

	b.fetchStmt, err = db.Prepare("SELECT data FROM sessions WHERE id = $1 AND expires_at > $2")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare fetch statement: %w", err)
	}

	b.deleteStmt, err = db.Prepare("DELETE FROM sessions WHERE id = $1")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	b.cleanupStmt, err = db.Prepare("DELETE FROM sessions WHERE expires_at <= $1")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return b, nil
}

func (b *PostgreSQLBackend) Fetch(ctx context.Context, id string) (map[string]any, error) {
	var data []byte

	err := b.fetchStmt.QueryRowContext(ctx, b.prefix+id, b.now()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found or expired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	return b.payload.decode(data)
}

func (b *PostgreSQLBackend) Store(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	blob, err := b.payload.encode(values)
	if err != nil {
		return err
	}

	now := b.now()
	if _, err := b.storeStmt.ExecContext(ctx, b.prefix+id, blob, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (b *PostgreSQLBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.deleteStmt.ExecContext(ctx, b.prefix+id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (b *PostgreSQLBackend) Cleanup(ctx context.Context) error {
	if _, err := b.cleanupStmt.ExecContext(ctx, b.now()); err != nil {
		return fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return nil
}

func (b *PostgreSQLBackend) Close() error {
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
