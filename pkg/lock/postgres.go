package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	// Postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

const createLocksTable = `
	CREATE TABLE IF NOT EXISTS marquee_locks (
		key TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)
`

// PostgresLocker implements Locker with a lease row per key.
type PostgresLocker struct {
	db     *sql.DB
	holder string
}

// NewPostgresLocker connects to url and ensures the lease table exists.
func NewPostgresLocker(ctx context.Context, url string) (*PostgresLocker, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres url is required")
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, createLocksTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}

	return &PostgresLocker{db: db, holder: uuid.New().String()}, nil
}

// TryAcquireLock implements engine.Locker.
func (p *PostgresLocker) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO marquee_locks (key, holder, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE marquee_locks.expires_at <= now()
	`, key, p.holder, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire postgres lock %s: %w", key, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Release implements Locker.
func (p *PostgresLocker) Release(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM marquee_locks WHERE key = $1 AND holder = $2`, key, p.holder); err != nil {
		return fmt.Errorf("failed to release postgres lock %s: %w", key, err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresLocker) Close() error {
	return p.db.Close()
}
