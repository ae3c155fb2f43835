package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/marquee-labs/marquee/pkg/engine"
)

// Backend names.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Locker is a distributed mutex that can be released early by its holder.
// Each backend identifies the holder per instance: a token per acquisition
// for Redis, a holder id per locker for Postgres and memory and per store for
// SQLite.
type Locker = engine.Locker

// Config selects and configures a lock backend.
type Config struct {
	Backend     string `yaml:"backend" env:"BACKEND" validate:"oneof=sqlite redis postgres memory"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL" validate:"required_if=Backend redis"`
	PostgresURL string `yaml:"postgres_url" env:"POSTGRES_URL" validate:"required_if=Backend postgres"`
	KeyPrefix   string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// SQLiteLocker is the subset of the SQLite store used for locking.
type SQLiteLocker interface {
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// New opens the configured backend. The sqlite backend reuses the primary store.
func New(ctx context.Context, cfg Config, sqlite SQLiteLocker) (Locker, error) {
	switch cfg.Backend {
	case "", BackendSQLite:
		if sqlite == nil {
			return nil, fmt.Errorf("sqlite lock backend requires a store")
		}
		return &storeLocker{store: sqlite, prefix: cfg.KeyPrefix}, nil
	case BackendRedis:
		return NewRedisLockerFromURL(cfg.RedisURL, cfg.KeyPrefix)
	case BackendPostgres:
		return NewPostgresLocker(ctx, cfg.PostgresURL)
	case BackendMemory:
		return NewMemoryLocker(), nil
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", cfg.Backend)
	}
}

// storeLocker adapts the SQLite store lease table.
type storeLocker struct {
	store  SQLiteLocker
	prefix string
}

func (l *storeLocker) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.store.TryAcquireLock(ctx, l.prefix+key, ttl)
}

func (l *storeLocker) Release(ctx context.Context, key string) error {
	return l.store.Release(ctx, l.prefix+key)
}
