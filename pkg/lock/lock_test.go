package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func exerciseLocker(t *testing.T, l Locker, key string) {
	t.Helper()
	ctx := context.Background()

	ok, err := l.TryAcquireLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got %v, %v", ok, err)
	}

	ok, err = l.TryAcquireLock(ctx, key, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail, got %v, %v", ok, err)
	}

	if err := l.Release(ctx, key); err != nil {
		t.Fatalf("failed to release: %v", err)
	}

	ok, err = l.TryAcquireLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release to succeed, got %v, %v", ok, err)
	}
	_ = l.Release(ctx, key)
}

func TestMemoryLocker(t *testing.T) {
	exerciseLocker(t, NewMemoryLocker(), "watchdog:catalog-runs")
}

func TestMemoryLocker_Expiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if ok, _ := l.TryAcquireLock(ctx, "k", 30*time.Second); !ok {
		t.Fatal("expected acquire to succeed")
	}

	now = now.Add(29 * time.Second)
	if ok, _ := l.TryAcquireLock(ctx, "k", 30*time.Second); ok {
		t.Fatal("lock must still be held before ttl")
	}

	now = now.Add(time.Second)
	if ok, _ := l.TryAcquireLock(ctx, "k", 30*time.Second); !ok {
		t.Fatal("expected expired lock to be re-acquired")
	}
}

func TestMemoryLocker_ReleaseKeepsForeignLock(t *testing.T) {
	a := NewMemoryLocker()
	b := a.Holder("b")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if ok, _ := a.TryAcquireLock(ctx, "k", time.Minute); !ok {
		t.Fatal("expected a to acquire")
	}
	if err := b.Release(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := b.TryAcquireLock(ctx, "k", time.Minute); ok {
		t.Fatal("release by a non-holder must not drop the lock")
	}

	// After expiry b takes over; a's late release must leave b's lease.
	now = now.Add(time.Minute)
	if ok, _ := b.TryAcquireLock(ctx, "k", time.Minute); !ok {
		t.Fatal("expected b to acquire the expired lock")
	}
	_ = a.Release(ctx, "k")
	if ok, _ := a.TryAcquireLock(ctx, "k", time.Minute); ok {
		t.Error("stale holder released a lock it no longer owns")
	}

	_ = b.Release(ctx, "k")
	if ok, _ := a.TryAcquireLock(ctx, "k", time.Minute); !ok {
		t.Error("expected the lock to be free after its holder released it")
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     Config
		sqlite  SQLiteLocker
		wantErr bool
	}{
		{name: "memory", cfg: Config{Backend: BackendMemory}},
		{name: "sqlite without store", cfg: Config{Backend: BackendSQLite}, wantErr: true},
		{name: "sqlite default", cfg: Config{}, sqlite: NewMemoryLocker()},
		{name: "unknown", cfg: Config{Backend: "etcd"}, wantErr: true},
		{name: "bad redis url", cfg: Config{Backend: BackendRedis, RedisURL: "://nope"}, wantErr: true},
		{name: "postgres without url", cfg: Config{Backend: BackendPostgres}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(ctx, tt.cfg, tt.sqlite)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			exerciseLocker(t, l, "k")
		})
	}
}

func TestStoreLocker_Prefix(t *testing.T) {
	inner := NewMemoryLocker()
	l, err := New(context.Background(), Config{KeyPrefix: "marquee:"}, inner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	if ok, _ := l.TryAcquireLock(ctx, "watchdog", time.Minute); !ok {
		t.Fatal("expected acquire to succeed")
	}
	if ok, _ := inner.TryAcquireLock(ctx, "marquee:watchdog", time.Minute); ok {
		t.Error("expected prefixed key to be held in the backing store")
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("MARQUEE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MARQUEE_TEST_REDIS_URL not set")
	}

	l, err := NewRedisLockerFromURL(url, "marquee-test:")
	if err != nil {
		t.Fatalf("failed to create locker: %v", err)
	}
	defer l.Close()

	exerciseLocker(t, l, "watchdog:"+time.Now().Format(time.RFC3339Nano))
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	url := os.Getenv("MARQUEE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MARQUEE_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("failed to parse url: %v", err)
	}

	a := NewRedisLocker(redis.NewClient(opts), "marquee-test:")
	b := NewRedisLocker(redis.NewClient(opts), "marquee-test:")
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	key := "foreign:" + time.Now().Format(time.RFC3339Nano)
	if ok, _ := a.TryAcquireLock(ctx, key, time.Minute); !ok {
		t.Fatal("expected a to acquire")
	}
	if err := b.Release(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := b.TryAcquireLock(ctx, key, time.Minute); ok {
		t.Error("release by a non-holder must not drop the lock")
	}
	_ = a.Release(ctx, key)
}

func TestPostgresLocker(t *testing.T) {
	url := os.Getenv("MARQUEE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("MARQUEE_TEST_POSTGRES_URL not set")
	}

	l, err := NewPostgresLocker(context.Background(), url)
	if err != nil {
		t.Fatalf("failed to create locker: %v", err)
	}
	defer l.Close()

	exerciseLocker(t, l, "watchdog:"+time.Now().Format(time.RFC3339Nano))
}
