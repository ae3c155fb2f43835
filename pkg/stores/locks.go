package stores

import (
	"context"
	"fmt"
	"time"
)

// TryAcquireLock sets key until now+ttl if it is absent or expired, recording
// this store as the holder. It returns false without error while another
// holder owns the lock.
func (s *SQLiteStore) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`, key, s.holder, toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes key if this store still holds it, so the next tick can
// acquire it immediately. A lock taken over by another holder is left alone.
func (s *SQLiteStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND holder = ?`, key, s.holder); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
