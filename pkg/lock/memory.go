package lock

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	holder  string
	expires time.Time
}

// memoryTable is the lease table shared by the MemoryLockers of one process.
type memoryTable struct {
	mu    sync.Mutex
	locks map[string]memoryLease
	now   func() time.Time
}

// MemoryLocker is a process-local Locker for tests and single-instance
// deployments.
type MemoryLocker struct {
	table  *memoryTable
	holder string
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		table:  &memoryTable{locks: make(map[string]memoryLease), now: time.Now},
		holder: "local",
	}
}

// Holder returns a locker over the same leases acting as another holder, as a
// second instance sharing the backend would.
func (m *MemoryLocker) Holder(name string) *MemoryLocker {
	return &MemoryLocker{table: m.table, holder: name}
}

// SetClock replaces the clock used for expiry.
func (m *MemoryLocker) SetClock(now func() time.Time) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	m.table.now = now
}

// TryAcquireLock implements engine.Locker.
func (m *MemoryLocker) TryAcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if lease, held := t.locks[key]; held && lease.expires.After(now) {
		return false, nil
	}
	t.locks[key] = memoryLease{holder: m.holder, expires: now.Add(ttl)}
	return true, nil
}

// Release implements engine.Locker.
func (m *MemoryLocker) Release(_ context.Context, key string) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if lease, held := t.locks[key]; held && lease.holder == m.holder {
		delete(t.locks, key)
	}
	return nil
}
