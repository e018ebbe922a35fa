package locks

import (
	"context"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
)

// Memory implements Manager in process memory for tests and cacheless
// dev mode. go-cache's Add gives atomic set-if-absent with a per-entry
// TTL; the mutex makes the owner check and delete in Release one step.
type Memory struct {
	mu     sync.Mutex
	locks  *gocache.Cache
	ttl    settings
	closed atomic.Bool
}

var _ Manager = (*Memory)(nil)

// NewMemory creates an in-process lock manager.
func NewMemory(opts ...Option) *Memory {
	s := newSettings(opts)
	return &Memory{
		locks: gocache.New(s.ttl, s.ttl),
		ttl:   s,
	}
}

// Acquire attempts a set-if-absent with TTL.
func (m *Memory) Acquire(ctx context.Context, taskID, ownerID string) (bool, string, error) {
	if m.closed.Load() {
		return false, "", ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.locks.Add(taskID, ownerID, m.ttl.ttl); err != nil {
		holder, ok := m.locks.Get(taskID)
		if !ok {
			// Expired between Add and Get; contention is already resolved.
			return false, "", nil
		}
		return false, holder.(string), nil
	}
	return true, "", nil
}

// Release removes the lock if ownerID still holds it.
func (m *Memory) Release(ctx context.Context, taskID, ownerID string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.locks.Get(taskID); ok && holder.(string) == ownerID {
		m.locks.Delete(taskID)
	}
	return nil
}

// Close marks the manager closed.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
