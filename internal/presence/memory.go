package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/corkboard/corkboard/internal/types"
)

// Memory implements Registry in process memory: TTL records in go-cache
// plus a mutex-guarded active set with the same self-healing semantics
// as the Redis backend.
type Memory struct {
	mu      sync.Mutex
	records *gocache.Cache
	active  map[string]struct{}
	ttl     time.Duration
	closed  atomic.Bool
}

var _ Registry = (*Memory)(nil)

// NewMemory creates an in-process presence registry.
func NewMemory(opts ...Option) *Memory {
	s := newSettings(opts)
	return &Memory{
		records: gocache.New(s.ttl, 10*time.Minute),
		active:  make(map[string]struct{}),
		ttl:     s.ttl,
	}
}

// Register creates the participant record with the least-used color.
func (m *Memory) Register(ctx context.Context, userID, displayName string) (*types.UserPresence, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := &types.UserPresence{
		UserID:      userID,
		DisplayName: displayName,
		Color:       pickColor(m.listLocked()),
		ConnectedAt: time.Now().UTC(),
	}
	m.records.Set(userID, p.Clone(), m.ttl)
	m.active[userID] = struct{}{}
	return p, nil
}

// Touch slides the participant's TTL.
func (m *Memory) Touch(ctx context.Context, userID string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.records.Get(userID); ok {
		m.records.Set(userID, val, m.ttl)
	}
	return nil
}

// SetEditing updates the participant's editing focus and slides the TTL.
func (m *Memory) SetEditing(ctx context.Context, userID string, taskID *string) (*types.UserPresence, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.records.Get(userID)
	if !ok {
		return nil, nil
	}
	p := val.(*types.UserPresence).Clone()
	p.EditingTaskID = taskID
	m.records.Set(userID, p, m.ttl)
	return p.Clone(), nil
}

// Remove deletes the participant.
func (m *Memory) Remove(ctx context.Context, userID string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records.Delete(userID)
	delete(m.active, userID)
	return nil
}

// ListActive returns the live participants, pruning stale set members.
func (m *Memory) ListActive(ctx context.Context) ([]*types.UserPresence, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(), nil
}

// listLocked materializes the active set, pruning ids whose record
// expired. Caller holds mu.
func (m *Memory) listLocked() []*types.UserPresence {
	var results []*types.UserPresence
	for id := range m.active {
		val, ok := m.records.Get(id)
		if !ok {
			delete(m.active, id)
			continue
		}
		results = append(results, val.(*types.UserPresence).Clone())
	}
	sortPresence(results)
	return results
}

// Close marks the registry closed.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
