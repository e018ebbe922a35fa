package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/corkboard/corkboard/internal/types"
)

// Memory implements BoardCache in process memory: a TTL cache for the
// records plus mutex-guarded index sets. It backs unit tests and the
// cacheless dev mode (CORK_CACHE_URL="") with the same semantics as the
// Redis backend, including index self-healing after a record expires.
type Memory struct {
	mu      sync.Mutex
	records *gocache.Cache
	columns map[types.ColumnID]map[string]struct{}
	board   map[string]struct{}
	ttl     time.Duration
	closed  atomic.Bool
}

var _ BoardCache = (*Memory)(nil)

// NewMemory creates an in-process cache.
func NewMemory(opts ...Option) *Memory {
	s := newSettings(opts)
	m := &Memory{
		records: gocache.New(s.ttl, 10*time.Minute),
		columns: make(map[types.ColumnID]map[string]struct{}, len(types.Columns)),
		board:   make(map[string]struct{}),
		ttl:     s.ttl,
	}
	for _, col := range types.Columns {
		m.columns[col] = make(map[string]struct{})
	}
	return m
}

// putLocked applies one task's record write and membership moves.
// Caller holds mu.
func (m *Memory) putLocked(task *types.Task) {
	m.records.Set(task.ID, task.Clone(), m.ttl)
	for col, set := range m.columns {
		if col != task.ColumnID {
			delete(set, task.ID)
		}
	}
	if set, ok := m.columns[task.ColumnID]; ok {
		set[task.ID] = struct{}{}
	}
	m.board[task.ID] = struct{}{}
}

// Put writes the record and both set memberships under one lock.
func (m *Memory) Put(ctx context.Context, task *types.Task) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("caching task: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(task)
	return nil
}

// PutBatch writes several tasks under one lock.
func (m *Memory) PutBatch(ctx context.Context, tasks []*types.Task) error {
	if m.closed.Load() {
		return ErrClosed
	}
	for _, task := range tasks {
		if task == nil {
			return fmt.Errorf("task cannot be nil")
		}
		if err := task.Validate(); err != nil {
			return fmt.Errorf("caching task %s: %w", task.ID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range tasks {
		m.putLocked(task)
	}
	return nil
}

// Get retrieves a task by id, sliding its TTL. Returns (nil, nil) on a
// miss and prunes any stale index memberships for that id.
func (m *Memory) Get(ctx context.Context, id string) (*types.Task, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.records.Get(id)
	if !ok {
		m.pruneLocked(id)
		return nil, nil
	}
	task := val.(*types.Task)
	m.records.Set(id, task, m.ttl)
	return task.Clone(), nil
}

// Delete removes the record and both memberships; absent ids are a no-op.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records.Delete(id)
	m.pruneLocked(id)
	return nil
}

// ListAll materializes every live task.
func (m *Memory) ListAll(ctx context.Context) ([]*types.Task, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.board))
	for id := range m.board {
		ids = append(ids, id)
	}
	return m.fetchLocked(ids, ""), nil
}

// ScanColumn materializes one column's live tasks.
func (m *Memory) ScanColumn(ctx context.Context, column types.ColumnID) ([]*types.Task, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.columns[column]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return m.fetchLocked(ids, column), nil
}

// fetchLocked resolves ids to live records, pruning stale memberships and
// sliding TTLs. Caller holds mu.
func (m *Memory) fetchLocked(ids []string, column types.ColumnID) []*types.Task {
	var results []*types.Task
	for _, id := range ids {
		val, ok := m.records.Get(id)
		if !ok {
			m.pruneLocked(id)
			continue
		}
		task := val.(*types.Task)
		if column != "" && task.ColumnID != column {
			delete(m.columns[column], id)
			continue
		}
		m.records.Set(id, task, m.ttl)
		results = append(results, task.Clone())
	}
	types.SortBoard(results)
	return results
}

// pruneLocked drops an id from every index set. Caller holds mu.
func (m *Memory) pruneLocked(id string) {
	for _, set := range m.columns {
		delete(set, id)
	}
	delete(m.board, id)
}

// Clear empties the cache.
func (m *Memory) Clear(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records.Flush()
	for _, set := range m.columns {
		for id := range set {
			delete(set, id)
		}
	}
	m.board = make(map[string]struct{})
	return nil
}

// Ping always succeeds while the cache is open.
func (m *Memory) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close marks the cache closed; subsequent calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
