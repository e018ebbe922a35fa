// Package service implements the pure task mutation logic: create,
// update, move, delete, versioning, and rebalance triggering. It has no
// transport coupling; the router calls it and the flush queue carries
// its writes to durable storage.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corkboard/corkboard/internal/cache"
	"github.com/corkboard/corkboard/internal/conflict"
	"github.com/corkboard/corkboard/internal/flush"
	"github.com/corkboard/corkboard/internal/fracindex"
	"github.com/corkboard/corkboard/internal/locks"
	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/types"
)

// ErrNotFound is returned when a mutation targets a task that does not
// exist on the authoritative side.
var ErrNotFound = errors.New("task not found")

// Tasks is the mutation service. The cache is the source of truth for
// reads; durable storage is the hydration source on cold start and the
// eventual destination of every write via the flush queue.
//
// Move must be called with the per-task lock held. The router acquires
// it so the critical section spans the read-modify-write and the
// broadcast; rebalance jobs take the same locks before rewriting a
// column.
type Tasks struct {
	cache cache.BoardCache
	store storage.Storage
	queue *flush.Queue
	locks locks.Manager
	log   *logrus.Logger

	versionMismatches atomic.Int64
}

// NewTasks wires the mutation service. The lock manager is the same one
// the router serializes moves on; rebalance jobs take it too, so a
// column rewrite never interleaves with a move.
func NewTasks(c cache.BoardCache, store storage.Storage, queue *flush.Queue, lm locks.Manager, log *logrus.Logger) *Tasks {
	return &Tasks{cache: c, store: store, queue: queue, locks: lm, log: log}
}

// Actor is the mutator snapshot stamped onto tasks.
type Actor struct {
	Name  string
	Color string
}

// CreateParams carries a TASK_CREATE payload. The id is client-chosen
// and never rewritten.
type CreateParams struct {
	ID          string
	ColumnID    types.ColumnID
	Title       string
	Description string
	Creator     Actor
}

// UpdateParams carries a TASK_UPDATE payload: title/description only.
// Nil fields are left unchanged.
type UpdateParams struct {
	ID          string
	Title       *string
	Description *string
	Version     int64
	By          Actor
}

// MoveParams carries a TASK_MOVE payload: position fields only.
type MoveParams struct {
	ID       string
	ColumnID types.ColumnID
	Order    float64
	Version  int64
	By       Actor
}

// Create appends a task to the bottom of its column with version 1,
// writes it to the cache, and schedules the durable upsert.
//
// A create reusing an existing id overwrites the record. Client-chosen
// ids make duplicate creates a replay artifact; overwriting keeps
// create idempotent for offline-log replays.
func (s *Tasks) Create(ctx context.Context, p CreateParams) (*types.Task, error) {
	if err := s.ensureHydrated(ctx); err != nil {
		return nil, err
	}

	if existing, err := s.cache.Get(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	} else if existing != nil {
		s.log.WithField("task", p.ID).Warn("create reuses an existing id, overwriting")
	}

	column, err := s.cache.ScanColumn(ctx, p.ColumnID)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	var prev *float64
	if len(column) > 0 {
		prev = &column[len(column)-1].Order
	}
	order, err := fracindex.Between(prev, nil)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:             p.ID,
		ColumnID:       p.ColumnID,
		Title:          p.Title,
		Description:    p.Description,
		Order:          order,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatorName:    p.Creator.Name,
		CreatorColor:   p.Creator.Color,
		UpdatedByName:  p.Creator.Name,
		UpdatedByColor: p.Creator.Color,
	}
	if err := s.cache.Put(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	s.enqueueUpsert(task.ID)

	// Two creates racing into the same column can both read the same
	// tail and land on one key; the neighbor inspection catches the
	// collision and schedules the rebalance that restores uniqueness.
	rebalancing, err := s.needsRebalance(ctx, task)
	if err != nil {
		s.log.WithField("task", p.ID).WithError(err).Warn("neighbor inspection failed after create")
		return task, nil
	}
	if rebalancing {
		s.enqueueRebalance(task.ColumnID)
	}
	return task, nil
}

// Update applies title/description onto the latest server state,
// leaving position untouched. A client-version mismatch does not
// reject the mutation: edits and moves touch disjoint fields, so
// applying the edit to the newest state merges both losslessly. The
// mismatch is logged and counted as an observability signal.
func (s *Tasks) Update(ctx context.Context, p UpdateParams) (*types.Task, error) {
	current, err := s.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotFound
	}
	s.noteMismatch("update", p.ID, p.Version, current.Version)

	merged := conflict.MergeFields(current, p.Title, p.Description, p.By.Name, p.By.Color, time.Now().UTC())
	if err := s.cache.Put(ctx, merged); err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}
	s.enqueueUpsert(merged.ID)
	return merged, nil
}

// Move changes only columnId/order and bumps the version. The caller
// must hold the per-task lock. Returns whether a rebalance was
// scheduled because a neighboring gap is exhausted or an order
// collided.
func (s *Tasks) Move(ctx context.Context, p MoveParams) (*types.Task, bool, error) {
	current, err := s.Get(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, ErrNotFound
	}
	s.noteMismatch("move", p.ID, p.Version, current.Version)

	moved := current.Clone()
	moved.ColumnID = p.ColumnID
	moved.Order = p.Order
	moved.Version++
	moved.UpdatedAt = time.Now().UTC()
	moved.UpdatedByName = p.By.Name
	moved.UpdatedByColor = p.By.Color

	// Put pipelines the record write with the column-set move, so the
	// old membership disappears in the same atomic group.
	if err := s.cache.Put(ctx, moved); err != nil {
		return nil, false, fmt.Errorf("moving task: %w", err)
	}
	s.enqueueUpsert(moved.ID)

	rebalancing, err := s.needsRebalance(ctx, moved)
	if err != nil {
		// The move itself committed; a failed neighbor inspection only
		// delays densification until the next move in this column.
		s.log.WithField("task", p.ID).WithError(err).Warn("neighbor inspection failed after move")
		return moved, false, nil
	}
	if rebalancing {
		s.enqueueRebalance(moved.ColumnID)
	}
	return moved, rebalancing, nil
}

// needsRebalance inspects the task's neighbors in its column: an
// exhausted adjacent gap or a duplicate order key schedules a
// rebalance.
func (s *Tasks) needsRebalance(ctx context.Context, task *types.Task) (bool, error) {
	column, err := s.cache.ScanColumn(ctx, task.ColumnID)
	if err != nil {
		return false, err
	}
	idx := -1
	for i, t := range column {
		if t.ID == task.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	if idx > 0 {
		prev := column[idx-1]
		if prev.Order == task.Order || fracindex.Exhausted(prev.Order, task.Order) {
			return true, nil
		}
	}
	if idx < len(column)-1 {
		next := column[idx+1]
		if next.Order == task.Order || fracindex.Exhausted(task.Order, next.Order) {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes a task idempotently: deleting an absent task succeeds
// and changes nothing.
func (s *Tasks) Delete(ctx context.Context, id string) error {
	if err := s.cache.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	s.enqueueDelete(id)
	return nil
}

// Get returns one task, hydrating the cache from durable storage on a
// miss. Returns (nil, nil) when the task exists nowhere.
func (s *Tasks) Get(ctx context.Context, id string) (*types.Task, error) {
	task, err := s.cache.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading task: %w", err)
	}
	if task != nil {
		return task, nil
	}

	// A durable row whose delete is still debounced is already gone from
	// the board; re-reading it here would resurrect it.
	if kind, ok := s.queue.PendingKind(flush.TaskJobID(id)); ok && kind == flush.KindDelete {
		return nil, nil
	}
	task, err = s.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hydrating task: %w", err)
	}
	if err := s.cache.Put(ctx, task); err != nil {
		return nil, fmt.Errorf("backfilling task: %w", err)
	}
	return task, nil
}

// ListAll returns the whole board sorted by (column, order), hydrating
// from durable storage whenever the cache comes back empty.
func (s *Tasks) ListAll(ctx context.Context) ([]*types.Task, error) {
	if err := s.ensureHydrated(ctx); err != nil {
		return nil, err
	}
	tasks, err := s.cache.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// Stats summarizes per-column task counts.
func (s *Tasks) Stats(ctx context.Context) (*types.BoardStats, error) {
	tasks, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	stats := &types.BoardStats{
		Tasks:   len(tasks),
		Columns: make(map[types.ColumnID]int, len(types.Columns)),
	}
	for _, col := range types.Columns {
		stats.Columns[col] = 0
	}
	for _, t := range tasks {
		stats.Columns[t.ColumnID]++
	}
	return stats, nil
}

// VersionMismatches reports how many tolerated client-version mismatches
// the service has seen. Surfaced on /metrics.
func (s *Tasks) VersionMismatches() int64 {
	return s.versionMismatches.Load()
}

// ensureHydrated populates an empty cache from durable storage. Cache
// records carry a sliding TTL, so a board left idle long enough expires
// wholesale; every empty read re-checks storage rather than trusting a
// cold-start flag. Rows whose delete is still waiting in the
// write-behind window are not board state and must not come back.
// Storage satisfies the same per-column invariants, so a plain batch
// put restores the indices.
func (s *Tasks) ensureHydrated(ctx context.Context) error {
	live, err := s.cache.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("hydration check: %w", err)
	}
	if len(live) > 0 {
		return nil
	}

	stored, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("hydrating board: %w", err)
	}
	fresh := stored[:0]
	for _, task := range stored {
		if kind, ok := s.queue.PendingKind(flush.TaskJobID(task.ID)); ok && kind == flush.KindDelete {
			continue
		}
		fresh = append(fresh, task)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := s.cache.PutBatch(ctx, fresh); err != nil {
		return fmt.Errorf("hydrating board: %w", err)
	}
	s.log.WithField("tasks", len(fresh)).Info("hydrated cache from durable storage")
	return nil
}

func (s *Tasks) noteMismatch(op, id string, client, server int64) {
	if client == server {
		return
	}
	s.versionMismatches.Add(1)
	s.log.WithFields(logrus.Fields{
		"op":     op,
		"task":   id,
		"client": client,
		"server": server,
		"signal": "VERSION_MISMATCH",
	}).Debug("client version lagged server state, merging anyway")
}

// enqueueUpsert schedules the durable write for one task. The job body
// reads the cache at execution time, so a burst of mutations collapses
// to one write of the final state.
func (s *Tasks) enqueueUpsert(id string) {
	err := s.queue.Enqueue(flush.Job{
		ID:   flush.TaskJobID(id),
		Kind: flush.KindUpsert,
		Run: func(ctx context.Context) error {
			task, err := s.cache.Get(ctx, id)
			if err != nil {
				return err
			}
			if task == nil {
				// Deleted (or expired) between enqueue and execution;
				// the delete job owns the durable side.
				return nil
			}
			return s.store.UpsertTask(ctx, task)
		},
	})
	if err != nil {
		s.log.WithField("task", id).WithError(err).Error("failed to enqueue upsert")
	}
}

func (s *Tasks) enqueueDelete(id string) {
	err := s.queue.Enqueue(flush.Job{
		ID:   flush.TaskJobID(id),
		Kind: flush.KindDelete,
		Run: func(ctx context.Context) error {
			return s.store.DeleteTask(ctx, id)
		},
	})
	if err != nil {
		s.log.WithField("task", id).WithError(err).Error("failed to enqueue delete")
	}
}

// enqueueRebalance schedules the column re-densification.
func (s *Tasks) enqueueRebalance(column types.ColumnID) {
	err := s.queue.Enqueue(flush.Job{
		ID:   flush.RebalanceJobID(string(column)),
		Kind: flush.KindRebalance,
		Run: func(ctx context.Context) error {
			return s.rebalance(ctx, column)
		},
	})
	if err != nil {
		s.log.WithField("column", column).WithError(err).Error("failed to enqueue rebalance")
	}
}

// rebalance rewrites one column onto the coarse grid: take every column
// task's lock so no move interleaves with the rewrite, re-read the
// column in sorted order, assign the grid keys, bulk-upsert storage,
// then write the new orders back to the cache in one pipeline so live
// readers see either the old orders or the new ones.
func (s *Tasks) rebalance(ctx context.Context, column types.ColumnID) error {
	tasks, err := s.cache.ScanColumn(ctx, column)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	owner := "rebalance-" + string(column)
	var held []string
	release := func() {
		for _, id := range held {
			if err := s.locks.Release(ctx, id, owner); err != nil {
				s.log.WithField("task", id).WithError(err).Warn("rebalance lock release failed")
			}
		}
	}
	for _, t := range tasks {
		ok, _, err := s.locks.Acquire(ctx, t.ID, owner)
		if err != nil {
			release()
			return err
		}
		if !ok {
			// A move holds this task mid-flight. Back off; its own
			// neighbor inspection re-triggers the rebalance if the
			// column still needs one.
			release()
			return nil
		}
		held = append(held, t.ID)
	}
	defer release()

	// Re-read under the locks: membership may have shifted between the
	// first scan and the last acquire.
	current, err := s.cache.ScanColumn(ctx, column)
	if err != nil {
		return err
	}
	if !sameTaskIDs(tasks, current) {
		s.enqueueRebalance(column)
		return nil
	}

	keys := fracindex.Rebalanced(len(current))
	rekeyed := make([]*types.Task, len(current))
	for i, t := range current {
		c := t.Clone()
		c.Order = keys[i]
		rekeyed[i] = c
	}
	if err := s.store.UpsertTasks(ctx, rekeyed); err != nil {
		return err
	}
	return s.cache.PutBatch(ctx, rekeyed)
}

func sameTaskIDs(a, b []*types.Task) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]struct{}, len(a))
	for _, t := range a {
		ids[t.ID] = struct{}{}
	}
	for _, t := range b {
		if _, ok := ids[t.ID]; !ok {
			return false
		}
	}
	return true
}
