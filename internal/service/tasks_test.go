package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corkboard/corkboard/internal/cache"
	"github.com/corkboard/corkboard/internal/flush"
	"github.com/corkboard/corkboard/internal/locks"
	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/storage/sqlite"
	"github.com/corkboard/corkboard/internal/types"
)

type fixture struct {
	tasks *Tasks
	cache cache.BoardCache
	store storage.Storage
	queue *flush.Queue
	locks locks.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := cache.NewMemory()
	t.Cleanup(func() { c.Close() })

	q := flush.New(log, flush.WithDelay(5*time.Millisecond))
	t.Cleanup(func() { q.Close() })

	lm := locks.NewMemory()
	t.Cleanup(func() { lm.Close() })

	return &fixture{
		tasks: NewTasks(c, store, q, lm, log),
		cache: c,
		store: store,
		queue: q,
		locks: lm,
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Flush(ctx))
}

func TestCreateOnEmptyBoard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.tasks.Create(ctx, CreateParams{
		ID:       "a",
		ColumnID: types.ColumnTodo,
		Title:    "A",
		Creator:  Actor{Name: "Ann", Color: "#e6194b"},
	})
	require.NoError(t, err)

	assert.Equal(t, "a", task.ID)
	assert.Equal(t, 0.5, task.Order, "first key in an empty column")
	assert.Equal(t, int64(1), task.Version)
	assert.Equal(t, "Ann", task.CreatorName)
	assert.Equal(t, "Ann", task.UpdatedByName)

	// Write-behind reaches durable storage after the flush delay.
	f.drain(t)
	stored, err := f.store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, task.Order, stored.Order)
}

func TestCreateAppendsToBottom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)
	second, err := f.tasks.Create(ctx, CreateParams{ID: "b", ColumnID: types.ColumnTodo, Title: "B"})
	require.NoError(t, err)

	assert.Greater(t, second.Order, first.Order)

	all, err := f.tasks.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

// emptyScanCache serves a fixed number of empty column scans before
// delegating, reproducing creates that all read the column tail before
// any of their writes land.
type emptyScanCache struct {
	cache.BoardCache
	remaining atomic.Int32
}

func (c *emptyScanCache) ScanColumn(ctx context.Context, col types.ColumnID) ([]*types.Task, error) {
	if c.remaining.Add(-1) >= 0 {
		return nil, nil
	}
	return c.BoardCache.ScanColumn(ctx, col)
}

func TestRacingCreatesCollideThenRebalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	// Three stale scans: both creates read an empty tail, and the first
	// create's neighbor inspection sees nothing either. The second
	// create's inspection is the first real read.
	stale := &emptyScanCache{BoardCache: f.cache}
	stale.remaining.Store(3)
	tasks := NewTasks(stale, f.store, f.queue, f.locks, log)

	first, err := tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)
	second, err := tasks.Create(ctx, CreateParams{ID: "b", ColumnID: types.ColumnTodo, Title: "B"})
	require.NoError(t, err)
	require.Equal(t, first.Order, second.Order, "both creates land on the same key")

	f.drain(t)

	// The collision scheduled a rebalance; the grid restores uniqueness.
	column, err := f.cache.ScanColumn(ctx, types.ColumnTodo)
	require.NoError(t, err)
	require.Len(t, column, 2)
	assert.NotEqual(t, column[0].Order, column[1].Order)
	for i, task := range column {
		assert.Equal(t, float64(i+1)*1000, task.Order, "post-rebalance grid")
	}
}

func TestUpdateMergesOntoLatestState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)

	title := "A, revised"
	// The client supplies a stale version; the merge proceeds anyway.
	updated, err := f.tasks.Update(ctx, UpdateParams{
		ID:      "a",
		Title:   &title,
		Version: created.Version + 5,
		By:      Actor{Name: "Bea", Color: "#3cb44b"},
	})
	require.NoError(t, err)

	assert.Equal(t, "A, revised", updated.Title)
	assert.Equal(t, created.Version+1, updated.Version)
	assert.Equal(t, "Bea", updated.UpdatedByName)
	assert.Equal(t, int64(1), f.tasks.VersionMismatches())
}

func TestUpdateMissingTask(t *testing.T) {
	f := newFixture(t)
	title := "x"
	_, err := f.tasks.Update(context.Background(), UpdateParams{ID: "ghost", Title: &title, Version: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMoveAndEditConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)

	// A concurrent move and edit both apply against the latest state:
	// disjoint field sets, so both effects survive in either order.
	moved, _, err := f.tasks.Move(ctx, MoveParams{
		ID: "a", ColumnID: types.ColumnDone, Order: 7.5, Version: created.Version,
	})
	require.NoError(t, err)

	title := "A, edited mid-flight"
	updated, err := f.tasks.Update(ctx, UpdateParams{
		ID: "a", Title: &title, Version: created.Version, // stale: move already bumped it
	})
	require.NoError(t, err)

	assert.Equal(t, types.ColumnDone, updated.ColumnID)
	assert.Equal(t, 7.5, updated.Order)
	assert.Equal(t, "A, edited mid-flight", updated.Title)
	assert.Equal(t, created.Version+2, updated.Version, "two mutations, two version bumps")
	assert.Equal(t, moved.Version+1, updated.Version)
}

func TestMoveAcrossColumnsUpdatesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)

	_, _, err = f.tasks.Move(ctx, MoveParams{ID: "a", ColumnID: types.ColumnInProgress, Order: 1.5, Version: 1})
	require.NoError(t, err)

	todo, err := f.cache.ScanColumn(ctx, types.ColumnTodo)
	require.NoError(t, err)
	assert.Empty(t, todo, "old column membership removed")

	inProgress, err := f.cache.ScanColumn(ctx, types.ColumnInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "a", inProgress[0].ID)
}

func TestMoveMissingTask(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.tasks.Move(context.Background(), MoveParams{ID: "ghost", ColumnID: types.ColumnDone, Order: 1, Version: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMoveIntoExhaustedGapTriggersRebalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two neighbors whose gap cannot absorb another midpoint.
	seed := []*types.Task{
		{ID: "a", ColumnID: types.ColumnTodo, Title: "A", Order: 0.5, Version: 1},
		{ID: "b", ColumnID: types.ColumnTodo, Title: "B", Order: 0.5 + 5e-10, Version: 1},
		{ID: "c", ColumnID: types.ColumnDone, Title: "C", Order: 0.5, Version: 1},
	}
	for _, task := range seed {
		task.CreatedAt = time.Now().UTC()
		task.UpdatedAt = task.CreatedAt
		require.NoError(t, f.cache.Put(ctx, task))
	}

	_, rebalancing, err := f.tasks.Move(ctx, MoveParams{
		ID: "c", ColumnID: types.ColumnTodo, Order: 0.5 + 2e-10, Version: 1,
	})
	require.NoError(t, err)
	assert.True(t, rebalancing, "exhausted adjacent gap should schedule a rebalance")

	f.drain(t)

	column, err := f.cache.ScanColumn(ctx, types.ColumnTodo)
	require.NoError(t, err)
	require.Len(t, column, 3)
	for i, task := range column {
		assert.Equal(t, float64(i+1)*1000, task.Order, "post-rebalance grid")
	}
	// Relative order survived the re-keying.
	assert.Equal(t, []string{"a", "c", "b"}, []string{column[0].ID, column[1].ID, column[2].ID})

	// Durable storage saw the same grid.
	stored, err := f.store.ListTasks(ctx)
	require.NoError(t, err)
	for _, task := range stored {
		if task.ColumnID == types.ColumnTodo {
			assert.GreaterOrEqual(t, task.Order, 1000.0)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)

	require.NoError(t, f.tasks.Delete(ctx, "a"))
	require.NoError(t, f.tasks.Delete(ctx, "a"), "second delete is a no-op success")

	task, err := f.tasks.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, task)

	f.drain(t)
	_, err = f.store.GetTask(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBurstOfMovesCoalescesToOneWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)
	f.drain(t)

	// A drag burst: many moves inside one debounce window.
	for i := 0; i < 10; i++ {
		_, _, err := f.tasks.Move(ctx, MoveParams{
			ID: "a", ColumnID: types.ColumnTodo, Order: float64(i) + 1.5, Version: int64(i + 1),
		})
		require.NoError(t, err)
	}
	f.drain(t)

	stored, err := f.store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 10.5, stored.Order, "durable state reflects the final position")
	assert.GreaterOrEqual(t, f.queue.Stats().Coalesced, int64(5), "burst collapsed in the queue")
}

func TestColdStartHydratesFromStorage(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	ctx := context.Background()

	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	seed := []*types.Task{
		{ID: "a", ColumnID: types.ColumnTodo, Title: "A", Order: 1000, Version: 3, CreatedAt: now, UpdatedAt: now},
		{ID: "b", ColumnID: types.ColumnDone, Title: "B", Order: 2000, Version: 1, CreatedAt: now, UpdatedAt: now},
	}
	require.NoError(t, store.UpsertTasks(ctx, seed))

	// Fresh empty cache: the first read must hydrate from storage.
	c := cache.NewMemory()
	t.Cleanup(func() { c.Close() })
	q := flush.New(log, flush.WithDelay(5*time.Millisecond))
	t.Cleanup(func() { q.Close() })
	lm := locks.NewMemory()
	t.Cleanup(func() { lm.Close() })
	tasks := NewTasks(c, store, q, lm, log)

	all, err := tasks.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, int64(3), all[0].Version)

	// Subsequent reads come from the cache.
	cached, err := c.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, cached, 2)
}

func TestEmptyCacheRehydratesFromStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)
	f.drain(t)

	// The sliding TTL expired every record while the board sat idle.
	// The next read must fall back to durable storage, not serve an
	// empty board forever.
	require.NoError(t, f.cache.Clear(ctx))

	all, err := f.tasks.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ID)

	cached, err := f.cache.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, cached, 1, "re-hydration backfills the cache")
}

func TestHydrationDoesNotResurrectPendingDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tasks.Create(ctx, CreateParams{ID: "a", ColumnID: types.ColumnTodo, Title: "A"})
	require.NoError(t, err)
	f.drain(t) // the durable row exists

	require.NoError(t, f.tasks.Delete(ctx, "a"))

	// The delete is still inside the write-behind window, so the durable
	// row is stale, not board state.
	all, err := f.tasks.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	task, err := f.tasks.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, task)

	f.drain(t)
	all, err = f.tasks.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRebalanceBacksOffWhileMoveHoldsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := []*types.Task{
		{ID: "a", ColumnID: types.ColumnTodo, Title: "A", Order: 0.5, Version: 1},
		{ID: "b", ColumnID: types.ColumnTodo, Title: "B", Order: 0.5 + 5e-10, Version: 1},
	}
	for _, task := range seed {
		task.CreatedAt = time.Now().UTC()
		task.UpdatedAt = task.CreatedAt
		require.NoError(t, f.cache.Put(ctx, task))
	}

	// A client is mid-move on "a" when the rebalance fires: the rewrite
	// must not run underneath it and clobber the move's outcome.
	acquired, _, err := f.locks.Acquire(ctx, "a", "conn-x")
	require.NoError(t, err)
	require.True(t, acquired)

	_, rebalancing, err := f.tasks.Move(ctx, MoveParams{
		ID: "b", ColumnID: types.ColumnTodo, Order: 0.5 + 2e-10, Version: 1,
	})
	require.NoError(t, err)
	require.True(t, rebalancing)
	f.drain(t)

	column, err := f.cache.ScanColumn(ctx, types.ColumnTodo)
	require.NoError(t, err)
	for _, task := range column {
		assert.Less(t, task.Order, 1.0, "column untouched while the lock is held")
	}

	// The mover finishes and its neighbor inspection re-triggers the
	// rebalance, which now goes through.
	require.NoError(t, f.locks.Release(ctx, "a", "conn-x"))
	_, rebalancing, err = f.tasks.Move(ctx, MoveParams{
		ID: "a", ColumnID: types.ColumnTodo, Order: 0.5, Version: 1,
	})
	require.NoError(t, err)
	require.True(t, rebalancing)
	f.drain(t)

	column, err = f.cache.ScanColumn(ctx, types.ColumnTodo)
	require.NoError(t, err)
	require.Len(t, column, 2)
	for i, task := range column {
		assert.Equal(t, float64(i+1)*1000, task.Order, "post-rebalance grid")
	}
}

func TestGetHydratesSingleMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.store.UpsertTask(ctx, &types.Task{
		ID: "cold", ColumnID: types.ColumnTodo, Title: "Cold", Order: 42, Version: 2,
		CreatedAt: now, UpdatedAt: now,
	}))

	task, err := f.tasks.Get(ctx, "cold")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 42.0, task.Order)

	// Backfilled into the cache and its column index.
	column, err := f.cache.ScanColumn(ctx, types.ColumnTodo)
	require.NoError(t, err)
	require.Len(t, column, 1)
	assert.Equal(t, "cold", column[0].ID)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, p := range []CreateParams{
		{ID: "a", ColumnID: types.ColumnTodo, Title: "A"},
		{ID: "b", ColumnID: types.ColumnTodo, Title: "B"},
		{ID: "c", ColumnID: types.ColumnDone, Title: "C"},
	} {
		_, err := f.tasks.Create(ctx, p)
		require.NoError(t, err)
	}

	stats, err := f.tasks.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Tasks)
	assert.Equal(t, 2, stats.Columns[types.ColumnTodo])
	assert.Equal(t, 0, stats.Columns[types.ColumnInProgress])
	assert.Equal(t, 1, stats.Columns[types.ColumnDone])
}
