//go:build integration

package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/corkboard/corkboard/internal/types"
)

func getTestRedisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("CORK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CORK_TEST_REDIS_URL not set, skipping Redis integration tests")
	}
	return url
}

func newTestRedisCache(t *testing.T, opts ...Option) *Redis {
	t.Helper()
	url := getTestRedisURL(t)

	// Unique namespace per test to avoid interference.
	ns := fmt.Sprintf("cork-test-%d", time.Now().UnixNano())
	allOpts := append([]Option{WithNamespace(ns)}, opts...)

	c, err := NewRedis(url, allOpts...)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() {
		c.Clear(context.Background())
		c.Close()
	})
	return c
}

func testTask(id string, col types.ColumnID, order float64) *types.Task {
	now := time.Now().UTC()
	return &types.Task{
		ID:        id,
		ColumnID:  col,
		Title:     "Task " + id,
		Order:     order,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRedisPutGet(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	task := testTask("a", types.ColumnTodo, 0.5)
	if err := c.Put(ctx, task); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := c.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil, want task")
	}
	if got.Title != task.Title || got.Order != task.Order {
		t.Errorf("Get() = %+v, want %+v", got, task)
	}

	missing, err := c.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get(missing) error = %v", err)
	}
	if missing != nil {
		t.Errorf("Get(missing) = %+v, want nil", missing)
	}
}

func TestRedisColumnMembershipMovesWithTask(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	task := testTask("a", types.ColumnTodo, 0.5)
	if err := c.Put(ctx, task); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	moved := task.Clone()
	moved.ColumnID = types.ColumnDone
	moved.Version = 2
	if err := c.Put(ctx, moved); err != nil {
		t.Fatalf("Put(moved) error = %v", err)
	}

	todo, err := c.ScanColumn(ctx, types.ColumnTodo)
	if err != nil {
		t.Fatalf("ScanColumn(todo) error = %v", err)
	}
	if len(todo) != 0 {
		t.Errorf("todo column has %d tasks after move, want 0", len(todo))
	}

	done, err := c.ScanColumn(ctx, types.ColumnDone)
	if err != nil {
		t.Fatalf("ScanColumn(done) error = %v", err)
	}
	if len(done) != 1 || done[0].ID != "a" {
		t.Errorf("done column = %v, want [a]", done)
	}
}

func TestRedisListAllSortsBoard(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	batch := []*types.Task{
		testTask("c", types.ColumnDone, 1.0),
		testTask("a", types.ColumnTodo, 2.0),
		testTask("b", types.ColumnTodo, 1.0),
	}
	if err := c.PutBatch(ctx, batch); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}

	all, err := c.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAll() returned %d tasks, want 3", len(all))
	}
	wantOrder := []string{"b", "a", "c"}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, all[i].ID, id)
		}
	}
}

func TestRedisExpiredRecordHealsIndex(t *testing.T) {
	c := newTestRedisCache(t, WithTTL(50*time.Millisecond))
	ctx := context.Background()

	if err := c.Put(ctx, testTask("a", types.ColumnTodo, 0.5)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	// The record expired but the set membership survived; a read prunes it.
	all, err := c.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("ListAll() = %d tasks after expiry, want 0", len(all))
	}

	members, err := c.Client().SMembers(ctx, c.boardKey()).Result()
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	if len(members) != 0 {
		t.Errorf("board index kept %v after prune, want empty", members)
	}
}

func TestRedisDeleteIsIdempotent(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, testTask("a", types.ColumnTodo, 0.5)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() again error = %v", err)
	}

	got, err := c.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() after delete = %+v, want nil", got)
	}
}
