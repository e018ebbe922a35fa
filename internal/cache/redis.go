package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corkboard/corkboard/internal/types"
)

// Redis implements BoardCache on a Redis server. Task records live at
// {ns}:task:{id} with a sliding TTL; memberships live in the sets
// {ns}:column:{columnId}:tasks and {ns}:tasks. Multi-key writes go
// through a single pipeline so readers never see a torn task.
type Redis struct {
	client   *redis.Client
	settings settings
	closed   atomic.Bool
}

var _ BoardCache = (*Redis)(nil)

// NewRedis connects to redisURL (e.g. "redis://localhost:6379/0") and
// verifies connectivity before returning.
func NewRedis(redisURL string, opts ...Option) (*Redis, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: client, settings: newSettings(opts)}, nil
}

// Client exposes the underlying connection pool so the lock manager and
// presence registry can share it instead of opening their own.
func (c *Redis) Client() *redis.Client {
	return c.client
}

func (c *Redis) taskKey(id string) string {
	return c.settings.namespace + ":task:" + id
}

func (c *Redis) columnKey(col types.ColumnID) string {
	return c.settings.namespace + ":column:" + string(col) + ":tasks"
}

func (c *Redis) boardKey() string {
	return c.settings.namespace + ":tasks"
}

// putInPipe queues one task's record write and membership moves.
func (c *Redis) putInPipe(ctx context.Context, pipe redis.Pipeliner, task *types.Task, data []byte) {
	pipe.Set(ctx, c.taskKey(task.ID), data, c.settings.ttl)
	for _, col := range types.Columns {
		if col != task.ColumnID {
			pipe.SRem(ctx, c.columnKey(col), task.ID)
		}
	}
	pipe.SAdd(ctx, c.columnKey(task.ColumnID), task.ID)
	pipe.SAdd(ctx, c.boardKey(), task.ID)
}

// Put writes the record and both set memberships atomically.
func (c *Redis) Put(ctx context.Context, task *types.Task) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("caching task: %w", err)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}

	pipe := c.client.Pipeline()
	c.putInPipe(ctx, pipe, task, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching task: %w", err)
	}
	return nil
}

// PutBatch writes several tasks in one pipeline. The rebalance job uses
// this so live readers see either the old orders or the new ones, never
// a mix.
func (c *Redis) PutBatch(ctx context.Context, tasks []*types.Task) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(tasks) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, task := range tasks {
		if task == nil {
			return fmt.Errorf("task cannot be nil")
		}
		if err := task.Validate(); err != nil {
			return fmt.Errorf("caching task %s: %w", task.ID, err)
		}
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshaling task %s: %w", task.ID, err)
		}
		c.putInPipe(ctx, pipe, task, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching tasks: %w", err)
	}
	return nil
}

// Get retrieves a task by id, refreshing its sliding TTL. Returns
// (nil, nil) if not found; a stale index membership is pruned as a side
// effect.
func (c *Redis) Get(ctx context.Context, id string) (*types.Task, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	data, err := c.client.GetEx(ctx, c.taskKey(id), c.settings.ttl).Bytes()
	if err == redis.Nil {
		c.pruneStale(ctx, id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}

	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshaling task: %w", err)
	}
	return &task, nil
}

// Delete removes the record and both set memberships atomically.
// Deleting an absent task is a no-op.
func (c *Redis) Delete(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, c.taskKey(id))
	for _, col := range types.Columns {
		pipe.SRem(ctx, c.columnKey(col), id)
	}
	pipe.SRem(ctx, c.boardKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return nil
}

// ListAll materializes every live task on the board.
func (c *Redis) ListAll(ctx context.Context) ([]*types.Task, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := c.client.SMembers(ctx, c.boardKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing board index: %w", err)
	}
	return c.fetchByIDs(ctx, ids, "")
}

// ScanColumn materializes one column's live tasks.
func (c *Redis) ScanColumn(ctx context.Context, column types.ColumnID) ([]*types.Task, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := c.client.SMembers(ctx, c.columnKey(column)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing column index: %w", err)
	}
	return c.fetchByIDs(ctx, ids, column)
}

// fetchByIDs MGETs the given records, prunes stale index members, slides
// the TTL of every hit, and (when column is set) drops records whose
// column drifted from the set they were found in.
func (c *Redis) fetchByIDs(ctx context.Context, ids []string, column types.ColumnID) ([]*types.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.taskKey(id)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching tasks: %w", err)
	}

	var results []*types.Task
	var staleIDs []string
	for i, val := range values {
		if val == nil {
			staleIDs = append(staleIDs, ids[i])
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue
		}
		var task types.Task
		if err := json.Unmarshal([]byte(str), &task); err != nil {
			continue
		}
		if column != "" && task.ColumnID != column {
			// Record moved but this set kept the membership; Put pipelines
			// make that window tiny, but heal it if we catch one.
			c.client.SRem(ctx, c.columnKey(column), task.ID)
			continue
		}
		results = append(results, &task)
	}

	if len(staleIDs) > 0 {
		c.pruneStale(ctx, staleIDs...)
	}
	if len(results) > 0 {
		pipe := c.client.Pipeline()
		for _, task := range results {
			pipe.Expire(ctx, c.taskKey(task.ID), c.settings.ttl)
		}
		_, _ = pipe.Exec(ctx)
	}

	types.SortBoard(results)
	return results, nil
}

// pruneStale drops ids whose records expired from every index set.
func (c *Redis) pruneStale(ctx context.Context, ids ...string) {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := c.client.Pipeline()
	for _, col := range types.Columns {
		pipe.SRem(ctx, c.columnKey(col), members...)
	}
	pipe.SRem(ctx, c.boardKey(), members...)
	_, _ = pipe.Exec(ctx)
}

// Clear removes every task record and index set in this namespace.
func (c *Redis) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	ids, err := c.client.SMembers(ctx, c.boardKey()).Result()
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}

	keys := make([]string, 0, len(ids)+len(types.Columns)+1)
	for _, id := range ids {
		keys = append(keys, c.taskKey(id))
	}
	for _, col := range types.Columns {
		keys = append(keys, c.columnKey(col))
	}
	keys = append(keys, c.boardKey())
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (c *Redis) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.client.Ping(ctx).Err()
}

// Close releases Redis resources.
func (c *Redis) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.client.Close()
}
