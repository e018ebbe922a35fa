package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corkboard/corkboard/internal/types"
)

// Redis implements Registry on a Redis server. Participant records live
// at {ns}:presence:{id} with the presence TTL; the active set is
// {ns}:presence. The set never expires on its own; ListActive prunes
// members whose record is gone.
type Redis struct {
	client   *redis.Client
	settings settings
	closed   atomic.Bool
}

var _ Registry = (*Redis)(nil)

// NewRedis builds a registry on an existing Redis connection pool.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{client: client, settings: newSettings(opts)}
}

func (r *Redis) recordKey(userID string) string {
	return r.settings.namespace + ":presence:" + userID
}

func (r *Redis) setKey() string {
	return r.settings.namespace + ":presence"
}

// Register creates the participant record, assigning the least-used
// palette color across the currently active set.
func (r *Redis) Register(ctx context.Context, userID, displayName string) (*types.UserPresence, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	p := &types.UserPresence{
		UserID:      userID,
		DisplayName: displayName,
		Color:       pickColor(active),
		ConnectedAt: time.Now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("registering presence: %w", err)
	}
	if err := r.put(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// put writes the record and set membership in one pipeline.
func (r *Redis) put(ctx context.Context, p *types.UserPresence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling presence: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.recordKey(p.UserID), data, r.settings.ttl)
	pipe.SAdd(ctx, r.setKey(), p.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing presence: %w", err)
	}
	return nil
}

// Touch slides the participant's TTL. Unknown users are a no-op; their
// next event re-registers them through the connect path.
func (r *Redis) Touch(ctx context.Context, userID string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.Expire(ctx, r.recordKey(userID), r.settings.ttl).Err(); err != nil {
		return fmt.Errorf("refreshing presence: %w", err)
	}
	return nil
}

// SetEditing updates the participant's editing focus (nil clears it)
// and slides the TTL.
func (r *Redis) SetEditing(ctx context.Context, userID string, taskID *string) (*types.UserPresence, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	data, err := r.client.Get(ctx, r.recordKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading presence: %w", err)
	}

	var p types.UserPresence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling presence: %w", err)
	}
	p.EditingTaskID = taskID
	if err := r.put(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Remove deletes the participant on clean disconnect.
func (r *Redis) Remove(ctx context.Context, userID string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.recordKey(userID))
	pipe.SRem(ctx, r.setKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing presence: %w", err)
	}
	return nil
}

// ListActive returns the live participants sorted by connection time,
// pruning set members whose record expired.
func (r *Redis) ListActive(ctx context.Context) ([]*types.UserPresence, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	ids, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing presence index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching presence records: %w", err)
	}

	var results []*types.UserPresence
	var stale []interface{}
	for i, val := range values {
		if val == nil {
			stale = append(stale, ids[i])
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue
		}
		var p types.UserPresence
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			continue
		}
		results = append(results, &p)
	}

	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.setKey(), stale...).Err()
	}

	sortPresence(results)
	return results, nil
}

// Close marks the registry closed. The shared Redis client is owned by
// the cache and is not closed here.
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}
