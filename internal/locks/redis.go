package locks

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while ownerID still holds it.
// GET+DEL must be one atomic step: between a plain GET and DEL the TTL
// can expire and a successor can acquire, and the DEL would then erase
// the successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Manager on a Redis server using SET NX with a TTL.
type Redis struct {
	client   *redis.Client
	settings settings
	closed   atomic.Bool
}

var _ Manager = (*Redis)(nil)

// NewRedis builds a lock manager on an existing Redis connection pool,
// typically the one the board cache already holds.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{client: client, settings: newSettings(opts)}
}

func (m *Redis) key(taskID string) string {
	return m.settings.namespace + ":lock:task:" + taskID
}

// Acquire attempts a set-if-absent with TTL. On contention it reports
// the current holder; the holder read is best-effort since the lock can
// expire between the two commands.
func (m *Redis) Acquire(ctx context.Context, taskID, ownerID string) (bool, string, error) {
	if m.closed.Load() {
		return false, "", ErrClosed
	}

	ok, err := m.client.SetNX(ctx, m.key(taskID), ownerID, m.settings.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("acquiring lock: %w", err)
	}
	if ok {
		return true, "", nil
	}

	holder, err := m.client.Get(ctx, m.key(taskID)).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("reading lock holder: %w", err)
	}
	return false, holder, nil
}

// Release removes the lock if ownerID still holds it.
func (m *Redis) Release(ctx context.Context, taskID, ownerID string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := releaseScript.Run(ctx, m.client, []string{m.key(taskID)}, ownerID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// Close marks the manager closed. The shared Redis client is owned by
// the cache and is not closed here.
func (m *Redis) Close() error {
	m.closed.Store(true)
	return nil
}
