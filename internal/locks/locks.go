// Package locks provides the per-task advisory mutex that serializes
// concurrent moves.
//
// A lock is a TTL-bounded set-if-absent entry keyed by task id. The TTL
// bounds recovery from a holder that crashes between acquire and release;
// release is compare-and-delete so a late release after expiry can never
// erase a successor's lock. Owners are process-scoped identifiers (the
// connection id), which is all compare-and-delete needs for correctness.
package locks

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a crashed holder can block a task.
const DefaultTTL = 2 * time.Second

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("lock manager is closed")

// Manager is the advisory per-task mutex.
//
// Acquire returns (true, "", nil) when the caller now holds the lock, or
// (false, holder, nil) naming the current owner so the loser notification
// can carry it. Release only removes the lock while ownerID still holds
// it; releasing someone else's lock is a silent no-op.
type Manager interface {
	Acquire(ctx context.Context, taskID, ownerID string) (bool, string, error)
	Release(ctx context.Context, taskID, ownerID string) error
	Close() error
}

// Option configures a lock manager backend.
type Option func(*settings)

type settings struct {
	namespace string
	ttl       time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{namespace: "board", ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithNamespace sets the key namespace prefix.
func WithNamespace(ns string) Option {
	return func(s *settings) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithTTL overrides the lock TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}
