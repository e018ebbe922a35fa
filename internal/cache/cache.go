// Package cache implements the authoritative hot store for board tasks.
//
// The cache owns the live task record: every mutation lands here first and
// reaches durable storage later through the flush queue. Each task is a
// JSON record plus two memberships, one in its column's set and one in the
// board-wide set, so column scans and full-board reads never have to
// deserialize tasks they don't want. Records carry a sliding TTL; the
// index sets self-heal when a record expires underneath them.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/corkboard/corkboard/internal/types"
)

const (
	defaultNamespace = "board"
	defaultTTL       = time.Hour
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("board cache is closed")

// BoardCache is the authoritative in-memory/external hot store.
//
// Put and Delete must apply the record write and both set memberships as
// one atomic group: a concurrent ListAll may never observe a task in two
// columns, or in no column while the task logically exists. Get returns
// (nil, nil) on a miss so callers can distinguish absence from failure.
type BoardCache interface {
	Put(ctx context.Context, task *types.Task) error
	PutBatch(ctx context.Context, tasks []*types.Task) error
	Get(ctx context.Context, id string) (*types.Task, error)
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]*types.Task, error)
	ScanColumn(ctx context.Context, column types.ColumnID) ([]*types.Task, error)
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Option configures a cache backend.
type Option func(*settings)

type settings struct {
	namespace string
	ttl       time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{namespace: defaultNamespace, ttl: defaultTTL}
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

// WithTTL sets the sliding TTL applied to task records.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}
