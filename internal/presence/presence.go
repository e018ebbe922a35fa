// Package presence tracks the live participants on the board.
//
// A participant record is created on connect, refreshed on every handled
// event, and removed on clean disconnect; the TTL reclaims entries whose
// connection vanished without teardown. Colors come from a fixed 6-color
// palette assigned least-used-first across the active set, so a full
// board shows distinct colors as long as distinct colors remain.
package presence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/corkboard/corkboard/internal/types"
)

// Palette is the pool participant colors are drawn from.
var Palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#f032e6",
}

// DefaultTTL reclaims participants whose connection vanished without a
// clean disconnect.
const DefaultTTL = 2 * time.Hour

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("presence registry is closed")

// Registry is the live-participant store.
//
// ListActive self-heals: any member of the active set whose record has
// expired is pruned as a side effect and not returned.
type Registry interface {
	Register(ctx context.Context, userID, displayName string) (*types.UserPresence, error)
	Touch(ctx context.Context, userID string) error
	SetEditing(ctx context.Context, userID string, taskID *string) (*types.UserPresence, error)
	Remove(ctx context.Context, userID string) error
	ListActive(ctx context.Context) ([]*types.UserPresence, error)
	Close() error
}

// Option configures a registry backend.
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

// WithTTL overrides the participant TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// pickColor returns the least-used palette color across the active
// participants, preferring earlier palette entries on ties so
// assignment is deterministic.
func pickColor(active []*types.UserPresence) string {
	counts := make(map[string]int, len(Palette))
	for _, p := range active {
		counts[p.Color]++
	}
	best := Palette[0]
	for _, c := range Palette {
		if counts[c] < counts[best] {
			best = c
		}
	}
	return best
}

// sortPresence orders participants by connection time then id, the
// stable shape PRESENCE_STATE broadcasts use.
func sortPresence(list []*types.UserPresence) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ConnectedAt.Before(list[j].ConnectedAt)
		}
		return list[i].UserID < list[j].UserID
	})
}
