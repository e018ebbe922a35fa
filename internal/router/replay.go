package router

import (
	"context"
	"encoding/json"
	"sort"
)

// handleReplayOps re-applies a client's offline operation log through
// the same handler chain as live events, so the conflict pipeline —
// locks, field merges, rebalance triggers — treats replayed mutations
// identically. Ops apply in clientTimestamp order; per-op errors and
// conflict notices go privately to the replaying connection and the
// replay continues.
func (r *Router) handleReplayOps(ctx context.Context, c *Client, payload json.RawMessage) {
	var ops ReplayPayload
	if err := unmarshalPayload(payload, &ops); err != nil {
		r.sendError(c, CodeValidation, err.Error())
		return
	}

	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].ClientTimestamp < ops[j].ClientTimestamp
	})

	replayed := 0
	for _, op := range ops {
		switch op.Type {
		case EventPresenceUpdate:
			// Stale presence is meaningless after a reconnect; the live
			// connection already re-registered.
			continue
		case EventTaskCreate, EventTaskUpdate, EventTaskMove, EventTaskDelete:
			r.metrics.RecordEvent(op.Type)
			r.handlers[op.Type](ctx, c, op.Payload)
			replayed++
		default:
			r.sendError(c, CodeValidation, "unknown replay op type: "+op.Type)
		}
	}
	c.log.WithField("ops", replayed).Info("replayed offline operations")
}
