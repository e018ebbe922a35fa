// Package storage defines the durable-store interface behind the
// authoritative cache. The coordinator treats it as an upsert/delete sink
// keyed by task id plus an append-only conflict audit log; it is read only
// on cold start (cache hydration) and by the read-only HTTP fallback.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/corkboard/corkboard/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the database.
var ErrNotFound = errors.New("not found")

// Storage is the interface all durable backends implement.
//
// Writes arrive from flush-queue workers and may repeat after retries, so
// every mutation must be idempotent. Reads must return tasks ordered by
// (column_id, "order") so hydration preserves board order without a resort.
type Storage interface {
	// UpsertTask inserts or fully replaces one task row.
	UpsertTask(ctx context.Context, task *types.Task) error

	// UpsertTasks replaces the given rows in a single transaction. Used by
	// the rebalance job so a crash mid-write never leaves a half-rebalanced
	// column on disk.
	UpsertTasks(ctx context.Context, tasks []*types.Task) error

	// GetTask returns one task or ErrNotFound.
	GetTask(ctx context.Context, id string) (*types.Task, error)

	// ListTasks returns every task ordered by (column_id, "order").
	ListTasks(ctx context.Context) ([]*types.Task, error)

	// ListColumn returns one column's tasks ordered by "order".
	ListColumn(ctx context.Context, column types.ColumnID) ([]*types.Task, error)

	// DeleteTask removes a task row. Deleting a missing row is a no-op.
	DeleteTask(ctx context.Context, id string) error

	// AppendConflictAudit appends one row to the conflict audit log.
	AppendConflictAudit(ctx context.Context, rec *ConflictAudit) error

	// ListConflictAudits returns the most recent audit rows for a task,
	// newest first, capped at limit (0 means a backend-chosen default).
	ListConflictAudits(ctx context.Context, taskID string, limit int) ([]*ConflictAudit, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// ConflictAudit is one row of the append-only conflict_audit_log table:
// who won a contested move, who lost, and the authoritative state the
// loser was told to adopt.
type ConflictAudit struct {
	ID            int64           `json:"id"`
	TaskID        string          `json:"taskId"`
	WinnerEvent   string          `json:"winnerEvent"`
	LoserEvent    string          `json:"loserEvent"`
	WinnerUserID  string          `json:"winnerUserId"`
	LoserUserID   string          `json:"loserUserId"`
	ResolvedState json.RawMessage `json:"resolvedState"`
	Message       string          `json:"message"`
	ConflictAt    time.Time       `json:"conflictAt"`
}
