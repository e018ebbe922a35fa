// Package conflict classifies concurrent mutations on one task and
// builds the loser-side artifacts: the CONFLICT_NOTIFY payload and the
// append-only audit record.
//
// The three classes map to three resolution mechanisms. Orthogonal
// move+edit pairs merge at the field level and nobody loses. Contested
// moves serialize on the per-task lock; the acquire loser is notified
// with the authoritative state. Adjacent insertions resolve structurally
// through fractional indexing and need no coordination at all.
package conflict

import (
	"time"

	"github.com/corkboard/corkboard/internal/types"
)

// Class names a concurrent-operation pattern.
type Class string

const (
	// ClassOrthogonal is move+edit on one task: disjoint field sets,
	// merged losslessly, no loser.
	ClassOrthogonal Class = "orthogonal"

	// ClassPositional is move+move on one task: a true conflict,
	// serialized by the lock manager.
	ClassPositional Class = "positional"

	// ClassStructural is reorder+insert around the same neighbors:
	// resolved by fractional index midpoints, rebalanced lazily.
	ClassStructural Class = "structural"
)

// LoserMessage is the human-readable text carried by CONFLICT_NOTIFY.
const LoserMessage = "Task was modified by another user; your change was not applied."

// Notice is the payload sent privately to a conflict loser. The client
// replaces its optimistic state with ResolvedState.
type Notice struct {
	TaskID        string      `json:"taskId"`
	ResolvedState *types.Task `json:"resolvedState"`
	Message       string      `json:"message"`
}

// NewNotice builds the loser notification around the authoritative
// post-resolution state.
func NewNotice(taskID string, resolved *types.Task) Notice {
	return Notice{
		TaskID:        taskID,
		ResolvedState: resolved,
		Message:       LoserMessage,
	}
}

// MergeFields applies an edit's field subset onto the current
// authoritative task: only title and description, never position. The
// returned copy carries the mutator snapshot and a bumped version;
// current is left untouched.
func MergeFields(current *types.Task, title, description *string, byName, byColor string, now time.Time) *types.Task {
	merged := current.Clone()
	if title != nil {
		merged.Title = *title
	}
	if description != nil {
		merged.Description = *description
	}
	merged.Version++
	merged.UpdatedAt = now
	merged.UpdatedByName = byName
	merged.UpdatedByColor = byColor
	return merged
}
