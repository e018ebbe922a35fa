// Package types defines core data structures for the corkboard coordinator.
package types

import (
	"fmt"
	"math"
	"sort"
	"time"
	"unicode/utf8"
)

// Task is the sole mutable domain entity: one card on the board.
// IDs are client-generated at create time and never rewritten by the
// server, so optimistic UI state stays stable across the round-trip.
type Task struct {
	ID             string    `json:"id"`
	ColumnID       ColumnID  `json:"columnId"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Order          float64   `json:"order"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	CreatorName    string    `json:"creatorName,omitempty"`
	CreatorColor   string    `json:"creatorColor,omitempty"`
	UpdatedByName  string    `json:"updatedByName,omitempty"`
	UpdatedByColor string    `json:"updatedByColor,omitempty"`
}

// Field limits enforced by Validate and by payload validation at the router.
const (
	MaxIDLength          = 128
	MaxTitleLength       = 500
	MaxDescriptionLength = 5000
)

// Validate checks the invariants every authoritative task must satisfy.
// Partial records must never reach the cache or a broadcast.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(t.ID) > MaxIDLength {
		return fmt.Errorf("id must be %d bytes or less (got %d)", MaxIDLength, len(t.ID))
	}
	if !t.ColumnID.IsValid() {
		return fmt.Errorf("invalid column: %s", t.ColumnID)
	}
	if utf8.RuneCountInString(t.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if n := utf8.RuneCountInString(t.Title); n > MaxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLength, n)
	}
	if n := utf8.RuneCountInString(t.Description); n > MaxDescriptionLength {
		return fmt.Errorf("description must be %d characters or less (got %d)", MaxDescriptionLength, n)
	}
	if math.IsNaN(t.Order) || math.IsInf(t.Order, 0) {
		return fmt.Errorf("order must be finite (got %v)", t.Order)
	}
	if t.Version < 1 {
		return fmt.Errorf("version must be a positive integer (got %d)", t.Version)
	}
	return nil
}

// Clone returns an independent copy. Task has no reference fields, so a
// value copy is sufficient; callers that hand tasks across goroutines
// clone first and mutate the copy.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// ColumnID identifies one of the three board columns.
type ColumnID string

const (
	ColumnTodo       ColumnID = "todo"
	ColumnInProgress ColumnID = "in-progress"
	ColumnDone       ColumnID = "done"
)

// Columns lists the board columns in display order.
var Columns = []ColumnID{ColumnTodo, ColumnInProgress, ColumnDone}

// IsValid reports whether c is one of the three board columns.
func (c ColumnID) IsValid() bool {
	switch c {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return true
	default:
		return false
	}
}

// rank maps a column to its board position for cross-column sorting.
// Unknown columns sort last so corrupt records surface at the end
// rather than panicking.
func (c ColumnID) rank() int {
	for i, col := range Columns {
		if c == col {
			return i
		}
	}
	return len(Columns)
}

// SortBoard orders tasks by (column, order) with the column axis in
// display order, the shape consumed by board snapshots. Ties on order
// break by id so the result is deterministic even mid-rebalance.
func SortBoard(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].ColumnID != tasks[j].ColumnID {
			return tasks[i].ColumnID.rank() < tasks[j].ColumnID.rank()
		}
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// BoardStats summarizes live board shape for the /stats endpoint.
type BoardStats struct {
	Tasks       int              `json:"tasks"`
	Columns     map[ColumnID]int `json:"columns"`
	ActiveUsers int              `json:"activeUsers"`
}
