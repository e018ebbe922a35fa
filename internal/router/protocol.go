// Package router is the event ingress and fan-out layer: it binds
// websocket connections to typed event handlers, validates payloads,
// dispatches mutations into the task service, and broadcasts the
// authoritative results to every subscriber. It also serves the
// read-only HTTP fallback and the operational endpoints.
package router

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/corkboard/corkboard/internal/types"
)

// Client→server event names.
const (
	EventTaskCreate     = "TASK_CREATE"
	EventTaskUpdate     = "TASK_UPDATE"
	EventTaskMove       = "TASK_MOVE"
	EventTaskDelete     = "TASK_DELETE"
	EventPresenceUpdate = "PRESENCE_UPDATE"
	EventReplayOps      = "REPLAY_OPS"
)

// Server→client event names.
const (
	EventBoardSnapshot  = "BOARD_SNAPSHOT"
	EventTaskCreated    = "TASK_CREATED"
	EventTaskUpdated    = "TASK_UPDATED"
	EventTaskMoved      = "TASK_MOVED"
	EventTaskDeleted    = "TASK_DELETED"
	EventConflictNotify = "CONFLICT_NOTIFY"
	EventPresenceState  = "PRESENCE_STATE"
	EventError          = "ERROR"
)

// Error codes surfaced to the caller in ERROR payloads. Validation and
// not-found are terminal; the *_FAILED codes are unexpected storage or
// cache failures where the caller keeps its optimistic state.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeCreateFailed    = "CREATE_FAILED"
	CodeUpdateFailed    = "UPDATE_FAILED"
	CodeMoveFailed      = "MOVE_FAILED"
	CodeDeleteFailed    = "DELETE_FAILED"
	CodeConnectFailed   = "CONNECT_FAILED"
)

// maxReplayOps bounds one REPLAY_OPS batch.
const maxReplayOps = 500

// Envelope is the wire frame in both directions: an event name plus its
// payload. The discriminant selects the handler; unknown events reply
// privately with an error and are never broadcast.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the private error descriptor for the caller.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SnapshotPayload is the full board state sent privately on connect.
type SnapshotPayload struct {
	Tasks    []*types.Task         `json:"tasks"`
	Presence []*types.UserPresence `json:"presence"`
}

// DeletedPayload carries only the id; subscribers already hold the rest.
type DeletedPayload struct {
	ID string `json:"id"`
}

// CreatePayload is the TASK_CREATE request. The creator snapshot is
// optional; missing fields fall back to the connection's presence.
type CreatePayload struct {
	ID           string         `json:"id"`
	ColumnID     types.ColumnID `json:"columnId"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	CreatorName  string         `json:"creatorName,omitempty"`
	CreatorColor string         `json:"creatorColor,omitempty"`
}

// Validate checks the payload against the protocol rules.
func (p *CreatePayload) Validate() error {
	if err := validateID(p.ID); err != nil {
		return err
	}
	if !p.ColumnID.IsValid() {
		return fmt.Errorf("columnId must be one of todo, in-progress, done")
	}
	if err := validateTitle(p.Title); err != nil {
		return err
	}
	return validateDescription(p.Description)
}

// UpdatePayload is the TASK_UPDATE request: at least one of title and
// description, never position fields.
type UpdatePayload struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Version     int64   `json:"version"`
}

// Validate checks the payload against the protocol rules.
func (p *UpdatePayload) Validate() error {
	if err := validateID(p.ID); err != nil {
		return err
	}
	if p.Title == nil && p.Description == nil {
		return fmt.Errorf("at least one of title and description is required")
	}
	if p.Title != nil {
		if err := validateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if err := validateDescription(*p.Description); err != nil {
			return err
		}
	}
	return validateVersion(p.Version)
}

// MovePayload is the TASK_MOVE request: position fields only.
type MovePayload struct {
	ID       string         `json:"id"`
	ColumnID types.ColumnID `json:"columnId"`
	Order    float64        `json:"order"`
	Version  int64          `json:"version"`
}

// Validate checks the payload against the protocol rules.
func (p *MovePayload) Validate() error {
	if err := validateID(p.ID); err != nil {
		return err
	}
	if !p.ColumnID.IsValid() {
		return fmt.Errorf("columnId must be one of todo, in-progress, done")
	}
	if math.IsNaN(p.Order) || math.IsInf(p.Order, 0) {
		return fmt.Errorf("order must be finite")
	}
	return validateVersion(p.Version)
}

// DeletePayload is the TASK_DELETE request.
type DeletePayload struct {
	ID string `json:"id"`
}

// Validate checks the payload against the protocol rules.
func (p *DeletePayload) Validate() error {
	return validateID(p.ID)
}

// Presence statuses a client may report.
const (
	PresenceStatusEditing = "editing"
	PresenceStatusIdle    = "idle"
)

// PresencePayload is the PRESENCE_UPDATE request.
type PresencePayload struct {
	Status string  `json:"status"`
	TaskID *string `json:"taskId,omitempty"`
}

// Validate checks the payload against the protocol rules.
func (p *PresencePayload) Validate() error {
	switch p.Status {
	case PresenceStatusEditing:
		if p.TaskID == nil {
			return fmt.Errorf("taskId is required when status is editing")
		}
		return validateID(*p.TaskID)
	case PresenceStatusIdle:
		return nil
	default:
		return fmt.Errorf("status must be editing or idle")
	}
}

// QueuedOp is one offline-buffered client operation inside REPLAY_OPS.
// The payload is validated by the target handler, exactly like a live
// event.
type QueuedOp struct {
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp int64           `json:"clientTimestamp"`
}

// ReplayPayload is the REPLAY_OPS batch, 1..500 entries.
type ReplayPayload []QueuedOp

// Validate checks batch shape; per-op payloads are checked on dispatch.
func (p ReplayPayload) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("replay batch is empty")
	}
	if len(p) > maxReplayOps {
		return fmt.Errorf("replay batch exceeds %d operations (got %d)", maxReplayOps, len(p))
	}
	for i, op := range p {
		if op.Type == "" {
			return fmt.Errorf("replay op %d has no type", i)
		}
		if op.ClientTimestamp <= 0 {
			return fmt.Errorf("replay op %d needs a positive clientTimestamp", i)
		}
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(id) > types.MaxIDLength {
		return fmt.Errorf("id must be %d bytes or less", types.MaxIDLength)
	}
	return nil
}

func validateTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return fmt.Errorf("title is required")
	}
	if n > types.MaxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", types.MaxTitleLength, n)
	}
	return nil
}

func validateDescription(desc string) error {
	if n := utf8.RuneCountInString(desc); n > types.MaxDescriptionLength {
		return fmt.Errorf("description must be %d characters or less (got %d)", types.MaxDescriptionLength, n)
	}
	return nil
}

func validateVersion(v int64) error {
	if v < 1 {
		return fmt.Errorf("version must be a positive integer")
	}
	return nil
}
