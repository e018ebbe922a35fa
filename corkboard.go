// Package corkboard provides a minimal public API for embedding the
// board coordinator's storage layer in other Go programs.
//
// Most integrations should talk to a running corkd over its websocket
// or REST surface. This package exports only the types and constructors
// needed to read or seed a board database programmatically.
package corkboard

import (
	"context"

	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/storage/factory"
	"github.com/corkboard/corkboard/internal/types"
)

// Version is the corkd release version.
const Version = "0.3.0"

// Core types for working with board state.
type (
	Task          = types.Task
	ColumnID      = types.ColumnID
	UserPresence  = types.UserPresence
	BoardStats    = types.BoardStats
	ConflictAudit = storage.ConflictAudit
)

// Board columns in display order.
const (
	ColumnTodo       = types.ColumnTodo
	ColumnInProgress = types.ColumnInProgress
	ColumnDone       = types.ColumnDone
)

// Storage is the durable-store interface behind the coordinator.
type Storage = storage.Storage

// OpenStorage opens a board database for programmatic access. A bare
// path or file: URL opens SQLite; mysql:// URLs open MySQL.
func OpenStorage(ctx context.Context, storeURL string) (Storage, error) {
	return factory.Open(ctx, storeURL)
}
