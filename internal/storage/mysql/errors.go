package mysql

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/corkboard/corkboard/internal/storage"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to storage.ErrNotFound.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
