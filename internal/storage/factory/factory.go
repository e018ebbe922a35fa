// Package factory opens the durable-store backend named by a store URL.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/storage/mysql"
	"github.com/corkboard/corkboard/internal/storage/sqlite"
)

// Open picks a backend from the URL shape: mysql:// URLs (or raw
// go-sql-driver DSNs containing "@tcp(") select MySQL, everything else is
// treated as a SQLite path. ":memory:" yields an in-process SQLite store.
func Open(ctx context.Context, storeURL string) (storage.Storage, error) {
	storeURL = strings.TrimSpace(storeURL)
	if storeURL == "" {
		return nil, fmt.Errorf("store URL is empty")
	}
	if strings.HasPrefix(storeURL, "mysql://") || strings.Contains(storeURL, "@tcp(") {
		return mysql.New(ctx, storeURL)
	}
	return sqlite.New(ctx, storeURL)
}
