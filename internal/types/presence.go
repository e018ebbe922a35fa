package types

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// UserPresence is the transient record for one live connection. UserID is
// the connection id; there is no separate identity layer.
type UserPresence struct {
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	Color         string    `json:"color"`
	ConnectedAt   time.Time `json:"connectedAt"`
	EditingTaskID *string   `json:"editingTaskId,omitempty"`
}

// MaxDisplayNameLength bounds the name a client may register with.
const MaxDisplayNameLength = 64

// Validate checks the presence record is complete enough to broadcast.
func (p *UserPresence) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if p.DisplayName == "" {
		return fmt.Errorf("displayName is required")
	}
	if n := utf8.RuneCountInString(p.DisplayName); n > MaxDisplayNameLength {
		return fmt.Errorf("displayName must be %d characters or less (got %d)", MaxDisplayNameLength, n)
	}
	if p.Color == "" {
		return fmt.Errorf("color is required")
	}
	return nil
}

// Clone returns an independent copy of the presence record.
func (p *UserPresence) Clone() *UserPresence {
	c := *p
	if p.EditingTaskID != nil {
		id := *p.EditingTaskID
		c.EditingTaskID = &id
	}
	return &c
}
