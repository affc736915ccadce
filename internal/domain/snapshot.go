package domain

import (
	"time"
)

// SessionSnapshot stores the persisted state of one browser session so it can
// be restored after a restart. The JSON columns are opaque to the store.
type SessionSnapshot struct {
	UserID            string
	SessionID         string
	FormJSON          string
	CompletedFormJSON *string
	MessagesJSON      string
	AgentsJSON        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
