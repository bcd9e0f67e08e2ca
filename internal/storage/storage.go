package storage

import (
	"time"

	"kairo-sync/internal/conversation"
)

// Entry is one transcript line: a record as it looked when checkpointed,
// tagged with the session it belongs to.
type Entry struct {
	SessionID string              `json:"session_id"`
	SavedAt   time.Time           `json:"saved_at"`
	Record    conversation.Record `json:"record"`
}

// Recorder persists finalized transcript records per session.
// Load returns entries in the order they were written.
// Implementations must be safe for concurrent use.
type Recorder interface {
	Load(sessionID string) ([]Entry, error)
	Rewrite(sessionID string, entries []Entry) error
}
