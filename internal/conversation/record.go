package conversation

import "time"

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Record is one rendered message. ID starts out provisional for streamed
// turns and is rewritten in place once the backend persists the turn.
type Record struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	SenderLabel string    `json:"sender,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// Open is true while a streamed turn has not completed.
	Open bool `json:"open,omitempty"`
	// Persisted is true once ID is the storage-backed identifier.
	Persisted bool `json:"persisted,omitempty"`
}

// State is an ordered, copy-on-write view of the conversation.
// Values are never mutated after they are published by a Log.
type State struct {
	records []Record
}

func NewState(records ...Record) State {
	return State{records: append([]Record(nil), records...)}
}

func (s State) Len() int { return len(s.records) }

// Records returns a copy of the ordered records.
func (s State) Records() []Record {
	return append([]Record(nil), s.records...)
}

func (s State) At(i int) Record { return s.records[i] }

// Index returns the position of the record with the given id or -1.
func (s State) Index(id string) int {
	if id == "" {
		return -1
	}
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

// LastIndex returns the position of the most recent record with the role or -1.
func (s State) LastIndex(role Role) int {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Role == role {
			return i
		}
	}
	return -1
}

// Append returns a new state with r added at the end.
func (s State) Append(r Record) State {
	out := make([]Record, len(s.records), len(s.records)+1)
	copy(out, s.records)
	return State{records: append(out, r)}
}

// Replace returns a new state with the record at i swapped for r.
// Position is preserved.
func (s State) Replace(i int, r Record) State {
	out := append([]Record(nil), s.records...)
	out[i] = r
	return State{records: out}
}
