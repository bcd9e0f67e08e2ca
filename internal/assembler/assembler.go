// Package assembler folds realtime protocol events into the conversation
// state. Reduce is pure: it never touches the network or the clock.
package assembler

import (
	"strconv"
	"strings"
	"time"

	"kairo-sync/internal/conversation"
	"kairo-sync/internal/protocol"
)

// DuplicateWindow is how close two identical user turns must be to be
// treated as the same turn.
const DuplicateWindow = 2 * time.Second

const (
	defaultAgentLabel = "AI"
	userLabel         = "You"
)

type Anomaly string

const (
	AnomalyNone              Anomaly = ""
	AnomalyChunkFallback     Anomaly = "chunk_fallback"
	AnomalyChunkDropped      Anomaly = "chunk_dropped"
	AnomalyDuplicateFallback Anomaly = "duplicate_fallback"
	AnomalyIgnoredFallback   Anomaly = "ignored_fallback"
	AnomalyUnknownComplete   Anomaly = "unknown_complete"
	AnomalyPersistFallback   Anomaly = "persist_fallback"
	AnomalyPersistDropped    Anomaly = "persist_dropped"
	AnomalyDuplicateTurn     Anomaly = "duplicate_turn"
)

// Outcome describes what a reduction did, for logging and metrics.
type Outcome struct {
	Changed bool
	Anomaly Anomaly
	// RecordID is the id of the affected record after the reduction.
	RecordID string
}

// Reduce applies one inbound event to s. Events the assembler does not own
// (typing, channel errors) leave the state untouched.
func Reduce(s conversation.State, ev protocol.Inbound, now time.Time) (conversation.State, Outcome) {
	switch e := ev.(type) {
	case protocol.TurnStart:
		return turnStart(s, e, now)
	case protocol.TurnChunk:
		return turnChunk(s, e)
	case protocol.TurnComplete:
		return turnComplete(s, e)
	case protocol.TurnPersisted:
		return turnPersisted(s, e, now)
	case protocol.MessageFallback:
		return messageFallback(s, e, now)
	}
	return s, Outcome{}
}

func turnStart(s conversation.State, e protocol.TurnStart, now time.Time) (conversation.State, Outcome) {
	if s.Index(e.ID) >= 0 {
		// a replayed start must not open a second record for the same turn
		return s, Outcome{Anomaly: AnomalyDuplicateTurn, RecordID: e.ID}
	}
	role := conversation.RoleAgent
	if e.Role == string(conversation.RoleUser) {
		role = conversation.RoleUser
	}
	label := e.Sender
	if label == "" && role == conversation.RoleAgent {
		label = defaultAgentLabel
	}
	r := conversation.Record{
		ID:          e.ID,
		Role:        role,
		SenderLabel: label,
		CreatedAt:   now,
		Open:        true,
	}
	return s.Append(r), Outcome{Changed: true, RecordID: e.ID}
}

func turnChunk(s conversation.State, e protocol.TurnChunk) (conversation.State, Outcome) {
	if e.Chunk == "" {
		return s, Outcome{}
	}
	if i := s.Index(e.ID); i >= 0 {
		r := s.At(i)
		r.Content += e.Chunk
		return s.Replace(i, r), Outcome{Changed: true, RecordID: r.ID}
	}

	// best-effort recovery for a missed or reordered turn-start
	if i := s.LastIndex(conversation.RoleAgent); i >= 0 && s.At(i).Open {
		r := s.At(i)
		r.Content += e.Chunk
		return s.Replace(i, r), Outcome{Changed: true, Anomaly: AnomalyChunkFallback, RecordID: r.ID}
	}
	return s, Outcome{Anomaly: AnomalyChunkDropped, RecordID: e.ID}
}

func turnComplete(s conversation.State, e protocol.TurnComplete) (conversation.State, Outcome) {
	i := s.Index(e.ID)
	if i < 0 {
		return s, Outcome{Anomaly: AnomalyUnknownComplete, RecordID: e.ID}
	}
	r := s.At(i)
	if !r.Open {
		return s, Outcome{RecordID: r.ID}
	}
	r.Open = false
	return s.Replace(i, r), Outcome{Changed: true, RecordID: r.ID}
}

func turnPersisted(s conversation.State, e protocol.TurnPersisted, now time.Time) (conversation.State, Outcome) {
	if e.NewID == "" {
		return s, Outcome{Anomaly: AnomalyPersistDropped, RecordID: e.ID}
	}
	i := s.Index(e.ID)
	if j := s.Index(e.NewID); j >= 0 && (j != i || s.At(j).Persisted) {
		// already rewritten, or the id is taken by another record
		return s, Outcome{RecordID: e.NewID}
	}

	anomaly := AnomalyNone
	if i < 0 {
		i = streamingAgent(s)
		if i < 0 {
			return s, Outcome{Anomaly: AnomalyPersistDropped, RecordID: e.ID}
		}
		anomaly = AnomalyPersistFallback
	}

	r := s.At(i)
	r.ID = e.NewID
	r.Persisted = true
	r.Open = false
	if !e.Timestamp.IsZero() {
		r.CreatedAt = e.Timestamp
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	return s.Replace(i, r), Outcome{Changed: true, Anomaly: anomaly, RecordID: r.ID}
}

// streamingAgent returns the most recent agent record if it is still
// open, or -1. Closed records such as the welcome are never candidates.
func streamingAgent(s conversation.State) int {
	i := s.LastIndex(conversation.RoleAgent)
	if i < 0 {
		return -1
	}
	if r := s.At(i); !r.Open || r.Persisted {
		return -1
	}
	return i
}

func messageFallback(s conversation.State, e protocol.MessageFallback, now time.Time) (conversation.State, Outcome) {
	if e.Sender != string(conversation.RoleUser) || strings.TrimSpace(e.Text) == "" {
		// agent replies arrive through the streaming path only
		return s, Outcome{Anomaly: AnomalyIgnoredFallback}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if i := findDuplicateUser(s, e.Text, ts); i >= 0 {
		return s, Outcome{Anomaly: AnomalyDuplicateFallback, RecordID: s.At(i).ID}
	}
	r := conversation.Record{
		ID:          fallbackID(ts, s.Len()),
		Role:        conversation.RoleUser,
		Content:     e.Text,
		SenderLabel: userLabel,
		CreatedAt:   ts,
	}
	return s.Append(r), Outcome{Changed: true, RecordID: r.ID}
}

func findDuplicateUser(s conversation.State, text string, ts time.Time) int {
	for i := s.Len() - 1; i >= 0; i-- {
		r := s.At(i)
		if r.Role != conversation.RoleUser || r.Content != text {
			continue
		}
		d := r.CreatedAt.Sub(ts)
		if d < 0 {
			d = -d
		}
		if d < DuplicateWindow {
			return i
		}
	}
	return -1
}

// fallbackID is deterministic so that Reduce stays pure.
func fallbackID(ts time.Time, pos int) string {
	return "user-" + ts.UTC().Format("20060102T150405.000000000") + "-" + strconv.Itoa(pos)
}
