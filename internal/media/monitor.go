// Package media watches the voice room from the outside: who joined and
// what transcript data the agent published. The room protocol itself
// belongs to the transport.
package media

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventKind int

const (
	ParticipantJoined EventKind = iota
	DataReceived
)

type Event struct {
	Kind     EventKind
	Identity string
	Payload  []byte
}

// Transport is the media room connection.
type Transport interface {
	Connected() bool
	Events() <-chan Event
}

type TranscriptChunk struct {
	Speaker string
	Text    string
	At      time.Time
}

// LooksLikeAgent guesses whether a participant identity is the AI agent.
// The result is advisory only.
func LooksLikeAgent(identity string) bool {
	id := strings.ToLower(identity)
	for _, marker := range []string{"agent", "drew", "bot"} {
		if strings.Contains(id, marker) {
			return true
		}
	}
	return false
}

type Monitor struct {
	logger zerolog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	chunks       []TranscriptChunk
	agentPresent bool
	agentID      string
}

func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With().Str("component", "media").Logger(),
		now:    time.Now,
	}
}

// Run consumes transport events until ctx is done or the event stream closes.
func (m *Monitor) Run(ctx context.Context, t Transport) {
	events := t.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Monitor) handle(ev Event) {
	switch ev.Kind {
	case ParticipantJoined:
		if !LooksLikeAgent(ev.Identity) {
			m.logger.Debug().Str("identity", ev.Identity).Msg("participant joined")
			return
		}
		m.mu.Lock()
		m.agentPresent = true
		m.agentID = ev.Identity
		m.mu.Unlock()
		m.logger.Info().Str("identity", ev.Identity).Msg("agent joined media room")
	case DataReceived:
		var msg struct {
			Type    string `json:"type"`
			Speaker string `json:"speaker"`
			Text    string `json:"text"`
		}
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			m.logger.Debug().Err(err).Msg("non-JSON media data")
			return
		}
		if msg.Type != "transcript" || msg.Text == "" {
			return
		}
		if msg.Speaker == "" {
			msg.Speaker = "Agent"
		}
		m.mu.Lock()
		m.chunks = append(m.chunks, TranscriptChunk{Speaker: msg.Speaker, Text: msg.Text, At: m.now()})
		m.mu.Unlock()
	}
}

func (m *Monitor) AgentPresent() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agentPresent, m.agentID
}

func (m *Monitor) Chunks() []TranscriptChunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TranscriptChunk(nil), m.chunks...)
}

// Transcript renders the collected chunks as "Speaker: text" lines.
func (m *Monitor) Transcript() string {
	var b strings.Builder
	for i, c := range m.Chunks() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Speaker)
		b.WriteString(": ")
		b.WriteString(c.Text)
	}
	return b.String()
}

func (m *Monitor) Reset() {
	m.mu.Lock()
	m.chunks = nil
	m.agentPresent = false
	m.agentID = ""
	m.mu.Unlock()
}
