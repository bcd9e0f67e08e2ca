package media

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanTransport struct{ ch chan Event }

func (c chanTransport) Connected() bool      { return true }
func (c chanTransport) Events() <-chan Event { return c.ch }

func TestLooksLikeAgent(t *testing.T) {
	for _, id := range []string{"Drew_2a0", "agent-42", "HelperBot"} {
		assert.True(t, LooksLikeAgent(id), id)
	}
	for _, id := range []string{"alice", "", "candidate-1"} {
		assert.False(t, LooksLikeAgent(id), id)
	}
}

func TestMonitorCollectsTranscript(t *testing.T) {
	tr := chanTransport{ch: make(chan Event, 8)}
	m := NewMonitor(zerolog.Nop())

	tr.ch <- Event{Kind: ParticipantJoined, Identity: "alice"}
	tr.ch <- Event{Kind: ParticipantJoined, Identity: "Drew_2a0"}
	tr.ch <- Event{Kind: DataReceived, Payload: []byte(`{"type":"transcript","speaker":"Drew","text":"Tell me about yourself."}`)}
	tr.ch <- Event{Kind: DataReceived, Payload: []byte(`not json`)}
	tr.ch <- Event{Kind: DataReceived, Payload: []byte(`{"type":"status","text":"ignored"}`)}
	tr.ch <- Event{Kind: DataReceived, Payload: []byte(`{"type":"transcript","text":"I lead a team."}`)}
	close(tr.ch)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), tr)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on closed stream")
	}

	present, id := m.AgentPresent()
	assert.True(t, present)
	assert.Equal(t, "Drew_2a0", id)
	require.Len(t, m.Chunks(), 2)
	assert.Equal(t, "Drew: Tell me about yourself.\nAgent: I lead a team.", m.Transcript())

	m.Reset()
	present, _ = m.AgentPresent()
	assert.False(t, present)
	assert.Empty(t, m.Transcript())
}

func TestMonitorStopsOnCancel(t *testing.T) {
	tr := chanTransport{ch: make(chan Event)}
	m := NewMonitor(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, tr)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
