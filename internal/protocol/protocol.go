// Package protocol defines the JSON frames exchanged with the simulation
// backend over the realtime channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventTurnStart       = "turn-start"
	EventTurnChunk       = "turn-chunk"
	EventTurnComplete    = "turn-complete"
	EventTurnPersisted   = "turn-persisted"
	EventMessageFallback = "message-fallback"
	EventTypingIndicator = "typing-indicator"
	EventChannelError    = "channel-error"
)

// Outbound control message names.
const (
	EventJoinSession = "join-session"
	EventSendTurn    = "send-turn"
)

var ErrUnknownEvent = errors.New("protocol: unknown event")

// Frame is the wire envelope.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented by every decoded server event.
type Inbound interface {
	EventName() string
}

type TurnStart struct {
	ID     string `json:"id"`
	Role   string `json:"role,omitempty"`
	Sender string `json:"sender,omitempty"`
}

type TurnChunk struct {
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

type TurnComplete struct {
	ID string `json:"id"`
}

type TurnPersisted struct {
	ID        string    `json:"id"`
	NewID     string    `json:"newId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageFallback is the non-streaming compatibility path. Only user
// authored turns are honoured.
type MessageFallback struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingIndicator struct {
	IsTyping bool `json:"isTyping"`
}

type ChannelError struct {
	Message string `json:"message"`
}

func (TurnStart) EventName() string       { return EventTurnStart }
func (TurnChunk) EventName() string       { return EventTurnChunk }
func (TurnComplete) EventName() string    { return EventTurnComplete }
func (TurnPersisted) EventName() string   { return EventTurnPersisted }
func (MessageFallback) EventName() string { return EventMessageFallback }
func (TypingIndicator) EventName() string { return EventTypingIndicator }
func (ChannelError) EventName() string    { return EventChannelError }

type JoinSession struct {
	SessionID string `json:"sessionId"`
}

type SendTurn struct {
	Text    string `json:"text"`
	Persona string `json:"persona,omitempty"`
}

// Decode parses a raw frame into its typed event.
func Decode(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var ev Inbound
	switch f.Event {
	case EventTurnStart:
		ev = &TurnStart{}
	case EventTurnChunk:
		ev = &TurnChunk{}
	case EventTurnComplete:
		ev = &TurnComplete{}
	case EventTurnPersisted:
		ev = &TurnPersisted{}
	case EventMessageFallback:
		ev = &MessageFallback{}
	case EventTypingIndicator:
		ev = &TypingIndicator{}
	case EventChannelError:
		ev = &ChannelError{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", f.Event, err)
		}
	}
	return deref(ev), nil
}

func deref(ev Inbound) Inbound {
	switch v := ev.(type) {
	case *TurnStart:
		return *v
	case *TurnChunk:
		return *v
	case *TurnComplete:
		return *v
	case *TurnPersisted:
		return *v
	case *MessageFallback:
		return *v
	case *TypingIndicator:
		return *v
	case *ChannelError:
		return *v
	}
	return ev
}

// Encode builds a wire frame for an outbound control message.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// EncodeInbound is used by tests and fake servers to produce server frames.
func EncodeInbound(ev Inbound) ([]byte, error) {
	return Encode(ev.EventName(), ev)
}
