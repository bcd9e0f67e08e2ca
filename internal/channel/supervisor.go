// Package channel owns the realtime channel to the simulation backend:
// dialing, the session join handshake, drop detection and reconnects.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"kairo-sync/internal/protocol"
	"kairo-sync/internal/retry"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected    = errors.New("channel: not connected")
	ErrNoSession       = errors.New("channel: no session to join")
	ErrReconnectFailed = errors.New("channel: failed to reconnect to server")
)

type NoticeKind string

const (
	NoticeConnected    NoticeKind = "connected"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeReconnecting NoticeKind = "reconnecting"
	NoticeError        NoticeKind = "channel_error"
	NoticeTerminal     NoticeKind = "terminal"
)

// Notice is a channel lifecycle event.
type Notice struct {
	Kind      NoticeKind
	SessionID string
	Reason    string
	Attempt   int
	Err       error
}

// Listener receives inbound protocol events, in delivery order, and
// lifecycle notices. Callbacks must not block for long: events are
// delivered from the single read goroutine.
type Listener interface {
	HandleEvent(ev protocol.Inbound)
	HandleNotice(n Notice)
}

type Option func(*Supervisor)

func WithDialer(d Dialer) Option { return func(s *Supervisor) { s.dialer = d } }

func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = l.With().Str("component", "channel").Logger() }
}

func WithPolicy(p retry.Policy) Option { return func(s *Supervisor) { s.policy = p } }

// Supervisor is the only writer of the channel State.
type Supervisor struct {
	url      string
	dialer   Dialer
	listener Listener
	log      zerolog.Logger
	policy   retry.Policy

	mu        sync.Mutex
	state     State
	conn      Conn
	gen       int
	sessionID string
	token     string
	ctx       context.Context
	cancel    context.CancelFunc
	task      *retry.Task

	writeMu sync.Mutex
}

func NewSupervisor(url string, listener Listener, opts ...Option) *Supervisor {
	s := &Supervisor{
		url:      url,
		dialer:   WebsocketDialer{},
		listener: listener,
		log:      zerolog.Nop(),
		policy:   retry.ReconnectPolicy(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect opens the channel for a session. ctx bounds the supervisor's
// lifetime, including background reconnects. When the first dial fails the
// supervisor keeps retrying in the background and the dial error is
// returned.
func (s *Supervisor) Connect(ctx context.Context, sessionID, token string) error {
	if sessionID == "" {
		return ErrNoSession
	}

	s.mu.Lock()
	if s.state != Disconnected && s.sessionID == sessionID {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.sessionID = sessionID
	s.token = token
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = Connecting
	lifetime := s.ctx
	s.mu.Unlock()

	s.log.Info().Str("url", s.url).Str("session", sessionID).Msg("connecting to simulation channel")

	if err := s.dialAndJoin(lifetime); err != nil {
		s.notify(Notice{Kind: NoticeError, SessionID: sessionID, Err: err})
		s.startReconnect(lifetime, "initial connect failed")
		return err
	}
	return nil
}

// Reconnect restarts the retry loop after the ceiling was hit.
func (s *Supervisor) Reconnect() error {
	s.mu.Lock()
	if s.sessionID == "" || s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil
	}
	lifetime := s.ctx
	s.mu.Unlock()

	s.startReconnect(lifetime, "manual reconnect")
	return nil
}

// Disconnect closes the channel deliberately and stops any retry loop.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	was := s.state
	sessionID := s.sessionID
	s.teardownLocked()
	s.sessionID = ""
	s.token = ""
	s.mu.Unlock()

	if was != Disconnected {
		s.log.Info().Str("session", sessionID).Msg("channel disconnected by client")
		s.notify(Notice{Kind: NoticeDisconnected, SessionID: sessionID, Reason: "client disconnect"})
	}
}

func (s *Supervisor) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.task.Cancel()
	s.task = nil
	if s.conn != nil {
		conn := s.conn
		s.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, closeFrame())
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.conn = nil
	s.gen++
	s.state = Disconnected
}

// Send writes an outbound control message. Only a connected channel
// accepts writes; callers wait or queue, the supervisor never buffers.
func (s *Supervisor) Send(event string, payload any) error {
	s.mu.Lock()
	if s.state != Connected || s.conn == nil {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotConnected, st)
	}
	conn := s.conn
	s.mu.Unlock()

	raw, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// Rejoin re-binds the channel to a session. The id is remembered for
// future reconnects even when the channel is not connected right now.
func (s *Supervisor) Rejoin(sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
	return s.Send(protocol.EventJoinSession, protocol.JoinSession{SessionID: sessionID})
}

func (s *Supervisor) dialAndJoin(ctx context.Context) error {
	s.mu.Lock()
	sessionID, token := s.sessionID, s.token
	s.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, err := s.dialer.Dial(ctx, s.url, header)
	if err != nil {
		return err
	}

	// the physical channel has no memory of earlier subscriptions, so the
	// join goes out before anyone can observe Connected
	raw, err := protocol.Encode(protocol.EventJoinSession, protocol.JoinSession{SessionID: sessionID})
	if err == nil {
		s.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, raw)
		s.writeMu.Unlock()
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("join session: %w", err)
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return retry.Permanent(ctx.Err())
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.state = Connected
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	s.log.Info().Str("session", sessionID).Msg("joined simulation session")
	s.notify(Notice{Kind: NoticeConnected, SessionID: sessionID})
	return nil
}

func (s *Supervisor) readLoop(conn Conn, gen int) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(gen, err)
			return
		}
		ev, err := protocol.Decode(msg)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping undecodable frame")
			continue
		}
		s.listener.HandleEvent(ev)
	}
}

func (s *Supervisor) handleDrop(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state != Connected {
		// superseded connection or deliberate disconnect
		s.mu.Unlock()
		return
	}
	_ = s.conn.Close()
	s.conn = nil
	s.gen++
	sessionID := s.sessionID
	lifetime := s.ctx
	byServer := serverClosed(err)
	if byServer {
		s.state = Connecting
	} else {
		s.state = Reconnecting
	}
	s.mu.Unlock()

	reason := "transport error"
	if byServer {
		reason = "server disconnect"
	}
	s.log.Warn().Err(err).Str("reason", reason).Str("session", sessionID).Msg("channel dropped")
	s.notify(Notice{Kind: NoticeDisconnected, SessionID: sessionID, Reason: reason, Err: err})

	if byServer {
		go s.freshConnect(lifetime)
		return
	}
	s.startReconnect(lifetime, reason)
}

// freshConnect handles a deliberate server close: dial again right away
// with a fresh attempt budget instead of treating it as fatal.
func (s *Supervisor) freshConnect(ctx context.Context) {
	if err := s.dialAndJoin(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.notify(Notice{Kind: NoticeError, SessionID: s.SessionID(), Err: err})
		s.startReconnect(ctx, "reconnect after server disconnect failed")
	}
}

func (s *Supervisor) startReconnect(ctx context.Context, reason string) {
	s.mu.Lock()
	if ctx.Err() != nil || ctx != s.ctx {
		s.mu.Unlock()
		return
	}
	s.task.Cancel()
	s.state = Reconnecting
	sessionID := s.sessionID
	var task *retry.Task
	task = retry.Start(ctx, s.policy, func(ctx context.Context, n int) error {
		s.notify(Notice{Kind: NoticeReconnecting, SessionID: sessionID, Attempt: n, Reason: reason})
		s.log.Info().Int("attempt", n).Str("session", sessionID).Msg("reconnection attempt")
		return s.dialAndJoin(ctx)
	}, func(n int, err error, next time.Duration) {
		s.log.Warn().Err(err).Int("attempt", n).Dur("next", next).Msg("reconnection error")
	})
	s.task = task
	s.mu.Unlock()

	go s.watch(task, sessionID)
}

func (s *Supervisor) watch(task *retry.Task, sessionID string) {
	err := task.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	s.mu.Lock()
	if s.task != task {
		s.mu.Unlock()
		return
	}
	s.task = nil
	s.state = Disconnected
	s.mu.Unlock()

	s.log.Error().Err(err).Str("session", sessionID).Msg("reconnection failed after all attempts")
	s.notify(Notice{Kind: NoticeTerminal, SessionID: sessionID, Err: fmt.Errorf("%w: %w", ErrReconnectFailed, err)})
}

func (s *Supervisor) notify(n Notice) {
	if s.listener != nil {
		s.listener.HandleNotice(n)
	}
}
