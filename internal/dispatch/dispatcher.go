// Package dispatch sends user turns over the channel once the channel and
// the session are both ready.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kairo-sync/internal/channel"
	"kairo-sync/internal/conversation"
	"kairo-sync/internal/metrics"
	"kairo-sync/internal/protocol"
	"kairo-sync/internal/retry"
	"kairo-sync/internal/session"
)

const (
	PollInterval = 500 * time.Millisecond
	ConnectWait  = 5 * time.Second
	RejoinWait   = 500 * time.Millisecond
)

// User-visible diagnostics.
const (
	MsgConnectionTimeout = "Connection timeout. Please check if the backend server is running and try again."
	MsgNotConnected      = "Not connected to server. Attempting to reconnect..."
	MsgSessionNotFound   = "Session not found. Please restart the simulation."
	MsgSendFailed        = "Failed to send message. Please try again."
)

var (
	ErrEmpty             = errors.New("dispatch: empty message")
	ErrInFlight          = errors.New("dispatch: send already in flight")
	ErrConnectionTimeout = errors.New("dispatch: connection timeout")
	ErrNotConnected      = errors.New("dispatch: not connected")
	ErrSessionNotFound   = errors.New("dispatch: session not found")
	ErrClosed            = errors.New("dispatch: closed")
)

type Channel interface {
	State() channel.State
	Send(event string, payload any) error
	Reconnect() error
	Rejoin(sessionID string) error
}

type Sessions interface {
	State() session.State
	Snapshot() session.Session
	PersistedID() string
	Resume(ctx context.Context) error
}

type Diagnostics interface {
	AppendSystem(content string) conversation.Record
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.With().Str("component", "dispatch").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithPersona sets the persona hint attached to every turn.
func WithPersona(p string) Option { return func(d *Dispatcher) { d.persona = p } }

type Dispatcher struct {
	ch      Channel
	sess    Sessions
	diag    Diagnostics
	persona string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	pollInterval time.Duration
	connectWait  time.Duration
	rejoinWait   time.Duration

	inFlight atomic.Bool

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(ch Channel, sess Sessions, diag Diagnostics, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ch:           ch,
		sess:         sess,
		diag:         diag,
		logger:       zerolog.Nop(),
		pollInterval: PollInterval,
		connectWait:  ConnectWait,
		rejoinWait:   RejoinWait,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Close aborts any wait in progress. Later sends fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(d.cancel)
}

// InFlight reports whether a send is being processed.
func (d *Dispatcher) InFlight() bool { return d.inFlight.Load() }

// Send emits one send-turn for text. Only one send runs at a time; a second
// call while one is in flight returns ErrInFlight. The user's text is never
// appended to the log here: the backend echoes it as a fallback message.
func (d *Dispatcher) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmpty
	}
	if !d.inFlight.CompareAndSwap(false, true) {
		return ErrInFlight
	}
	defer d.inFlight.Store(false)

	if d.ctx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	if err := d.awaitChannel(ctx); err != nil {
		return err
	}
	if err := d.awaitSession(ctx); err != nil {
		return err
	}

	if err := d.ch.Send(protocol.EventSendTurn, protocol.SendTurn{Text: text, Persona: d.persona}); err != nil {
		d.logger.Error().Err(err).Msg("send-turn failed")
		d.report(MsgSendFailed)
		return fmt.Errorf("send turn: %w", err)
	}
	if d.metrics != nil {
		d.metrics.TurnsSent.Inc()
	}
	d.logger.Debug().Int("len", len(text)).Msg("turn sent")
	return nil
}

func (d *Dispatcher) awaitChannel(ctx context.Context) error {
	switch st := d.ch.State(); st {
	case channel.Connected:
		return nil
	case channel.Disconnected:
		d.report(MsgNotConnected)
		if err := d.ch.Reconnect(); err != nil {
			d.logger.Warn().Err(err).Msg("reconnect request refused")
		}
		return ErrNotConnected
	default:
		d.logger.Debug().Str("state", st.String()).Msg("waiting for channel")
		err := retry.Poll(ctx, d.pollInterval, d.connectWait, func() bool {
			return d.ch.State() == channel.Connected
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return d.aborted(ctx)
		}
		d.report(MsgConnectionTimeout)
		return ErrConnectionTimeout
	}
}

// awaitSession rejoins once when the session is not active but its id is
// still persisted.
func (d *Dispatcher) awaitSession(ctx context.Context) error {
	if d.sess.State() == session.Active {
		return nil
	}
	if d.sess.PersistedID() == "" {
		d.report(MsgSessionNotFound)
		return ErrSessionNotFound
	}

	d.logger.Info().Msg("session not active, rejoining")
	if err := d.sess.Resume(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("resume failed")
	} else if err := d.ch.Rejoin(d.sess.Snapshot().ID); err != nil {
		d.logger.Warn().Err(err).Msg("rejoin failed")
	}

	t := time.NewTimer(d.rejoinWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return d.aborted(ctx)
	case <-t.C:
	}

	if d.sess.State() != session.Active {
		d.report(MsgSessionNotFound)
		return ErrSessionNotFound
	}
	return nil
}

func (d *Dispatcher) aborted(ctx context.Context) error {
	if d.ctx.Err() != nil {
		return ErrClosed
	}
	return ctx.Err()
}

func (d *Dispatcher) report(msg string) {
	d.diag.AppendSystem(msg)
	if d.metrics != nil {
		d.metrics.Diagnostics.WithLabelValues("dispatch").Inc()
	}
}
