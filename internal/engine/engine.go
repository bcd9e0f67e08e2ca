// Package engine wires the conversation log, channel supervisor, session
// controller and dispatcher into one client for a simulation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kairo-sync/internal/assembler"
	"kairo-sync/internal/backend"
	"kairo-sync/internal/channel"
	"kairo-sync/internal/conversation"
	"kairo-sync/internal/credentials"
	"kairo-sync/internal/dispatch"
	"kairo-sync/internal/media"
	"kairo-sync/internal/metrics"
	"kairo-sync/internal/protocol"
	"kairo-sync/internal/retry"
	"kairo-sync/internal/scheduler"
	"kairo-sync/internal/session"
	"kairo-sync/internal/storage"
	"kairo-sync/internal/tasks"
)

const MsgReconnectFailed = "Failed to reconnect to server. Please refresh the page."

var (
	ErrNoActiveSession   = errors.New("engine: no active session")
	ErrMediaNotConnected = errors.New("engine: media transport not connected")
)

// API is the backend surface the engine uses.
type API interface {
	session.Starter
	tasks.Backend
	MediaToken(ctx context.Context, agentName string) (backend.MediaDetails, error)
	Evaluate(ctx context.Context, req backend.EvaluateRequest) (backend.Evaluation, error)
}

type Deps struct {
	API   API
	Store *credentials.Store
	WSURL string

	// Optional.
	Recorder       storage.Recorder
	CheckpointSpec string
	Dialer         channel.Dialer
	Policy         *retry.Policy
	Metrics        *metrics.Metrics
	Logger         *zerolog.Logger
}

type Options struct {
	Persona   string
	AgentName string
	DemoToken bool
}

type Engine struct {
	opts    Options
	api     API
	store   *credentials.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	log      *conversation.Log
	board    *tasks.Board
	sessions *session.Controller
	sup      *channel.Supervisor
	disp     *dispatch.Dispatcher
	monitor  *media.Monitor
	recorder storage.Recorder
	sched    *scheduler.Scheduler

	typing atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.API == nil || deps.Store == nil {
		return nil, errors.New("engine: api and store are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	base := zerolog.Nop()
	if deps.Logger != nil {
		base = *deps.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		api:      deps.API,
		store:    deps.Store,
		logger:   base.With().Str("component", "engine").Logger(),
		metrics:  deps.Metrics,
		now:      time.Now,
		log:      conversation.NewLog(),
		recorder: deps.Recorder,
		monitor:  media.NewMonitor(base),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.board = tasks.NewBoard(deps.API)
	sessOpts := []session.Option{
		session.WithTasks(e.board),
		session.WithLogger(base),
		session.WithMetrics(deps.Metrics),
	}
	if deps.Recorder != nil {
		sessOpts = append(sessOpts, session.WithTranscript(deps.Recorder))
	}
	e.sessions = session.NewController(deps.API, deps.Store, e.log, sessOpts...)

	supOpts := []channel.Option{channel.WithLogger(base)}
	if deps.Dialer != nil {
		supOpts = append(supOpts, channel.WithDialer(deps.Dialer))
	}
	if deps.Policy != nil {
		supOpts = append(supOpts, channel.WithPolicy(*deps.Policy))
	}
	e.sup = channel.NewSupervisor(deps.WSURL, e, supOpts...)

	e.disp = dispatch.New(e.sup, e.sessions, e.log,
		dispatch.WithPersona(opts.Persona),
		dispatch.WithLogger(base),
		dispatch.WithMetrics(deps.Metrics),
	)

	if deps.Recorder != nil && deps.CheckpointSpec != "" {
		e.sched = scheduler.New(deps.CheckpointSpec, base)
		e.sched.SetCheckpointFunction(e.Checkpoint)
		if err := e.sched.Start(); err != nil {
			cancel()
			return nil, fmt.Errorf("engine: checkpoint schedule: %w", err)
		}
	}
	return e, nil
}

// Log is the read-only conversation view.
func (e *Engine) Log() conversation.View { return e.log }

func (e *Engine) Session() session.Session { return e.sessions.Snapshot() }

func (e *Engine) SessionState() session.State { return e.sessions.State() }

func (e *Engine) ChannelState() channel.State { return e.sup.State() }

func (e *Engine) Typing() bool { return e.typing.Load() }

func (e *Engine) Tasks() []tasks.Task { return e.board.List() }

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Start acquires the session for role and opens the channel. When the
// first dial fails the channel keeps retrying in the background and the
// dial error is returned.
func (e *Engine) Start(ctx context.Context, role string) error {
	if e.opts.DemoToken {
		if _, err := e.store.EnsureDemoToken(); err != nil {
			return fmt.Errorf("demo token: %w", err)
		}
	}
	sess, err := e.sessions.Start(ctx, role)
	if err != nil {
		return err
	}
	if sess.ID == "" {
		// another start is still pending
		return nil
	}
	if err := e.sup.Connect(e.ctx, sess.ID, e.store.Token()); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (e *Engine) Send(ctx context.Context, text string) error {
	return e.disp.Send(ctx, text)
}

func (e *Engine) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	return e.board.Upload(ctx, name, r)
}

// SubmitTask submits work for a task. An empty transcript is filled from
// the media monitor.
func (e *Engine) SubmitTask(ctx context.Context, sub tasks.Submission) (backend.SubmissionResult, error) {
	if sub.Transcript == "" {
		sub.Transcript = e.monitor.Transcript()
	}
	return e.board.Submit(ctx, sub)
}

// MediaDetails requests connection details for the voice room.
func (e *Engine) MediaDetails(ctx context.Context) (backend.MediaDetails, error) {
	if e.sessions.State() != session.Active {
		return backend.MediaDetails{}, ErrNoActiveSession
	}
	return e.api.MediaToken(ctx, e.opts.AgentName)
}

// AttachMedia starts watching a connected media transport until the
// engine closes.
func (e *Engine) AttachMedia(t media.Transport) error {
	if t == nil || !t.Connected() {
		e.logger.Warn().Msg("media transport not connected, not attached")
		return ErrMediaNotConnected
	}
	go e.monitor.Run(e.ctx, t)
	return nil
}

func (e *Engine) AgentPresent() bool {
	ok, _ := e.monitor.AgentPresent()
	return ok
}

// Checkpoint rewrites the stored transcript of the active session with
// every finished record.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.recorder == nil {
		return nil
	}
	sess := e.sessions.Snapshot()
	if sess.ID == "" {
		return nil
	}
	saved := e.now()
	var entries []storage.Entry
	for _, r := range e.log.Snapshot() {
		if r.Open || r.Role == conversation.RoleSystem {
			continue
		}
		entries = append(entries, storage.Entry{SessionID: sess.ID, SavedAt: saved, Record: r})
	}
	if err := e.recorder.Rewrite(sess.ID, entries); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	e.logger.Debug().Str("session", sess.ID).Int("records", len(entries)).Msg("transcript checkpointed")
	return nil
}

// End requests the evaluation, then tears the session down and forgets its
// persisted id. The session is reset even when evaluation fails.
func (e *Engine) End(ctx context.Context) (backend.Evaluation, error) {
	sess := e.sessions.Snapshot()
	if e.sessions.State() != session.Active {
		return backend.Evaluation{}, ErrNoActiveSession
	}
	if err := e.Checkpoint(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("final checkpoint failed")
	}

	eval, evalErr := e.api.Evaluate(ctx, backend.EvaluateRequest{
		SessionID: sess.ID,
		Messages:  toMessages(e.log.Snapshot()),
		Tasks:     toTasks(e.board.List()),
	})

	e.teardown()
	if err := e.store.ClearSession(sess.Role); err != nil {
		e.logger.Warn().Err(err).Msg("failed to clear session id")
	}
	if evalErr != nil {
		return backend.Evaluation{}, evalErr
	}
	return eval, nil
}

// Logout ends everything and forgets the auth token.
func (e *Engine) Logout() error {
	e.teardown()
	return e.store.Clear()
}

// Close stops background work. The persisted session survives so a later
// run resumes it.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.disp.Close()
		if e.sched != nil {
			e.sched.Stop()
		}
		if err := e.Checkpoint(context.Background()); err != nil {
			e.logger.Warn().Err(err).Msg("final checkpoint failed")
		}
		e.sup.Disconnect()
		e.cancel()
	})
}

func (e *Engine) teardown() {
	e.sup.Disconnect()
	e.sessions.Reset()
	e.monitor.Reset()
	e.typing.Store(false)
}

// HandleEvent folds one inbound event into the log. It runs on the
// channel's read goroutine.
func (e *Engine) HandleEvent(ev protocol.Inbound) {
	switch v := ev.(type) {
	case protocol.TypingIndicator:
		e.typing.Store(v.IsTyping)
		return
	case protocol.ChannelError:
		e.logger.Warn().Str("message", v.Message).Msg("backend reported error")
		e.log.AppendSystem("Error: " + v.Message)
		e.metrics.Diagnostics.WithLabelValues("channel").Inc()
		return
	case protocol.TurnStart, protocol.TurnComplete:
		e.typing.Store(false)
	}

	now := e.now()
	var out assembler.Outcome
	e.log.Update(func(s conversation.State) conversation.State {
		next, o := assembler.Reduce(s, ev, now)
		out = o
		return next
	})
	if out.Anomaly == assembler.AnomalyNone {
		return
	}
	e.metrics.Anomalies.WithLabelValues(string(out.Anomaly)).Inc()
	lvl := zerolog.WarnLevel
	if out.Anomaly == assembler.AnomalyDuplicateFallback || out.Anomaly == assembler.AnomalyIgnoredFallback {
		lvl = zerolog.DebugLevel
	}
	e.logger.WithLevel(lvl).Str("event", ev.EventName()).Str("anomaly", string(out.Anomaly)).Str("record", out.RecordID).Msg("stream anomaly")
}

func (e *Engine) HandleNotice(n channel.Notice) {
	e.metrics.ChannelNotices.WithLabelValues(string(n.Kind)).Inc()
	switch n.Kind {
	case channel.NoticeTerminal:
		e.logger.Error().Err(n.Err).Str("session", n.SessionID).Msg("channel gave up reconnecting")
		e.log.AppendSystem(MsgReconnectFailed)
		e.metrics.Diagnostics.WithLabelValues("channel").Inc()
	case channel.NoticeError:
		e.logger.Warn().Err(n.Err).Str("session", n.SessionID).Msg("channel error")
	case channel.NoticeReconnecting:
		e.logger.Info().Int("attempt", n.Attempt).Str("reason", n.Reason).Msg("channel reconnecting")
	case channel.NoticeDisconnected:
		e.typing.Store(false)
		e.logger.Info().Str("reason", n.Reason).Msg("channel disconnected")
	case channel.NoticeConnected:
		e.logger.Info().Str("session", n.SessionID).Msg("channel connected")
	}
}

func toMessages(recs []conversation.Record) []backend.Message {
	out := make([]backend.Message, 0, len(recs))
	for _, r := range recs {
		if r.Role == conversation.RoleSystem {
			continue
		}
		typ := "ai"
		if r.Role == conversation.RoleUser {
			typ = "user"
		}
		out = append(out, backend.Message{ID: r.ID, Type: typ, Content: r.Content, Timestamp: r.CreatedAt, Sender: r.SenderLabel})
	}
	return out
}

func toTasks(ts []tasks.Task) []backend.Task {
	out := make([]backend.Task, 0, len(ts))
	for _, t := range ts {
		out = append(out, backend.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Status:      string(t.Status),
			Priority:    string(t.Priority),
			Requirements: backend.Requirements{
				MinSelections: t.Requirements.MinSelections,
				MinInterviews: t.Requirements.MinInterviews,
				NeedsArtifact: t.Requirements.NeedsArtifact,
			},
		})
	}
	return out
}
