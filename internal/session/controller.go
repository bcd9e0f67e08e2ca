// Package session owns the lifecycle of the simulation session: acquiring
// or resuming it, seeding the log and tasks, and resetting it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kairo-sync/internal/backend"
	"kairo-sync/internal/conversation"
	"kairo-sync/internal/metrics"
	"kairo-sync/internal/storage"
)

type State int

const (
	Uninitialized State = iota
	Pending
	Active
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	}
	return "uninitialized"
}

const (
	DefaultWelcome = "Welcome! Your simulation is ready. Introduce yourself to get started."
	DefaultSender  = "AI"
	UserSender     = "You"
)

var (
	ErrRoleConflict = errors.New("session active for another role")
	ErrNoSession    = errors.New("no session to resume")
	ErrSuperseded   = errors.New("session start superseded by reset")
)

type Session struct {
	ID        string
	Role      string
	IsResumed bool
	Context   backend.Context
	Tasks     []backend.Task
}

type Starter interface {
	StartSession(ctx context.Context, req backend.StartRequest) (backend.StartResponse, error)
}

// Store persists the session id per role.
type Store interface {
	SessionID(role string) string
	SetSessionID(role, id string) error
	ClearSession(role string) error
}

type TaskSeeder interface {
	Seed(sessionID string, ts []backend.Task)
	Reset()
}

// Transcript is the local copy of checkpointed sessions. It backs the
// history of a resumed session when the backend replays none.
type Transcript interface {
	Load(sessionID string) ([]storage.Entry, error)
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l.With().Str("component", "session").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithTasks(t TaskSeeder) Option { return func(c *Controller) { c.tasks = t } }

func WithTranscript(t Transcript) Option { return func(c *Controller) { c.transcript = t } }

type Controller struct {
	api        Starter
	store      Store
	log        *conversation.Log
	tasks      TaskSeeder
	transcript Transcript
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	state   State
	current Session
	role    string
	gen     int
}

func NewController(api Starter, store Store, log *conversation.Log, opts ...Option) *Controller {
	c := &Controller{
		api:    api,
		store:  store,
		log:    log,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	s.Tasks = append([]backend.Task(nil), c.current.Tasks...)
	return s
}

// PersistedID returns the stored session id of the last requested role.
func (c *Controller) PersistedID() string {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	if role == "" {
		return ""
	}
	return c.store.SessionID(role)
}

// Start acquires a session for role. A persisted id is resumed with its
// history replayed into the log; otherwise a new session is created and a
// single welcome record is seeded. Repeating Start for the role already
// pending or active is a no-op.
func (c *Controller) Start(ctx context.Context, role string) (Session, error) {
	c.mu.Lock()
	if c.state != Uninitialized {
		cur := c.current
		c.mu.Unlock()
		if cur.Role == role {
			return cur, nil
		}
		return Session{}, fmt.Errorf("start %q: %w (%q)", role, ErrRoleConflict, cur.Role)
	}
	c.state = Pending
	c.current = Session{Role: role}
	c.role = role
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	persisted := c.store.SessionID(role)
	lg := c.logger.With().Str("role", role).Str("persisted", persisted).Logger()
	lg.Info().Msg("starting session")

	resp, err := c.api.StartSession(ctx, backend.StartRequest{Role: role, SessionID: persisted})
	if err != nil {
		if persisted != "" && errors.Is(err, backend.ErrSessionNotFound) {
			if cerr := c.store.ClearSession(role); cerr != nil {
				lg.Warn().Err(cerr).Msg("failed to clear stale session id")
			}
		}
		return Session{}, c.fail(gen, err)
	}

	// The backend may resume under a new id; without a persisted id the
	// session is always new.
	resumed := persisted != "" && (resp.IsResumed || resp.SessionID == persisted)
	if resp.SessionID != persisted {
		if err := c.store.SetSessionID(role, resp.SessionID); err != nil {
			return Session{}, c.fail(gen, fmt.Errorf("persist session id: %w", err))
		}
	}

	var history []conversation.Record
	if resumed {
		history = historyRecords(resp.History)
		if len(history) == 0 {
			history = c.localHistory(lg, persisted, resp.SessionID)
		}
	}

	sess := Session{
		ID:        resp.SessionID,
		Role:      role,
		IsResumed: resumed,
		Context:   resp.Context,
		Tasks:     append([]backend.Task(nil), resp.Tasks...),
	}

	// Seeding happens under mu so a concurrent Reset cannot interleave.
	// Log observers must not call back into the Controller.
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return Session{}, ErrSuperseded
	}
	if resumed {
		c.log.Hydrate(history)
	} else {
		welcome := welcomeRecord(resp.InitialMessage, c.now())
		c.log.Update(func(s conversation.State) conversation.State { return s.Append(welcome) })
	}
	if c.tasks != nil {
		c.tasks.Seed(sess.ID, sess.Tasks)
	}
	c.state = Active
	c.current = sess
	c.mu.Unlock()

	outcome := "new"
	if resumed {
		outcome = "resumed"
	}
	c.countStart(outcome)
	lg.Info().Str("session", sess.ID).Bool("resumed", resumed).Int("history", len(history)).Msg("session active")
	return sess, nil
}

// Resume restarts the last requested role when its session id is still
// persisted. It is used to rebind the channel after a lost session.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	st, role := c.state, c.role
	c.mu.Unlock()
	if st == Active {
		return nil
	}
	if role == "" || c.store.SessionID(role) == "" {
		return ErrNoSession
	}
	_, err := c.Start(ctx, role)
	return err
}

// Reset drops the session and clears the log and task board. Any start in
// flight is superseded.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.state = Uninitialized
	c.current = Session{}
	c.role = ""
	c.gen++
	c.mu.Unlock()

	c.log.Reset()
	if c.tasks != nil {
		c.tasks.Reset()
	}
}

// localHistory replays the checkpointed transcript of a resumed session.
// Entries saved under the previous id are used when the backend moved the
// session to a new one.
func (c *Controller) localHistory(lg zerolog.Logger, ids ...string) []conversation.Record {
	if c.transcript == nil {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		entries, err := c.transcript.Load(id)
		if err != nil {
			lg.Warn().Err(err).Str("session", id).Msg("failed to load local transcript")
			continue
		}
		if len(entries) == 0 {
			continue
		}
		out := make([]conversation.Record, 0, len(entries))
		for _, e := range entries {
			r := e.Record
			r.Open = false
			out = append(out, r)
		}
		lg.Debug().Str("session", id).Int("records", len(out)).Msg("history replayed from local transcript")
		return out
	}
	return nil
}

func (c *Controller) fail(gen int, err error) error {
	c.mu.Lock()
	stale := c.gen != gen
	if !stale {
		c.state = Uninitialized
		c.current = Session{}
	}
	c.mu.Unlock()
	if stale {
		return ErrSuperseded
	}

	c.logger.Error().Err(err).Msg("session start failed")
	c.log.AppendSystem("Failed to start simulation: " + err.Error())
	c.countStart("failed")
	if c.metrics != nil {
		c.metrics.Diagnostics.WithLabelValues("session").Inc()
	}
	return err
}

func (c *Controller) countStart(outcome string) {
	if c.metrics != nil {
		c.metrics.SessionStarts.WithLabelValues(outcome).Inc()
	}
}

func historyRecords(msgs []backend.Message) []conversation.Record {
	out := make([]conversation.Record, 0, len(msgs))
	for _, m := range msgs {
		r := conversation.Record{
			ID:          m.ID,
			Role:        roleOf(m.Type),
			Content:     m.Content,
			SenderLabel: m.Sender,
			CreatedAt:   m.Timestamp,
			Persisted:   m.ID != "",
		}
		if r.SenderLabel == "" {
			switch r.Role {
			case conversation.RoleUser:
				r.SenderLabel = UserSender
			case conversation.RoleAgent:
				r.SenderLabel = DefaultSender
			}
		}
		out = append(out, r)
	}
	return out
}

func welcomeRecord(m *backend.Message, now time.Time) conversation.Record {
	r := conversation.Record{
		ID:          "welcome-" + uuid.NewString(),
		Role:        conversation.RoleAgent,
		Content:     DefaultWelcome,
		SenderLabel: DefaultSender,
		CreatedAt:   now,
	}
	if m == nil {
		return r
	}
	if m.ID != "" {
		r.ID = m.ID
		r.Persisted = true
	}
	if m.Content != "" {
		r.Content = m.Content
	}
	if m.Sender != "" {
		r.SenderLabel = m.Sender
	}
	if !m.Timestamp.IsZero() {
		r.CreatedAt = m.Timestamp
	}
	return r
}

func roleOf(t string) conversation.Role {
	switch t {
	case "user":
		return conversation.RoleUser
	case "system":
		return conversation.RoleSystem
	}
	return conversation.RoleAgent
}
