package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// View is the read-only side of the Log handed to consumers.
type View interface {
	Snapshot() []Record
	Subscribe(fn func(State)) (cancel func())
}

// Log holds the single ordered conversation. Only the assembler and the
// dispatcher (through the engine) write to it; everything else reads
// snapshots or subscribes.
type Log struct {
	// notifyMu orders observer delivery; it is taken before mu and held
	// through the observer loop so states arrive in update order.
	notifyMu  sync.Mutex
	mu        sync.RWMutex
	state     State
	hydrated  bool
	observers map[int]func(State)
	nextObs   int
	now       func() time.Time
}

func NewLog() *Log {
	return &Log{observers: make(map[int]func(State)), now: time.Now}
}

// State returns the current immutable state.
func (l *Log) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Log) Snapshot() []Record { return l.State().Records() }

func (l *Log) Len() int { return l.State().Len() }

// Update applies fn to the current state and publishes the result.
// fn must be pure; it runs under the write lock. Observers see states in
// the order updates were applied and must not call Update themselves.
func (l *Log) Update(fn func(State) State) State {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	next := fn(l.state)
	l.state = next
	obs := l.observerList()
	l.mu.Unlock()

	for _, o := range obs {
		o(next)
	}
	return next
}

// Hydrate replaces an empty log with replayed history. It runs at most once
// per Log lifetime (until Reset) and reports whether it applied.
func (l *Log) Hydrate(records []Record) bool {
	applied := false
	l.Update(func(s State) State {
		if l.hydrated {
			return s
		}
		l.hydrated = true
		applied = true
		hist := NewState(records...)
		for _, r := range s.records {
			hist = hist.Append(r)
		}
		return hist
	})
	return applied
}

// AppendSystem appends a system diagnostic with a client-side id.
func (l *Log) AppendSystem(content string) Record {
	r := Record{
		ID:        "sys-" + uuid.NewString(),
		Role:      RoleSystem,
		Content:   content,
		CreatedAt: l.now(),
	}
	l.Update(func(s State) State { return s.Append(r) })
	return r
}

// Reset clears the log for a new session.
func (l *Log) Reset() {
	l.Update(func(State) State {
		l.hydrated = false
		return State{}
	})
}

// Subscribe registers fn to be called after every update with the new state.
func (l *Log) Subscribe(fn func(State)) func() {
	l.mu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

func (l *Log) observerList() []func(State) {
	out := make([]func(State), 0, len(l.observers))
	for _, o := range l.observers {
		out = append(out, o)
	}
	return out
}
