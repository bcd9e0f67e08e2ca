package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairo-sync/internal/channel"
	"kairo-sync/internal/conversation"
	"kairo-sync/internal/metrics"
	"kairo-sync/internal/protocol"
	"kairo-sync/internal/session"
)

type fakeChannel struct {
	mu         sync.Mutex
	state      channel.State
	sent       []protocol.SendTurn
	rejoined   []string
	reconnects int
	sendErr    error
	block      chan struct{}
}

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(s channel.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeChannel) Send(event string, payload any) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if event == protocol.EventSendTurn {
		f.sent = append(f.sent, payload.(protocol.SendTurn))
	}
	return nil
}

func (f *fakeChannel) Reconnect() error {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Rejoin(id string) error {
	f.mu.Lock()
	f.rejoined = append(f.rejoined, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSessions struct {
	mu        sync.Mutex
	state     session.State
	persisted string
	resumeOK  bool
	resumes   int
}

func (f *fakeSessions) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSessions) Snapshot() session.Session {
	return session.Session{ID: f.persisted}
}

func (f *fakeSessions) PersistedID() string { return f.persisted }

func (f *fakeSessions) Resume(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	if !f.resumeOK {
		return session.ErrNoSession
	}
	f.state = session.Active
	return nil
}

func fast(d *Dispatcher) *Dispatcher {
	d.pollInterval = 5 * time.Millisecond
	d.connectWait = 50 * time.Millisecond
	d.rejoinWait = 5 * time.Millisecond
	return d
}

func systemRecords(l *conversation.Log) []conversation.Record {
	var out []conversation.Record
	for _, r := range l.Snapshot() {
		if r.Role == conversation.RoleSystem {
			out = append(out, r)
		}
	}
	return out
}

func TestSendEmitsTurnWithoutOptimisticAppend(t *testing.T) {
	ch := &fakeChannel{state: channel.Connected}
	sess := &fakeSessions{state: session.Active}
	log := conversation.NewLog()
	m := metrics.New()
	d := fast(New(ch, sess, log, WithPersona("Sarah (Manager)"), WithMetrics(m)))

	require.NoError(t, d.Send(context.Background(), "  hello  "))
	require.Len(t, ch.sent, 1)
	assert.Equal(t, protocol.SendTurn{Text: "hello", Persona: "Sarah (Manager)"}, ch.sent[0])
	assert.Equal(t, 0, log.Len(), "user text waits for the backend echo")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsSent))
}

func TestEmptyIsSilent(t *testing.T) {
	ch := &fakeChannel{state: channel.Connected}
	log := conversation.NewLog()
	d := New(ch, &fakeSessions{state: session.Active}, log)

	assert.True(t, errors.Is(d.Send(context.Background(), "   "), ErrEmpty))
	assert.Equal(t, 0, log.Len())
	assert.Empty(t, ch.sent)
}

func TestSingleFlightEmitsExactlyOneTurn(t *testing.T) {
	ch := &fakeChannel{state: channel.Connected, block: make(chan struct{})}
	log := conversation.NewLog()
	d := fast(New(ch, &fakeSessions{state: session.Active}, log))

	first := make(chan error, 1)
	go func() { first <- d.Send(context.Background(), "one") }()
	require.Eventually(t, d.InFlight, time.Second, time.Millisecond)

	err := d.Send(context.Background(), "two")
	assert.True(t, errors.Is(err, ErrInFlight))

	close(ch.block)
	require.NoError(t, <-first)
	assert.Equal(t, 1, ch.sentCount())
	assert.Empty(t, systemRecords(log), "in-flight rejection is silent")
}

func TestConnectionTimeoutDiagnostic(t *testing.T) {
	ch := &fakeChannel{state: channel.Reconnecting}
	log := conversation.NewLog()
	d := fast(New(ch, &fakeSessions{state: session.Active}, log))

	err := d.Send(context.Background(), "hi")
	assert.True(t, errors.Is(err, ErrConnectionTimeout))
	recs := systemRecords(log)
	require.Len(t, recs, 1)
	assert.Equal(t, MsgConnectionTimeout, recs[0].Content)
	assert.Empty(t, ch.sent)
}

func TestWaitsForReconnectThenSends(t *testing.T) {
	ch := &fakeChannel{state: channel.Connecting}
	log := conversation.NewLog()
	d := fast(New(ch, &fakeSessions{state: session.Active}, log))

	go func() {
		time.Sleep(15 * time.Millisecond)
		ch.setState(channel.Connected)
	}()
	require.NoError(t, d.Send(context.Background(), "hi"))
	assert.Equal(t, 1, ch.sentCount())
	assert.Empty(t, systemRecords(log))
}

func TestDisconnectedAsksForReconnect(t *testing.T) {
	ch := &fakeChannel{state: channel.Disconnected}
	log := conversation.NewLog()
	d := fast(New(ch, &fakeSessions{state: session.Active}, log))

	err := d.Send(context.Background(), "hi")
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, 1, ch.reconnects)
	recs := systemRecords(log)
	require.Len(t, recs, 1)
	assert.Equal(t, MsgNotConnected, recs[0].Content)
}

func TestSessionNotFound(t *testing.T) {
	ch := &fakeChannel{state: channel.Connected}
	log := conversation.NewLog()

	d := fast(New(ch, &fakeSessions{state: session.Uninitialized}, log))
	err := d.Send(context.Background(), "hi")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	// persisted id but resume fails: one retry then the same diagnostic
	sess := &fakeSessions{state: session.Uninitialized, persisted: "s-1"}
	d = fast(New(ch, sess, log))
	err = d.Send(context.Background(), "hi")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.Equal(t, 1, sess.resumes)

	recs := systemRecords(log)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, MsgSessionNotFound, r.Content)
	}
	assert.Empty(t, ch.sent)
}

func TestRejoinThenSend(t *testing.T) {
	ch := &fakeChannel{state: channel.Connected}
	sess := &fakeSessions{state: session.Uninitialized, persisted: "s-1", resumeOK: true}
	log := conversation.NewLog()
	d := fast(New(ch, sess, log))

	require.NoError(t, d.Send(context.Background(), "hi"))
	assert.Equal(t, []string{"s-1"}, ch.rejoined)
	assert.Equal(t, 1, ch.sentCount())
	assert.Empty(t, systemRecords(log))
}

func TestSendFailureAppendsOneRecord(t *testing.T) {
	ch := &fakeChannel{state: channel.Connected, sendErr: channel.ErrNotConnected}
	log := conversation.NewLog()
	d := fast(New(ch, &fakeSessions{state: session.Active}, log))

	err := d.Send(context.Background(), "hi")
	assert.True(t, errors.Is(err, channel.ErrNotConnected))
	assert.Len(t, systemRecords(log), 1)
}

func TestCloseCancelsWait(t *testing.T) {
	ch := &fakeChannel{state: channel.Reconnecting}
	log := conversation.NewLog()
	d := New(ch, &fakeSessions{state: session.Active}, log)

	done := make(chan error, 1)
	go func() { done <- d.Send(context.Background(), "hi") }()
	require.Eventually(t, d.InFlight, time.Second, time.Millisecond)
	d.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after Close")
	}
	assert.Empty(t, systemRecords(log))
	assert.True(t, errors.Is(d.Send(context.Background(), "again"), ErrClosed))
}
