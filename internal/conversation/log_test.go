package conversation

import (
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogUpdateAndSnapshotCopySemantics(t *testing.T) {
	l := NewLog()
	l.Update(func(s State) State {
		return s.Append(Record{ID: "a", Role: RoleAgent, Content: "hello"})
	})
	l.Update(func(s State) State {
		return s.Append(Record{ID: "b", Role: RoleUser, Content: "hi"})
	})

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)

	// mutating the returned slice must not leak into the log
	snap[0].Content = "mutated"
	assert.Equal(t, "hello", l.Snapshot()[0].Content)
}

func TestStateReplacePreservesPosition(t *testing.T) {
	s := NewState(
		Record{ID: "a"},
		Record{ID: "b"},
		Record{ID: "c"},
	)
	next := s.Replace(1, Record{ID: "b2"})

	ids := func(st State) []string {
		var out []string
		for _, r := range st.Records() {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(s), "source state must stay untouched")
	assert.Equal(t, []string{"a", "b2", "c"}, ids(next))
}

func TestHydrateRunsOnce(t *testing.T) {
	l := NewLog()
	first := []Record{{ID: "h1", Role: RoleAgent, Content: "earlier", Persisted: true}}
	require.True(t, l.Hydrate(first))
	require.False(t, l.Hydrate([]Record{{ID: "h2"}}))

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "h1", snap[0].ID)

	l.Reset()
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Hydrate([]Record{{ID: "h3"}}), "reset allows a new hydration")
}

func TestAppendSystemAndSubscribe(t *testing.T) {
	l := NewLog()
	var seen []int
	cancel := l.Subscribe(func(s State) { seen = append(seen, s.Len()) })

	r := l.AppendSystem("Connection timeout")
	assert.Equal(t, RoleSystem, r.Role)
	assert.True(t, strings.HasPrefix(r.ID, "sys-"))
	assert.False(t, r.CreatedAt.IsZero())

	cancel()
	l.AppendSystem("ignored by cancelled observer")
	assert.Equal(t, []int{1}, seen)
}

func TestLastIndexAndIndex(t *testing.T) {
	s := NewState(
		Record{ID: "a", Role: RoleAgent},
		Record{ID: "u", Role: RoleUser},
		Record{ID: "s", Role: RoleSystem},
	)
	assert.Equal(t, 0, s.LastIndex(RoleAgent))
	assert.Equal(t, 1, s.Index("u"))
	assert.Equal(t, -1, s.Index("missing"))
	assert.Equal(t, -1, s.Index(""))
}

func TestObserversNeverSeeOlderState(t *testing.T) {
	l := NewLog()

	var (
		mu    sync.Mutex
		last  int
		stale int
	)
	l.Subscribe(func(s State) {
		runtime.Gosched()
		mu.Lock()
		defer mu.Unlock()
		if s.Len() < last {
			stale++
		}
		last = s.Len()
	})

	const writers, perWriter = 4, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.AppendSystem("diagnostic")
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, stale, "observer received a state older than one already delivered")
	assert.Equal(t, writers*perWriter, last)
	assert.Equal(t, writers*perWriter, l.Len())
}
