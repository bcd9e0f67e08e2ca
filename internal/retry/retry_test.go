package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectPolicyDelays(t *testing.T) {
	d := ReconnectPolicy().Delays()
	require.Len(t, d, 10)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
		5 * time.Second, 5 * time.Second, 5 * time.Second,
	}, d)
}

func fastPolicy(attempts int) Policy {
	return Policy{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2, Attempts: attempts}
}

func TestTaskStopsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	task := Start(context.Background(), fastPolicy(10), func(ctx context.Context, n int) error {
		calls.Add(1)
		if n < 3 {
			return errors.New("dial refused")
		}
		return nil
	}, nil)
	require.NoError(t, task.Wait())
	assert.Equal(t, int32(3), calls.Load())
}

func TestTaskExhaustsCeiling(t *testing.T) {
	var notified []int
	task := Start(context.Background(), fastPolicy(4), func(ctx context.Context, n int) error {
		return errors.New("down")
	}, func(n int, err error, next time.Duration) {
		notified = append(notified, n)
	})
	err := task.Wait()
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, []int{1, 2, 3}, notified)
}

func TestTaskCancel(t *testing.T) {
	p := Policy{Initial: time.Hour, Max: time.Hour, Multiplier: 2, Attempts: 3}
	task := Start(context.Background(), p, func(ctx context.Context, n int) error {
		t.Fatal("attempt must not run after cancel")
		return nil
	}, nil)
	task.Cancel()
	task.Cancel()
	assert.True(t, errors.Is(task.Wait(), context.Canceled))

	var nilTask *Task
	nilTask.Cancel()
}

func TestTaskPermanentError(t *testing.T) {
	rejected := errors.New("unauthorized")
	var calls int
	task := Start(context.Background(), fastPolicy(5), func(ctx context.Context, n int) error {
		calls++
		return Permanent(rejected)
	}, nil)
	assert.ErrorIs(t, task.Wait(), rejected)
	assert.Equal(t, 1, calls)
}

func TestPoll(t *testing.T) {
	var ready atomic.Bool
	go func() {
		time.Sleep(15 * time.Millisecond)
		ready.Store(true)
	}()
	err := Poll(context.Background(), 5*time.Millisecond, time.Second, ready.Load)
	assert.NoError(t, err)

	err = Poll(context.Background(), 2*time.Millisecond, 10*time.Millisecond, func() bool { return false })
	assert.ErrorIs(t, err, ErrExhausted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Poll(ctx, 2*time.Millisecond, time.Second, func() bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}
