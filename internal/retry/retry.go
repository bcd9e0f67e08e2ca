// Package retry provides the cancellable wait loops used by the channel
// supervisor (reconnect backoff) and the dispatcher (wait for connected).
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy is a capped exponential backoff with a fixed attempt ceiling.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Attempts   int
}

// ReconnectPolicy is the channel reconnect schedule: 1s, 2s, 4s, then 5s,
// ten attempts in total.
func ReconnectPolicy() Policy {
	return Policy{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2, Attempts: 10}
}

func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delays returns the wait before each attempt.
func (p Policy) Delays() []time.Duration {
	b := p.newBackOff()
	out := make([]time.Duration, 0, p.Attempts)
	for i := 0; i < p.Attempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// AttemptFunc performs attempt n (1-based). Returning nil ends the task.
type AttemptFunc func(ctx context.Context, n int) error

// NotifyFunc is called after a failed attempt with the wait before the next.
type NotifyFunc func(n int, err error, next time.Duration)

// Task is one running retry loop. It is owned by exactly one component and
// released with Cancel.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs attempts in a goroutine, waiting the policy delay before each.
func Start(parent context.Context, p Policy, attempt AttemptFunc, notify NotifyFunc) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.err = run(ctx, p, attempt, notify)
	}()
	return t
}

func run(ctx context.Context, p Policy, attempt AttemptFunc, notify NotifyFunc) error {
	b := backoff.WithContext(p.newBackOff(), ctx)
	var last error
	for n := 1; n <= p.Attempts; n++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err := attempt(ctx, n)
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		last = err
		if notify != nil && n < p.Attempts {
			notify(n, err, p.delayAfter(n))
		}
	}
	if last == nil {
		return ErrExhausted
	}
	return errors.Join(ErrExhausted, last)
}

func (p Policy) delayAfter(n int) time.Duration {
	d := p.Delays()
	if n < len(d) {
		return d[n]
	}
	return p.Max
}

// Cancel stops the loop; safe to call more than once and on a nil Task.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

// Wait blocks until the loop ends and returns its result.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Poll checks cond every interval until it holds or budget elapses.
// The first check happens immediately.
func Poll(ctx context.Context, interval, budget time.Duration, cond func() bool) error {
	tries := uint64(0)
	if interval > 0 {
		tries = uint64(budget / interval)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), tries), ctx)
	err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errNotYet
	}, b)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return ErrExhausted
}

var errNotYet = errors.New("retry: condition not met")

// Permanent marks an attempt error as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
