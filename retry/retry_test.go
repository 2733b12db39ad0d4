package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer fires immediately and records the requested pauses.
type instantTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func TestDoStopsAtAttemptLimit(t *testing.T) {
	timer := newInstantTimer()
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 10, Interval: time.Second, Timer: timer},
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("not indexed yet")
		})
	require.Error(t, err)
	assert.Equal(t, 10, calls)
	assert.Len(t, timer.delays, 9)
	for _, d := range timer.delays {
		assert.Equal(t, time.Second, d)
	}
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), Policy{Attempts: 5, Timer: newInstantTimer()},
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoPermanent(t *testing.T) {
	sentinel := errors.New("fatal")
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 5, Timer: newInstantTimer()},
		func(context.Context) (int, error) {
			calls++
			return 0, Permanent(sentinel)
		})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoNoAttempts(t *testing.T) {
	_, err := Do(context.Background(), Policy{}, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrNoAttempts)
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, Policy{Attempts: 5, Timer: newInstantTimer()},
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("transient")
		})
	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestDoSingleAttempt(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 1, Timer: newInstantTimer()},
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("transient")
		})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
