package checkpoint_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/checkpoint"
	walbtest "github.com/dargueta/walb/testing"
)

// counter is a TakeFunc that reports every call on a channel.
type counter struct {
	calls atomic.Int32
	ticks chan struct{}
	err   error
}

func newCounter() *counter {
	return &counter{ticks: make(chan struct{}, 16)}
}

func (c *counter) take(context.Context) error {
	c.calls.Add(1)
	c.ticks <- struct{}{}
	return c.err
}

func (c *counter) waitForTick(t *testing.T) {
	select {
	case <-c.ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("checkpoint didn't run")
	}
}

func TestScheduler__Ticks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newCounter()
	sched, err := checkpoint.New(clock, 1000, c.take, nil)
	require.NoError(t, err)

	require.NoError(t, sched.Start())
	assert.Equal(t, checkpoint.Running, sched.State())

	for i := 1; i <= 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(1000 * time.Millisecond)
		c.waitForTick(t)
		assert.EqualValues(t, i, c.calls.Load())
	}

	sched.Stop()
	assert.Equal(t, checkpoint.Stopped, sched.State())
}

func TestScheduler__Stop__Idempotent(t *testing.T) {
	sched, err := checkpoint.New(clockwork.NewFakeClock(), 1000, newCounter().take, nil)
	require.NoError(t, err)

	sched.Stop()
	assert.Equal(t, checkpoint.Stopped, sched.State())

	require.NoError(t, sched.Start())
	require.NoError(t, sched.Start(), "second start should be a no-op")
	sched.Stop()
	sched.Stop()
	assert.Equal(t, checkpoint.Stopped, sched.State())
}

func TestScheduler__Stop__WaitsForInFlight(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool

	sched, err := checkpoint.New(
		clock,
		100,
		func(context.Context) error {
			close(started)
			<-release
			finished.Store(true)
			return nil
		},
		nil,
	)
	require.NoError(t, err)
	require.NoError(t, sched.Start())

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	<-started

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a checkpoint was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.True(t, finished.Load())
	assert.Equal(t, checkpoint.Stopped, sched.State())
}

func TestScheduler__SetInterval__Reschedules(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newCounter()
	sched, err := checkpoint.New(clock, 1000, c.take, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Start())
	defer sched.Stop()

	clock.BlockUntil(1)
	clock.Advance(600 * time.Millisecond)

	// The new interval counts from now, not from the last tick.
	require.NoError(t, sched.SetInterval(5000))
	assert.EqualValues(t, 5000, sched.Interval())

	clock.Advance(4999 * time.Millisecond)
	assert.EqualValues(t, 0, c.calls.Load(), "old timer fired after reschedule")

	clock.Advance(time.Millisecond)
	c.waitForTick(t)
	assert.EqualValues(t, 1, c.calls.Load())
}

func TestScheduler__SetInterval__Bounds(t *testing.T) {
	sched, err := checkpoint.New(clockwork.NewFakeClock(), 1000, newCounter().take, nil)
	require.NoError(t, err)

	err = sched.SetInterval(checkpoint.MaxIntervalMs + 1)
	assert.ErrorIs(t, err, walb.ErrInvalidArgument)
	assert.EqualValues(t, 1000, sched.Interval())

	require.NoError(t, sched.SetInterval(checkpoint.MaxIntervalMs))

	_, err = checkpoint.New(clockwork.NewFakeClock(), checkpoint.MaxIntervalMs+1, nil, nil)
	assert.ErrorIs(t, err, walb.ErrInvalidArgument)
}

func TestScheduler__Take__RequiresStopped(t *testing.T) {
	c := newCounter()
	sched, err := checkpoint.New(clockwork.NewFakeClock(), 1000, c.take, nil)
	require.NoError(t, err)

	require.NoError(t, sched.Take(context.Background()))
	assert.EqualValues(t, 1, c.calls.Load())

	require.NoError(t, sched.Start())
	err = sched.Take(context.Background())
	assert.ErrorIs(t, err, walb.ErrInconsistent)
	assert.True(t, walb.IsFatal(err))

	sched.Stop()
	require.NoError(t, sched.Take(context.Background()))
}

func TestScheduler__Failure__StopsAndReports(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newCounter()
	c.err = walbtest.ErrInjected

	reported := make(chan error, 1)
	sched, err := checkpoint.New(clock, 1000, c.take, func(err error) { reported <- err })
	require.NoError(t, err)
	require.NoError(t, sched.Start())

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	c.waitForTick(t)

	select {
	case err := <-reported:
		assert.ErrorIs(t, err, walbtest.ErrInjected)
	case <-time.After(5 * time.Second):
		t.Fatal("failure wasn't reported")
	}

	sched.Stop()
	assert.Equal(t, checkpoint.Stopped, sched.State())
}

func TestScheduler__ZeroInterval__NeverTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newCounter()
	sched, err := checkpoint.New(clock, 0, c.take, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Start())

	clock.Advance(24 * time.Hour)
	sched.Stop()
	assert.EqualValues(t, 0, c.calls.Load())
}

func TestState__String(t *testing.T) {
	assert.Equal(t, "stopped", checkpoint.Stopped.String())
	assert.Equal(t, "running", checkpoint.Running.String())
	assert.Equal(t, "stopping", checkpoint.Stopping.String())
}
