package freeze_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/freeze"
)

type hookCounts struct {
	freezes atomic.Int32
	melts   atomic.Int32
	melted  chan bool
}

func newController(clock clockwork.Clock) (*freeze.Controller, *hookCounts) {
	counts := &hookCounts{melted: make(chan bool, 8)}
	ctrl := freeze.New(clock, freeze.Hooks{
		OnFreeze: func() { counts.freezes.Add(1) },
		OnMelt: func(force bool) {
			counts.melts.Add(1)
			counts.melted <- force
		},
	})
	return ctrl, counts
}

func TestController__Freeze__AutoMelt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, counts := newController(clock)

	require.NoError(t, ctrl.Freeze(5))
	assert.True(t, ctrl.IsFrozen())
	deadline, pending := ctrl.Deadline()
	assert.True(t, pending)
	assert.Equal(t, clock.Now().Add(5*time.Second), deadline)

	clock.Advance(4 * time.Second)
	assert.True(t, ctrl.IsFrozen())

	clock.Advance(time.Second)
	select {
	case force := <-counts.melted:
		assert.True(t, force)
	case <-time.After(5 * time.Second):
		t.Fatal("device didn't melt on its own")
	}
	assert.False(t, ctrl.IsFrozen())
	_, pending = ctrl.Deadline()
	assert.False(t, pending)
}

func TestController__Melt__CancelsAutoMelt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, counts := newController(clock)

	require.NoError(t, ctrl.Freeze(5))
	require.NoError(t, ctrl.Melt(true))
	assert.False(t, ctrl.IsFrozen())
	<-counts.melted

	// Freeze again indefinitely; the old timer must not melt it.
	require.NoError(t, ctrl.Freeze(0))
	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.True(t, ctrl.IsFrozen(), "cancelled timer melted the device")
	assert.EqualValues(t, 1, counts.melts.Load())
}

func TestController__Errors(t *testing.T) {
	ctrl, _ := newController(clockwork.NewFakeClock())

	assert.ErrorIs(t, ctrl.Melt(false), walb.ErrNotFrozen)

	require.NoError(t, ctrl.Freeze(0))
	assert.ErrorIs(t, ctrl.Freeze(0), walb.ErrAlreadyFrozen)
	assert.True(t, ctrl.IsFrozen())
}

func TestController__Freeze__AlreadyFrozenCancelsPendingMelt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, _ := newController(clock)

	require.NoError(t, ctrl.Freeze(5))
	assert.ErrorIs(t, ctrl.Freeze(5), walb.ErrAlreadyFrozen)

	_, pending := ctrl.Deadline()
	assert.False(t, pending)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, ctrl.IsFrozen())
}

func TestController__Freeze__ClampsTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, _ := newController(clock)

	require.NoError(t, ctrl.Freeze(1_000_000))
	deadline, pending := ctrl.Deadline()
	require.True(t, pending)
	assert.Equal(t, clock.Now().Add(time.Duration(freeze.MaxTimeoutSec)*time.Second), deadline)
}

func TestController__Hooks(t *testing.T) {
	ctrl, counts := newController(clockwork.NewFakeClock())

	require.NoError(t, ctrl.Freeze(0))
	assert.EqualValues(t, 1, counts.freezes.Load())

	require.NoError(t, ctrl.Melt(false))
	assert.False(t, <-counts.melted)
}

func TestController__Admit(t *testing.T) {
	ctrl, _ := newController(clockwork.NewFakeClock())
	require.NoError(t, ctrl.Admit(context.Background()))

	require.NoError(t, ctrl.Freeze(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ctrl.Admit(ctx), context.DeadlineExceeded)

	admitted := make(chan error, 1)
	go func() { admitted <- ctrl.Admit(context.Background()) }()

	require.NoError(t, ctrl.Melt(true))
	select {
	case err := <-admitted:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write wasn't admitted after melt")
	}
}

func TestController__Quiesce(t *testing.T) {
	ctrl, _ := newController(clockwork.NewFakeClock())

	release := ctrl.Quiesce()
	assert.False(t, ctrl.IsFrozen(), "quiesce changed the administrative state")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, ctrl.Admit(ctx))

	// Frozen while quiesced: releasing the hold alone doesn't admit writes.
	require.NoError(t, ctrl.Freeze(0))
	release()
	release()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	assert.Error(t, ctrl.Admit(ctx2))

	require.NoError(t, ctrl.Melt(true))
	assert.NoError(t, ctrl.Admit(context.Background()))
}

func TestState__String(t *testing.T) {
	assert.Equal(t, "melted", freeze.Melted.String())
	assert.Equal(t, "frozen", freeze.Frozen.String())
}
