// Package checkpoint periodically persists the watermarks of a walb device.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/jonboulle/clockwork"

	"github.com/dargueta/walb"
)

// MaxIntervalMs is the longest checkpoint interval that can be configured,
// one day.
const MaxIntervalMs uint32 = 86_400_000

// DefaultIntervalMs is used when no interval is configured.
const DefaultIntervalMs uint32 = 10_000

// State is the state of a Scheduler.
type State int32

const (
	Stopped State = iota
	Running
	// Stopping means Stop has been called and is waiting for an in-flight
	// checkpoint to finish.
	Stopping
)

func (state State) String() string {
	switch state {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(state))
	}
}

// TakeFunc persists one checkpoint.
type TakeFunc func(ctx context.Context) error

type intervalChange struct {
	interval time.Duration
	applied  chan struct{}
}

// Scheduler runs checkpoints on a timer. Two checkpoints never run at the same
// time, whether they come from the timer or from Take.
type Scheduler struct {
	// Logger receives the scheduler's log messages. It defaults to log.L.
	Logger *log.Entry

	clock     clockwork.Clock
	take      TakeFunc
	onFailure func(error)

	// inFlight is held for the duration of every checkpoint.
	inFlight sync.Mutex

	mu         sync.Mutex
	state      State
	intervalMs uint32
	cancel     context.CancelFunc
	done       chan struct{}
	changes    chan intervalChange
}

// New creates a stopped scheduler. `onFailure` is called from the timer
// goroutine when a periodic checkpoint fails; the scheduler stops itself
// afterwards. An interval of 0 disables periodic checkpoints.
func New(
	clock clockwork.Clock,
	intervalMs uint32,
	take TakeFunc,
	onFailure func(error),
) (*Scheduler, error) {
	if intervalMs > MaxIntervalMs {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("checkpoint interval %d ms exceeds %d ms", intervalMs, MaxIntervalMs))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if onFailure == nil {
		onFailure = func(error) {}
	}

	return &Scheduler{
		Logger:     log.L,
		clock:      clock,
		take:       take,
		onFailure:  onFailure,
		intervalMs: intervalMs,
	}, nil
}

// State returns the current state.
func (sched *Scheduler) State() State {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	return sched.state
}

// Interval returns the checkpoint interval in milliseconds.
func (sched *Scheduler) Interval() uint32 {
	sched.mu.Lock()
	defer sched.mu.Unlock()
	return sched.intervalMs
}

// SetInterval changes the checkpoint interval. If the scheduler is running the
// next tick is rescheduled to `intervalMs` from now before this returns.
func (sched *Scheduler) SetInterval(intervalMs uint32) error {
	if intervalMs > MaxIntervalMs {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("checkpoint interval %d ms exceeds %d ms", intervalMs, MaxIntervalMs))
	}

	sched.mu.Lock()
	sched.intervalMs = intervalMs
	running := sched.state == Running
	changes, done := sched.changes, sched.done
	sched.mu.Unlock()

	if !running {
		return nil
	}

	change := intervalChange{
		interval: msToDuration(intervalMs),
		applied:  make(chan struct{}),
	}
	select {
	case changes <- change:
		<-change.applied
	case <-done:
		// Stopped in the meantime. The new interval applies on the next Start.
	}
	return nil
}

// Start begins periodic checkpointing. Starting a running scheduler does
// nothing.
func (sched *Scheduler) Start() error {
	sched.mu.Lock()
	defer sched.mu.Unlock()

	switch sched.state {
	case Running:
		return nil
	case Stopping:
		return walb.ErrBusy.WithMessage("checkpointing is stopping")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.cancel = cancel
	sched.done = make(chan struct{})
	sched.changes = make(chan intervalChange)
	sched.state = Running

	go sched.run(ctx, msToDuration(sched.intervalMs), sched.changes, sched.done)
	sched.Logger.WithField("interval_ms", sched.intervalMs).Debug("checkpointing started")
	return nil
}

// Stop halts periodic checkpointing and waits for an in-flight checkpoint to
// finish. Stopping a stopped scheduler does nothing.
func (sched *Scheduler) Stop() {
	sched.mu.Lock()
	if sched.state == Stopped {
		sched.mu.Unlock()
		return
	}
	if sched.state == Running {
		sched.state = Stopping
		sched.cancel()
	}
	done := sched.done
	sched.mu.Unlock()

	<-done

	sched.mu.Lock()
	if sched.state == Stopping && sched.done == done {
		sched.state = Stopped
		sched.Logger.Debug("checkpointing stopped")
	}
	sched.mu.Unlock()
}

// Take runs one checkpoint right away. Periodic checkpointing must be stopped
// first; calling this while the scheduler is running is a programming error.
func (sched *Scheduler) Take(ctx context.Context) error {
	state := sched.State()
	if state != Stopped {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf("on-demand checkpoint while scheduler is %s", state.String()))
	}
	return sched.runCheckpoint(ctx)
}

func (sched *Scheduler) runCheckpoint(ctx context.Context) error {
	sched.inFlight.Lock()
	defer sched.inFlight.Unlock()
	return sched.take(ctx)
}

func msToDuration(intervalMs uint32) time.Duration {
	return time.Duration(intervalMs) * time.Millisecond
}

// arm creates the timer for the next tick. A zero interval never ticks.
func (sched *Scheduler) arm(interval time.Duration) (clockwork.Timer, <-chan time.Time) {
	if interval == 0 {
		return nil, nil
	}
	timer := sched.clock.NewTimer(interval)
	return timer, timer.Chan()
}

func disarm(timer clockwork.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

func (sched *Scheduler) run(
	ctx context.Context,
	interval time.Duration,
	changes <-chan intervalChange,
	done chan struct{},
) {
	defer close(done)

	timer, tick := sched.arm(interval)
	for {
		select {
		case <-ctx.Done():
			disarm(timer)
			return

		case change := <-changes:
			disarm(timer)
			interval = change.interval
			timer, tick = sched.arm(interval)
			close(change.applied)

		case <-tick:
			err := sched.runCheckpoint(ctx)
			if err != nil {
				sched.Logger.WithError(err).Error("periodic checkpoint failed, stopping")
				sched.onFailure(err)
				sched.stopSelf(done)
				return
			}
			timer, tick = sched.arm(interval)
		}
	}
}

// stopSelf moves the scheduler to Stopped after the timer goroutine gave up on
// its own.
func (sched *Scheduler) stopSelf(done chan struct{}) {
	sched.mu.Lock()
	defer sched.mu.Unlock()

	if sched.state == Running && sched.done == done {
		sched.cancel()
		sched.state = Stopped
	}
}
