// Package freeze implements the freeze/melt state machine that gates new
// writes to a walb device.
package freeze

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/jonboulle/clockwork"

	"github.com/dargueta/walb"
)

// MaxTimeoutSec is the longest freeze timeout. Longer timeouts are cut to it.
const MaxTimeoutSec uint32 = 86400

// State is the administrative freeze state.
type State int

const (
	Melted State = iota
	Frozen
)

func (state State) String() string {
	if state == Frozen {
		return "frozen"
	}
	return "melted"
}

// Hooks are called on every state change, after the controller's lock has
// been released. The device uses them to pause and resume checkpointing.
type Hooks struct {
	OnFreeze func()
	// OnMelt is called with the `force` argument of Melt, or true for an
	// automatic melt.
	OnMelt func(force bool)
}

// Controller holds the freeze state of one device. It has its own lock, so
// the write admission check never waits on watermark or superblock locks.
type Controller struct {
	// Logger receives the controller's log messages. It defaults to log.L.
	Logger *log.Entry

	clock clockwork.Clock
	hooks Hooks

	// admin serializes Freeze, Melt, and automatic melts, hooks included.
	admin sync.Mutex

	mu       sync.Mutex
	state    State
	deadline time.Time
	timer    clockwork.Timer
	// generation is bumped whenever the pending melt is cancelled. A timer
	// callback that finds a different generation does nothing.
	generation uint64
	// holds counts internal quiesce holds taken with Quiesce.
	holds int
	// gate is closed while writes are admitted.
	gate chan struct{}
}

// New creates a melted controller.
func New(clock clockwork.Clock, hooks Hooks) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	gate := make(chan struct{})
	close(gate)

	return &Controller{
		Logger: log.L,
		clock:  clock,
		hooks:  hooks,
		gate:   gate,
	}
}

func (ctrl *Controller) admittingLocked() bool {
	return ctrl.state == Melted && ctrl.holds == 0
}

// updateGateLocked opens or closes the gate to match the current state.
func (ctrl *Controller) updateGateLocked() {
	open := false
	select {
	case <-ctrl.gate:
		open = true
	default:
	}

	if ctrl.admittingLocked() && !open {
		close(ctrl.gate)
	} else if !ctrl.admittingLocked() && open {
		ctrl.gate = make(chan struct{})
	}
}

// cancelPendingMeltLocked stops the auto-melt timer. Once this returns, a
// callback from that timer can no longer change the state even if it already
// started running.
func (ctrl *Controller) cancelPendingMeltLocked() {
	ctrl.generation++
	if ctrl.timer != nil {
		ctrl.timer.Stop()
		ctrl.timer = nil
	}
	ctrl.deadline = time.Time{}
}

// CancelPendingMelt cancels a scheduled automatic melt, if any. The device
// stays frozen.
func (ctrl *Controller) CancelPendingMelt() {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	ctrl.cancelPendingMeltLocked()
}

// Freeze stops admitting writes. If `timeoutSec` isn't 0 the device melts on
// its own after that many seconds; the timeout is cut to MaxTimeoutSec.
//
// Any pending automatic melt is cancelled first, even if the device is
// already frozen and ErrAlreadyFrozen is returned.
func (ctrl *Controller) Freeze(timeoutSec uint32) error {
	ctrl.admin.Lock()
	defer ctrl.admin.Unlock()

	if timeoutSec > MaxTimeoutSec {
		ctrl.Logger.WithField("timeout_sec", timeoutSec).
			Infof("freeze timeout cut to %d seconds", MaxTimeoutSec)
		timeoutSec = MaxTimeoutSec
	}

	ctrl.mu.Lock()
	ctrl.cancelPendingMeltLocked()
	if ctrl.state == Frozen {
		ctrl.mu.Unlock()
		return walb.ErrAlreadyFrozen
	}

	ctrl.state = Frozen
	ctrl.updateGateLocked()
	if timeoutSec > 0 {
		timeout := time.Duration(timeoutSec) * time.Second
		generation := ctrl.generation
		ctrl.deadline = ctrl.clock.Now().Add(timeout)
		ctrl.timer = ctrl.clock.AfterFunc(timeout, func() {
			ctrl.autoMelt(generation)
		})
	}
	ctrl.mu.Unlock()

	if ctrl.hooks.OnFreeze != nil {
		ctrl.hooks.OnFreeze()
	}
	ctrl.Logger.WithField("timeout_sec", timeoutSec).Info("device frozen")
	return nil
}

// Melt resumes admitting writes and cancels any pending automatic melt.
// `force` is passed on to the OnMelt hook.
func (ctrl *Controller) Melt(force bool) error {
	ctrl.admin.Lock()
	defer ctrl.admin.Unlock()

	ctrl.mu.Lock()
	ctrl.cancelPendingMeltLocked()
	if ctrl.state != Frozen {
		ctrl.mu.Unlock()
		return walb.ErrNotFrozen
	}
	ctrl.state = Melted
	ctrl.updateGateLocked()
	ctrl.mu.Unlock()

	if ctrl.hooks.OnMelt != nil {
		ctrl.hooks.OnMelt(force)
	}
	ctrl.Logger.Info("device melted")
	return nil
}

func (ctrl *Controller) autoMelt(generation uint64) {
	ctrl.admin.Lock()
	defer ctrl.admin.Unlock()

	ctrl.mu.Lock()
	if generation != ctrl.generation || ctrl.state != Frozen {
		ctrl.mu.Unlock()
		return
	}
	ctrl.timer = nil
	ctrl.deadline = time.Time{}
	ctrl.state = Melted
	ctrl.updateGateLocked()
	ctrl.mu.Unlock()

	if ctrl.hooks.OnMelt != nil {
		ctrl.hooks.OnMelt(true)
	}
	ctrl.Logger.Info("freeze timed out, device melted")
}

// State returns the administrative freeze state.
func (ctrl *Controller) State() State {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	return ctrl.state
}

// IsFrozen returns true if the device has been frozen with Freeze.
func (ctrl *Controller) IsFrozen() bool {
	return ctrl.State() == Frozen
}

// Deadline returns when the device will melt on its own. The second return
// value is false if no automatic melt is pending.
func (ctrl *Controller) Deadline() (time.Time, bool) {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	return ctrl.deadline, !ctrl.deadline.IsZero()
}

// Admit waits until writes are admitted or `ctx` is done.
func (ctrl *Controller) Admit(ctx context.Context) error {
	for {
		ctrl.mu.Lock()
		if ctrl.admittingLocked() {
			ctrl.mu.Unlock()
			return nil
		}
		gate := ctrl.gate
		ctrl.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Quiesce blocks new writes without changing the administrative state, for
// internal operations like clearing the log. Writes are admitted again once
// every hold has been released and the device isn't frozen.
func (ctrl *Controller) Quiesce() (release func()) {
	ctrl.mu.Lock()
	ctrl.holds++
	ctrl.updateGateLocked()
	ctrl.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ctrl.mu.Lock()
			defer ctrl.mu.Unlock()
			if ctrl.holds <= 0 {
				panic(fmt.Sprintf("freeze: quiesce hold count is %d on release", ctrl.holds))
			}
			ctrl.holds--
			ctrl.updateGateLocked()
		})
	}
}
