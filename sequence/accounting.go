package sequence

import (
	"fmt"
	"sync"

	"github.com/dargueta/walb"
)

// Accounting owns the watermarks of one device and the geometry of its ring
// buffer. Every method takes the same lock, so related watermarks are always
// read together. Nothing here blocks on I/O.
type Accounting struct {
	mu       sync.Mutex
	lsids    LsidSet
	capacity uint64
	overflow bool
	// fast keeps Completed and Permanent apart. Otherwise they're advanced
	// together.
	fast bool
}

// Backup is an opaque copy of the accounting state, taken before a multi-step
// operation so it can be undone.
type Backup struct {
	lsids    LsidSet
	capacity uint64
	overflow bool
}

// LSIDs returns the watermarks stored in the backup.
func (backup Backup) LSIDs() LsidSet {
	return backup.lsids
}

// New creates an Accounting over a ring buffer of `capacity` blocks.
func New(capacity uint64, fast bool, initial LsidSet) (*Accounting, error) {
	if capacity == 0 {
		return nil, walb.ErrInvalidArgument.WithMessage("ring buffer capacity can't be 0")
	}
	err := initial.Validate()
	if err != nil {
		return nil, err
	}

	return &Accounting{
		lsids:    initial,
		capacity: capacity,
		fast:     fast,
		overflow: initial.Latest-initial.Oldest > capacity,
	}, nil
}

// IsFast returns true if Completed and Permanent are tracked separately.
func (acct *Accounting) IsFast() bool {
	return acct.fast
}

// Allocate reserves `n` LSIDs for a log write, [Latest, Latest+n), and
// advances Latest past them. If the ring buffer can't hold them the device
// enters the overflow condition and ErrOverflow is returned.
func (acct *Accounting) Allocate(n uint64) (Range, error) {
	if n == 0 {
		return Range{}, walb.ErrInvalidArgument.WithMessage("can't allocate 0 LSIDs")
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	latest := acct.lsids.Latest
	if n > MaxLSID-latest {
		return Range{}, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("allocating %d LSIDs from %d passes the maximum LSID", n, latest))
	}

	if latest+n-acct.lsids.Oldest > acct.capacity {
		acct.overflow = true
		return Range{}, walb.ErrOverflow.WithMessage(
			fmt.Sprintf(
				"need %d blocks, %d of %d in use",
				n,
				latest-acct.lsids.Oldest,
				acct.capacity))
	}

	acct.lsids.Latest = latest + n
	return Range{Start: latest, End: latest + n}, nil
}

// advance moves one watermark forward. It can't pass `ceiling` and can't go
// backwards.
func advance(name string, current *uint64, lsid, ceiling uint64) error {
	if lsid < *current {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s can't move back from %d to %d", name, *current, lsid))
	}
	if lsid > ceiling {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s can't move to %d, past %d", name, lsid, ceiling))
	}
	*current = lsid
	return nil
}

// MarkFlushed records that every log write below `lsid` is on stable storage.
func (acct *Accounting) MarkFlushed(lsid uint64) error {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return advance("flush", &acct.lsids.Flush, lsid, acct.lsids.Latest)
}

// MarkPermanent advances Permanent. Without the fast algorithm Completed moves
// with it.
func (acct *Accounting) MarkPermanent(lsid uint64) error {
	acct.mu.Lock()
	defer acct.mu.Unlock()

	err := advance("permanent", &acct.lsids.Permanent, lsid, acct.lsids.Flush)
	if err != nil || acct.fast {
		return err
	}
	acct.lsids.Completed = lsid
	return nil
}

// MarkCompleted advances Completed. Without the fast algorithm this is the
// same as MarkPermanent.
func (acct *Accounting) MarkCompleted(lsid uint64) error {
	if !acct.fast {
		return acct.MarkPermanent(lsid)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return advance("completed", &acct.lsids.Completed, lsid, acct.lsids.Permanent)
}

// MarkWritten records that everything below `lsid` is on the data volume too.
func (acct *Accounting) MarkWritten(lsid uint64) error {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return advance("written", &acct.lsids.Written, lsid, acct.lsids.Completed)
}

// SetOldest moves the reclaim point of the ring buffer. It's accepted if
// `lsid` equals Written, or if it lies in [Oldest, Written), `isValid` accepts
// it, and it isn't above `pinFloor()`, the lowest LSID pinned by a snapshot.
//
// `isValid` may do I/O, so it's called without the lock held. `pinFloor` is
// called again under the lock right before Oldest changes.
func (acct *Accounting) SetOldest(
	lsid uint64,
	pinFloor func() uint64,
	isValid func(uint64) bool,
) error {
	acct.mu.Lock()
	oldest, written := acct.lsids.Oldest, acct.lsids.Written
	acct.mu.Unlock()

	reclaimAll := lsid == written
	if !reclaimAll {
		if lsid < oldest || lsid > written {
			return walb.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("lsid %d not in [%d, %d]", lsid, oldest, written))
		}
		if err := checkPin(lsid, pinFloor); err != nil {
			return err
		}
		if isValid != nil && !isValid(lsid) {
			return walb.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("lsid %d isn't the start of a logpack", lsid))
		}
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	// Written only moves forward, but a concurrent SetOldest may have moved
	// Oldest past us while the lock was released.
	if lsid < acct.lsids.Oldest {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("oldest moved to %d concurrently", acct.lsids.Oldest))
	}
	if !reclaimAll {
		if err := checkPin(lsid, pinFloor); err != nil {
			return err
		}
	}
	acct.lsids.Oldest = lsid
	return nil
}

func checkPin(lsid uint64, pinFloor func() uint64) error {
	if pinFloor == nil {
		return nil
	}
	if floor := pinFloor(); lsid > floor {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("lsid %d is past snapshot at lsid %d", lsid, floor))
	}
	return nil
}

// IsOverflow returns true if an allocation was rejected for lack of space.
// The flag stays set until ClearOverflow is called.
func (acct *Accounting) IsOverflow() bool {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.overflow || acct.lsids.Latest-acct.lsids.Oldest > acct.capacity
}

// ClearOverflow resets the overflow flag.
func (acct *Accounting) ClearOverflow() {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.overflow = false
}

// Usage returns the number of ring blocks in use, Latest - Oldest.
func (acct *Accounting) Usage() uint64 {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.lsids.Latest - acct.lsids.Oldest
}

// Capacity returns the size of the ring buffer, in blocks.
func (acct *Accounting) Capacity() uint64 {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.capacity
}

// SetCapacity changes the size of the ring buffer. The blocks currently in
// use must still fit.
func (acct *Accounting) SetCapacity(capacity uint64) error {
	acct.mu.Lock()
	defer acct.mu.Unlock()

	usage := acct.lsids.Latest - acct.lsids.Oldest
	if capacity == 0 || capacity < usage {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("capacity %d can't hold the %d blocks in use", capacity, usage))
	}
	acct.capacity = capacity
	return nil
}

// Offset maps an LSID onto a block of the ring buffer, relative to the start
// of the ring.
func (acct *Accounting) Offset(lsid uint64) uint64 {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return lsid % acct.capacity
}

// Snapshot returns a consistent copy of every watermark.
func (acct *Accounting) Snapshot() LsidSet {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.lsids
}

// CheckpointTarget returns the watermarks to persist, and whether Written
// differs from what the last checkpoint persisted.
func (acct *Accounting) CheckpointTarget() (LsidSet, bool) {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.lsids, acct.lsids.Written != acct.lsids.PrevWritten
}

// CommitCheckpoint records that `written` has been persisted.
func (acct *Accounting) CommitCheckpoint(written uint64) {
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if written > acct.lsids.PrevWritten && written <= acct.lsids.Written {
		acct.lsids.PrevWritten = written
	}
}

// Backup takes a copy of the state that Restore can put back.
func (acct *Accounting) Backup() Backup {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return Backup{
		lsids:    acct.lsids,
		capacity: acct.capacity,
		overflow: acct.overflow,
	}
}

// Restore puts back a copy taken with Backup.
func (acct *Accounting) Restore(backup Backup) {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.lsids = backup.lsids
	acct.capacity = backup.capacity
	acct.overflow = backup.overflow
}

// Reset moves every watermark back to 0. This is the only way a watermark can
// go backwards.
func (acct *Accounting) Reset() {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.lsids = LsidSet{}
}
