package device

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/checkpoint"
	"github.com/dargueta/walb/sequence"
	"github.com/dargueta/walb/snapshot"
	"github.com/dargueta/walb/superblock"
)

// UUIDIndex is told when ClearLog gives the device a new UUID. The device
// registry implements it.
type UUIDIndex interface {
	UpdateUUID(oldID, newID uuid.UUID) error
}

// SetOldest reclaims the ring buffer up to `lsid` and syncs the superblock.
//
// Setting it to Written reclaims the whole log; snapshots below Written are
// deleted since their log is gone. Any other value must be in [Oldest,
// Written), start a valid logpack, and not pass the oldest snapshot.
//
// If the superblock sync fails, the new value stays in memory and the device
// becomes read-only.
func (dev *Device) SetOldest(lsid uint64) error {
	if err := dev.checkWritable(); err != nil {
		return err
	}

	// CreateSnapshot takes adminMu too, so the catalog can't gain a record
	// below `lsid` between the pin check and the commit.
	dev.adminMu.Lock()
	defer dev.adminMu.Unlock()

	err := dev.acct.SetOldest(lsid, dev.catalog.MinLSID, dev.scanner.IsValidLogpack)
	if err != nil {
		return err
	}

	// Only a full reclaim can leave snapshots below the new oldest.
	dropped, err := dev.catalog.DeleteRange(0, lsid)
	if err != nil {
		return dev.checkSync(err)
	}
	if dropped > 0 {
		dev.Logger.WithField("lsid", lsid).
			Infof("deleted %d snapshots of reclaimed log", dropped)
	}
	return dev.persistLsids()
}

// StartCheckpointing resumes periodic checkpoints.
func (dev *Device) StartCheckpointing() error {
	dev.cpMu.Lock()
	defer dev.cpMu.Unlock()
	return dev.startCheckpointingLocked()
}

func (dev *Device) startCheckpointingLocked() error {
	if err := dev.checkWritable(); err != nil {
		return err
	}
	return dev.sched.Start()
}

// StopCheckpointing pauses periodic checkpoints and waits for one in progress
// to finish.
func (dev *Device) StopCheckpointing() {
	dev.cpMu.Lock()
	defer dev.cpMu.Unlock()
	dev.sched.Stop()
}

// CheckpointState returns the state of the checkpoint scheduler.
func (dev *Device) CheckpointState() checkpoint.State {
	return dev.sched.State()
}

// TakeCheckpoint persists the watermarks now. Periodic checkpointing is paused
// for the duration and resumed afterwards if it was running.
func (dev *Device) TakeCheckpoint(ctx context.Context) error {
	if err := dev.checkWritable(); err != nil {
		return err
	}

	dev.cpMu.Lock()
	defer dev.cpMu.Unlock()

	wasRunning := dev.sched.State() == checkpoint.Running
	dev.sched.Stop()

	err := dev.sched.Take(ctx)
	if err != nil {
		return err
	}
	if wasRunning {
		return dev.startCheckpointingLocked()
	}
	return nil
}

// CheckpointInterval returns the checkpoint interval in milliseconds.
func (dev *Device) CheckpointInterval() uint32 {
	return dev.sched.Interval()
}

// SetCheckpointInterval changes the checkpoint interval. 0 disables periodic
// checkpoints.
func (dev *Device) SetCheckpointInterval(intervalMs uint32) error {
	return dev.sched.SetInterval(intervalMs)
}

// Resize grows the device to `newSize` logical blocks, or to the size of the
// data volume if `newSize` is 0. Shrinking isn't supported.
func (dev *Device) Resize(newSize uint64) error {
	if err := dev.checkWritable(); err != nil {
		return err
	}

	dev.adminMu.Lock()
	defer dev.adminMu.Unlock()

	capacity, err := dev.dataVol.Refresh()
	if err != nil {
		return err
	}
	oldSize := dev.Size()
	if newSize == 0 {
		newSize = capacity
	}

	switch {
	case newSize < oldSize:
		return walb.ErrNotSupported.WithMessage(
			fmt.Sprintf("can't shrink device from %d to %d blocks", oldSize, newSize))
	case newSize > capacity:
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("new size %d exceeds data volume capacity %d", newSize, capacity))
	case newSize == oldSize:
		return nil
	}

	err = dev.super.Sync(func(super *superblock.Super) {
		super.DeviceSize = newSize
	})
	if err != nil {
		dev.setReadOnly(err)
		return err
	}

	dev.Logger.WithFields(log.Fields{"old_size": oldSize, "new_size": newSize}).
		Info("device resized")
	return nil
}

// ClearLog throws away the whole log. Every watermark goes back to 0, every
// snapshot is deleted, and the device gets a new UUID and checksum salt. If
// the log volume has grown since the device was opened, the ring buffer grows
// to match.
//
// Up to the superblock sync a failure puts everything back as it was. Once the
// new UUID is on disk there's no going back, and any later failure makes the
// device read-only.
func (dev *Device) ClearLog(ctx context.Context, index UUIDIndex) error {
	if err := dev.checkWritable(); err != nil {
		return err
	}

	dev.adminMu.Lock()
	defer dev.adminMu.Unlock()

	release := dev.freezer.Quiesce()
	defer release()

	dev.cpMu.Lock()
	defer dev.cpMu.Unlock()

	wasRunning := dev.sched.State() == checkpoint.Running
	dev.sched.Stop()
	restart := func() {
		if !wasRunning {
			return
		}
		if err := dev.startCheckpointingLocked(); err != nil {
			dev.Logger.WithError(err).Warn("checkpointing not restarted after clearing log")
		}
	}

	newLogBlocks, err := dev.logVol.Refresh()
	if err != nil {
		restart()
		return err
	}
	if newLogBlocks < dev.logBlocks {
		restart()
		return walb.ErrNotSupported.WithMessage(
			fmt.Sprintf(
				"log volume shrank from %d to %d blocks",
				dev.logBlocks,
				newLogBlocks))
	}

	old := dev.super.Get()
	ringSize := old.RingBufferSize
	if newLogBlocks > dev.logBlocks {
		ringSize, err = superblock.RingBufferSize(
			newLogBlocks, old.PhysicalBlockSize, old.SnapshotMetadataSize)
		if err != nil {
			restart()
			return err
		}
	}

	newID := uuid.New()
	salt, err := newSalt()
	if err != nil {
		restart()
		return err
	}

	backup := dev.acct.Backup()
	dev.acct.Reset()
	err = dev.acct.SetCapacity(ringSize)
	if err != nil {
		dev.acct.Restore(backup)
		restart()
		return err
	}

	err = dev.super.Sync(func(super *superblock.Super) {
		super.UUID = newID
		super.LogChecksumSalt = salt
		super.RingBufferSize = ringSize
		super.OldestLSID = 0
		super.WrittenLSID = 0
	})
	if err != nil {
		dev.acct.Restore(backup)
		dev.setReadOnly(err)
		return err
	}
	dev.logBlocks = newLogBlocks

	logger := dev.Logger.WithField("uuid", newID.String())

	if index != nil {
		err = index.UpdateUUID(old.UUID, newID)
		if err != nil {
			dev.setReadOnly(err)
			return err
		}
	}

	err = dev.scanner.InvalidateLogpack(0)
	if err != nil {
		dev.setReadOnly(err)
		return err
	}

	_, err = dev.catalog.DeleteRange(0, sequence.MaxLSID+1)
	if err != nil {
		dev.setReadOnly(err)
		return err
	}

	dev.acct.ClearOverflow()
	restart()

	logger.WithField("ring_buffer_size", ringSize).Info("log cleared")
	return nil
}

// Freeze stops admitting writes and pauses checkpointing. See
// freeze.Controller.Freeze.
func (dev *Device) Freeze(timeoutSec uint32) error {
	return dev.freezer.Freeze(timeoutSec)
}

// Melt resumes admitting writes. With `force` checkpointing resumes too.
func (dev *Device) Melt(force bool) error {
	return dev.freezer.Melt(force)
}

func (dev *Device) IsFrozen() bool {
	return dev.freezer.IsFrozen()
}

// FreezeDeadline returns when a frozen device will melt on its own.
func (dev *Device) FreezeDeadline() (time.Time, bool) {
	return dev.freezer.Deadline()
}

// CreateSnapshot adds a snapshot at `lsid`, or at the completed LSID if
// `lsid` is sequence.InvalidLSID.
func (dev *Device) CreateSnapshot(name string, lsid, timestamp uint64) (snapshot.Record, error) {
	if err := dev.checkWritable(); err != nil {
		return snapshot.Record{}, err
	}

	// Oldest only moves under adminMu.
	dev.adminMu.Lock()
	defer dev.adminMu.Unlock()

	lsids := dev.acct.Snapshot()
	if lsid == sequence.InvalidLSID {
		lsid = lsids.Completed
	}
	if lsid < lsids.Oldest {
		return snapshot.Record{}, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("lsid %d was already reclaimed, oldest is %d", lsid, lsids.Oldest))
	}
	if lsid > lsids.Completed {
		return snapshot.Record{}, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("lsid %d hasn't been logged yet, completed is %d", lsid, lsids.Completed))
	}

	record, err := dev.catalog.Add(name, lsid, timestamp)
	if err != nil {
		return snapshot.Record{}, dev.checkSync(err)
	}
	dev.Logger.WithFields(log.Fields{
		"snapshot": name,
		"lsid":     lsid,
		"id":       record.SnapshotID,
	}).Info("snapshot created")
	return record, nil
}

func (dev *Device) DeleteSnapshot(name string) error {
	if err := dev.checkWritable(); err != nil {
		return err
	}
	return dev.checkSync(dev.catalog.Delete(name))
}

// DeleteSnapshotRange deletes every snapshot with lo <= LSID < hi.
func (dev *Device) DeleteSnapshotRange(lo, hi uint64) (int, error) {
	if err := dev.checkWritable(); err != nil {
		return 0, err
	}
	count, err := dev.catalog.DeleteRange(lo, hi)
	return count, dev.checkSync(err)
}

func (dev *Device) GetSnapshot(name string) (snapshot.Record, error) {
	return dev.catalog.Get(name)
}

// CountSnapshots returns the number of snapshots with lo <= LSID < hi.
func (dev *Device) CountSnapshots(lo, hi uint64) int {
	return dev.catalog.CountRange(lo, hi)
}

// ListSnapshotRange lists at most `max` snapshots with lo <= LSID < hi in
// LSID order, and returns the LSID to continue from.
func (dev *Device) ListSnapshotRange(lo, hi uint64, max int) ([]snapshot.Record, uint64) {
	return dev.catalog.ListRange(lo, hi, max)
}

// ListSnapshotFrom lists at most `max` snapshots starting at ID `id`, and
// returns the ID to continue from.
func (dev *Device) ListSnapshotFrom(id uint32, max int) ([]snapshot.Record, uint32) {
	return dev.catalog.ListFrom(id, max)
}
