package device

import (
	"context"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/sequence"
)

// BeginWrite reserves `nBlocks` LSIDs for a new logpack. It waits while the
// device is frozen or quiesced, and fails right away if the device is
// read-only or the log has overflowed.
func (dev *Device) BeginWrite(ctx context.Context, nBlocks uint64) (sequence.Range, error) {
	if err := dev.checkWritable(); err != nil {
		return sequence.Range{}, err
	}
	err := dev.freezer.Admit(ctx)
	if err != nil {
		return sequence.Range{}, err
	}
	if dev.acct.IsOverflow() {
		return sequence.Range{}, walb.ErrOverflow.WithMessage("log overflowed, clear the log")
	}

	lsids, err := dev.acct.Allocate(nBlocks)
	if err != nil {
		dev.Logger.WithError(err).WithField("blocks", nBlocks).Warn("log allocation failed")
		return sequence.Range{}, err
	}
	return lsids, nil
}

// MarkFlushed records that the log up to `lsid` has been flushed to the log
// volume.
func (dev *Device) MarkFlushed(lsid uint64) error {
	return dev.acct.MarkFlushed(lsid)
}

// MarkPermanent records that the log up to `lsid` is durable.
func (dev *Device) MarkPermanent(lsid uint64) error {
	return dev.acct.MarkPermanent(lsid)
}

// MarkCompleted records that every write up to `lsid` has been acknowledged.
func (dev *Device) MarkCompleted(lsid uint64) error {
	return dev.acct.MarkCompleted(lsid)
}

// MarkWritten records that the data volume holds everything up to `lsid`.
func (dev *Device) MarkWritten(lsid uint64) error {
	return dev.acct.MarkWritten(lsid)
}
