// Package device ties the watermarks, the snapshot catalog, the superblock,
// the checkpoint scheduler, and the freeze controller together into one walb
// device.
package device

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/blockdev"
	"github.com/dargueta/walb/checkpoint"
	"github.com/dargueta/walb/freeze"
	"github.com/dargueta/walb/sequence"
	"github.com/dargueta/walb/snapshot"
	"github.com/dargueta/walb/superblock"
)

// Options are the collaborators of a device that tests or callers may want to
// replace. The zero value is usable.
type Options struct {
	// Clock drives checkpoints and automatic melts. Defaults to the real clock.
	Clock clockwork.Clock
	// Scanner validates and invalidates logpacks in the ring buffer. Defaults
	// to one that accepts every LSID and invalidates by zeroing the block.
	Scanner walb.LogScanner
	// Name renames the device. The new name is written to the superblock.
	Name string
}

// Device is one running walb device: a log volume holding the superblock,
// the snapshot metadata and the ring buffer, plus the data volume it
// protects.
type Device struct {
	// Logger receives the device's log messages.
	Logger *log.Entry

	minor   uint32
	name    string
	config  Config
	logVol  *blockdev.BlockDevice
	dataVol *blockdev.BlockDevice
	scanner walb.LogScanner

	super   *superblock.Store
	acct    *sequence.Accounting
	catalog *snapshot.Catalog
	sched   *checkpoint.Scheduler
	freezer *freeze.Controller

	readOnly atomic.Bool

	// adminMu serializes the operations that rewrite large parts of the
	// device state (SetOldest, Resize and ClearLog) with CreateSnapshot, so a
	// new snapshot never lands below Oldest.
	adminMu sync.Mutex
	// logBlocks is the size of the log volume as of the last Open or
	// ClearLog. Guarded by adminMu.
	logBlocks uint64

	// cpMu serializes starting, stopping and taking checkpoints.
	cpMu sync.Mutex
}

func newSalt() (uint32, error) {
	var salt uint32
	err := binary.Read(rand.Reader, binary.LittleEndian, &salt)
	if err != nil {
		return 0, walb.ErrIOFailed.Wrap(err)
	}
	return salt, nil
}

// Format initializes a log volume for the data volume `dataVol`. It writes a
// superblock with a fresh UUID and checksum salt and empties the snapshot
// region. Anything already on the log volume is lost.
func Format(
	logVol *blockdev.BlockDevice,
	dataVol *blockdev.BlockDevice,
	cfg *Config,
	name string,
) (superblock.Super, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	err := cfg.Validate()
	if err != nil {
		return superblock.Super{}, err
	}
	if logVol.BlockSize != uint(cfg.PhysicalBlockSize) {
		return superblock.Super{}, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"log volume has %d-byte blocks, config says %d",
				logVol.BlockSize,
				cfg.PhysicalBlockSize))
	}
	if dataVol.BlockSize != uint(cfg.LogicalBlockSize) {
		return superblock.Super{}, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"data volume has %d-byte blocks, config says %d",
				dataVol.BlockSize,
				cfg.LogicalBlockSize))
	}

	ringSize, err := superblock.RingBufferSize(
		logVol.TotalBlocks(), cfg.PhysicalBlockSize, cfg.SnapshotMetadataBlocks)
	if err != nil {
		return superblock.Super{}, err
	}
	salt, err := newSalt()
	if err != nil {
		return superblock.Super{}, err
	}

	super := superblock.Super{
		Version:              superblock.FormatVersion,
		LogicalBlockSize:     cfg.LogicalBlockSize,
		PhysicalBlockSize:    cfg.PhysicalBlockSize,
		SnapshotMetadataSize: cfg.SnapshotMetadataBlocks,
		LogChecksumSalt:      salt,
		UUID:                 uuid.New(),
		Name:                 name,
		RingBufferSize:       ringSize,
		DeviceSize:           dataVol.TotalBlocks(),
	}

	// Validate before touching the volume so a bad name doesn't leave a
	// half-formatted log behind.
	superStore, err := superblock.NewStore(logVol, super)
	if err != nil {
		return superblock.Super{}, err
	}

	snapStore, err := snapshot.NewSectorStore(
		logVol,
		blockdev.PhysicalBlock(superblock.SnapshotMetadataOffset(cfg.PhysicalBlockSize)),
		uint(cfg.SnapshotMetadataBlocks))
	if err != nil {
		return superblock.Super{}, err
	}
	err = snapStore.Format()
	if err != nil {
		return superblock.Super{}, err
	}

	err = superStore.Sync(nil)
	if err != nil {
		return superblock.Super{}, err
	}

	log.L.WithFields(log.Fields{
		"uuid":             super.UUID.String(),
		"ring_buffer_size": ringSize,
		"device_size":      super.DeviceSize,
	}).Info("formatted log volume")
	return super, nil
}

// Open starts a device on volumes previously set up with Format. The device
// takes ownership of both volumes; Close closes them.
//
// Every watermark except Oldest starts at the persisted Written LSID. Logpacks
// past that point are replayed by a log scan outside this package.
func Open(
	ctx context.Context,
	minor uint32,
	logVol *blockdev.BlockDevice,
	dataVol *blockdev.BlockDevice,
	cfg *Config,
	opts Options,
) (*Device, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	superStore, err := superblock.Load(logVol)
	if err != nil {
		return nil, err
	}
	super := superStore.Get()

	if dataVol.BlockSize != uint(super.LogicalBlockSize) {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"data volume has %d-byte blocks, superblock says %d",
				dataVol.BlockSize,
				super.LogicalBlockSize))
	}
	if dataVol.TotalBlocks() < super.DeviceSize {
		return nil, walb.ErrInconsistent.WithMessage(
			fmt.Sprintf(
				"data volume has %d blocks, device size is %d",
				dataVol.TotalBlocks(),
				super.DeviceSize))
	}

	snapStore, err := snapshot.NewSectorStore(
		logVol,
		blockdev.PhysicalBlock(superblock.SnapshotMetadataOffset(super.PhysicalBlockSize)),
		uint(super.SnapshotMetadataSize))
	if err != nil {
		return nil, err
	}
	catalog, err := snapshot.NewCatalog(snapStore)
	if err != nil {
		return nil, err
	}

	acct, err := sequence.New(
		super.RingBufferSize,
		cfg.FastAlgorithm,
		sequence.Recovered(super.OldestLSID, super.WrittenLSID))
	if err != nil {
		return nil, err
	}

	if opts.Name != "" && opts.Name != super.Name {
		if len(opts.Name) >= superblock.NameMaxLen {
			return nil, walb.ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"device name is %d bytes, max is %d",
					len(opts.Name),
					superblock.NameMaxLen-1))
		}
		err = superStore.Sync(func(super *superblock.Super) {
			super.Name = opts.Name
		})
		if err != nil {
			return nil, err
		}
		super = superStore.Get()
	}

	name := super.Name
	if name == "" {
		name = strconv.FormatUint(uint64(minor), 10)
	}

	dev := &Device{
		Logger: log.G(ctx).WithFields(log.Fields{
			"device": name,
			"minor":  minor,
		}),
		minor:     minor,
		name:      name,
		config:    *cfg,
		logVol:    logVol,
		dataVol:   dataVol,
		super:     superStore,
		acct:      acct,
		catalog:   catalog,
		logBlocks: logVol.TotalBlocks(),
	}

	dev.scanner = opts.Scanner
	if dev.scanner == nil {
		dev.scanner = &ringScanner{dev: dev}
	}

	dev.sched, err = checkpoint.New(
		opts.Clock, cfg.CheckpointIntervalMs, dev.checkpoint, dev.setReadOnly)
	if err != nil {
		return nil, err
	}
	dev.sched.Logger = dev.Logger

	dev.freezer = freeze.New(opts.Clock, freeze.Hooks{
		OnFreeze: dev.StopCheckpointing,
		OnMelt: func(force bool) {
			if !force {
				return
			}
			err := dev.StartCheckpointing()
			if err != nil {
				dev.Logger.WithError(err).Warn("checkpointing not restarted after melt")
			}
		},
	})
	dev.freezer.Logger = dev.Logger

	err = dev.sched.Start()
	if err != nil {
		return nil, err
	}

	dev.Logger.WithFields(log.Fields{
		"uuid":    super.UUID.String(),
		"oldest":  super.OldestLSID,
		"written": super.WrittenLSID,
		"fast":    cfg.FastAlgorithm,
	}).Info("device opened")
	return dev, nil
}

// Close stops checkpointing, persists the watermarks one last time, and closes
// both volumes. A read-only device skips the final checkpoint.
func (dev *Device) Close(ctx context.Context) error {
	dev.freezer.CancelPendingMelt()

	dev.cpMu.Lock()
	dev.sched.Stop()
	var result error
	if !dev.IsReadOnly() {
		err := dev.sched.Take(ctx)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	dev.cpMu.Unlock()

	if err := dev.logVol.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := dev.dataVol.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		dev.Logger.WithError(result).Error("device closed with errors")
		return result
	}
	dev.Logger.Info("device closed")
	return nil
}

// Minor returns the minor number the device was opened with.
func (dev *Device) Minor() uint32 {
	return dev.minor
}

// Name returns the device name, which is the decimal minor number if the
// superblock has none.
func (dev *Device) Name() string {
	return dev.name
}

// UUID returns the current UUID. It changes every time the log is cleared.
func (dev *Device) UUID() uuid.UUID {
	return dev.super.Get().UUID
}

// Super returns a copy of the in-memory superblock.
func (dev *Device) Super() superblock.Super {
	return dev.super.Get()
}

// Size returns the size of the device in logical blocks.
func (dev *Device) Size() uint64 {
	return dev.super.Get().DeviceSize
}

// LogCapacity returns the size of the ring buffer in physical blocks.
func (dev *Device) LogCapacity() uint64 {
	return dev.acct.Capacity()
}

// LogUsage returns the number of ring buffer blocks holding log that hasn't
// been reclaimed.
func (dev *Device) LogUsage() uint64 {
	return dev.acct.Usage()
}

// Lsids returns a consistent copy of every watermark.
func (dev *Device) Lsids() sequence.LsidSet {
	return dev.acct.Snapshot()
}

func (dev *Device) IsReadOnly() bool {
	return dev.readOnly.Load()
}

func (dev *Device) IsOverflow() bool {
	return dev.acct.IsOverflow()
}

// IsFlushCapable returns true if syncing the log volume reaches stable
// storage.
func (dev *Device) IsFlushCapable() bool {
	return dev.logVol.IsDurable()
}

// Config returns the runtime settings the device was opened with.
func (dev *Device) Config() Config {
	return dev.config
}

// setReadOnly is called after a failed sync. From then on the persisted state
// can't be trusted to match memory, so nothing is written anymore.
func (dev *Device) setReadOnly(cause error) {
	if dev.readOnly.CompareAndSwap(false, true) {
		dev.Logger.WithError(cause).Error("device is now read-only")
	}
}

// checkSync makes the device read-only if `err` is a failed sync, and
// returns `err` unchanged.
func (dev *Device) checkSync(err error) error {
	if err != nil && errors.Is(err, walb.ErrSyncFailed) {
		dev.setReadOnly(err)
	}
	return err
}

func (dev *Device) checkWritable() error {
	if dev.IsReadOnly() {
		return walb.ErrReadOnly.WithMessage(fmt.Sprintf("device %s", dev.name))
	}
	return nil
}

// persistLsids writes Oldest and Written into the superblock. The watermarks
// are read under the superblock lock, so whichever of two concurrent calls
// syncs last also persists the newer values.
func (dev *Device) persistLsids() error {
	var persisted sequence.LsidSet
	err := dev.super.Sync(func(super *superblock.Super) {
		persisted = dev.acct.Snapshot()
		super.OldestLSID = persisted.Oldest
		super.WrittenLSID = persisted.Written
	})
	if err != nil {
		dev.setReadOnly(err)
		return err
	}
	dev.acct.CommitCheckpoint(persisted.Written)
	return nil
}

// checkpoint is the scheduler's TakeFunc.
func (dev *Device) checkpoint(_ context.Context) error {
	if err := dev.checkWritable(); err != nil {
		return err
	}
	target, needed := dev.acct.CheckpointTarget()
	if !needed {
		return nil
	}
	err := dev.persistLsids()
	if err != nil {
		return err
	}
	dev.Logger.WithField("written", target.Written).Debug("checkpoint taken")
	return nil
}

// ringScanner is the LogScanner used when none is supplied. It can't parse
// logpacks, so every LSID is accepted.
type ringScanner struct {
	dev *Device
}

func (scanner *ringScanner) IsValidLogpack(uint64) bool {
	return true
}

// InvalidateLogpack zeroes the ring buffer block that `lsid` maps onto.
func (scanner *ringScanner) InvalidateLogpack(lsid uint64) error {
	dev := scanner.dev
	super := dev.super.Get()
	block := super.RingBufferOffset() + dev.acct.Offset(lsid)

	err := dev.logVol.WriteBlocks(
		blockdev.PhysicalBlock(block), make([]byte, dev.logVol.BlockSize))
	if err != nil {
		return err
	}
	return dev.logVol.Sync()
}
