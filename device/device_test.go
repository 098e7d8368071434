package device_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/blockdev"
	"github.com/dargueta/walb/checkpoint"
	"github.com/dargueta/walb/device"
	"github.com/dargueta/walb/registry"
	"github.com/dargueta/walb/sequence"
	"github.com/dargueta/walb/superblock"
	walbtest "github.com/dargueta/walb/testing"
)

// With 512-byte blocks the ring buffer starts at block 13: 8 reserved blocks,
// the superblock, and 4 snapshot blocks.
const ringOffset = 13
const ringSize = 1000
const dataBlocks = 2048

type fixture struct {
	dev     *device.Device
	super   superblock.Super
	logVol  *walbtest.MemoryVolume
	dataVol *walbtest.MemoryVolume
	clock   clockwork.FakeClock
	cfg     *device.Config
	// scanner is used from the next open on. nil means the default.
	scanner walb.LogScanner
}

func testConfig() *device.Config {
	cfg := device.DefaultConfig()
	cfg.CheckpointIntervalMs = 0
	return cfg
}

func newFixture(t *testing.T, cfg *device.Config, name string) *fixture {
	logDevice, logVol := walbtest.NewMemoryBlockDevice(t, 512, ringOffset+ringSize)
	dataDevice, dataVol := walbtest.NewMemoryBlockDevice(t, 512, dataBlocks)

	super, err := device.Format(logDevice, dataDevice, cfg, name)
	require.NoError(t, err, "format failed")

	fx := &fixture{
		super:   super,
		logVol:  logVol,
		dataVol: dataVol,
		clock:   clockwork.NewFakeClock(),
		cfg:     cfg,
	}
	fx.dev = fx.open(t, logDevice, dataDevice)
	return fx
}

func (fx *fixture) open(
	t *testing.T, logDevice, dataDevice *blockdev.BlockDevice,
) *device.Device {
	dev, err := device.Open(
		context.Background(),
		0,
		logDevice,
		dataDevice,
		fx.cfg,
		device.Options{Clock: fx.clock, Scanner: fx.scanner})
	require.NoError(t, err, "open failed")
	return dev
}

// reopen closes the device and opens it again from what's on the volumes.
func (fx *fixture) reopen(t *testing.T) {
	require.NoError(t, fx.dev.Close(context.Background()))

	logDevice, err := blockdev.New(fx.logVol, 512, 0)
	require.NoError(t, err)
	dataDevice, err := blockdev.New(fx.dataVol, 512, 0)
	require.NoError(t, err)
	fx.dev = fx.open(t, logDevice, dataDevice)
}

// writeThrough logs `n` blocks and moves every watermark past them.
func writeThrough(t *testing.T, dev *device.Device, n uint64) sequence.Range {
	lsids, err := dev.BeginWrite(context.Background(), n)
	require.NoError(t, err)
	require.NoError(t, dev.MarkFlushed(lsids.End))
	require.NoError(t, dev.MarkPermanent(lsids.End))
	require.NoError(t, dev.MarkCompleted(lsids.End))
	require.NoError(t, dev.MarkWritten(lsids.End))
	return lsids
}

func TestDevice__FormatOpen(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev

	assert.Equal(t, "0", dev.Name(), "name should default to the minor")
	assert.EqualValues(t, 0, dev.Minor())
	assert.Equal(t, fx.super.UUID, dev.UUID())
	assert.EqualValues(t, ringSize, dev.LogCapacity())
	assert.EqualValues(t, 0, dev.LogUsage())
	assert.EqualValues(t, dataBlocks, dev.Size())
	assert.Equal(t, sequence.LsidSet{}, dev.Lsids())
	assert.False(t, dev.IsReadOnly())
	assert.False(t, dev.IsOverflow())
	assert.True(t, dev.IsFlushCapable())
	assert.Equal(t, checkpoint.Running, dev.CheckpointState())
}

func TestDevice__FormatOpen__Named(t *testing.T) {
	fx := newFixture(t, testConfig(), "backup-vol")
	assert.Equal(t, "backup-vol", fx.dev.Name())
}

func TestFormat__Rejects(t *testing.T) {
	logDevice, _ := walbtest.NewMemoryBlockDevice(t, 512, 10)
	dataDevice, _ := walbtest.NewMemoryBlockDevice(t, 512, 10)

	_, err := device.Format(logDevice, dataDevice, testConfig(), "")
	assert.ErrorIs(t, err, walb.ErrInvalidArgument, "log volume too small for a ring buffer")

	logDevice, _ = walbtest.NewMemoryBlockDevice(t, 512, 100)
	cfg := testConfig()
	cfg.PhysicalBlockSize = 4096
	_, err = device.Format(logDevice, dataDevice, cfg, "")
	assert.ErrorIs(t, err, walb.ErrInvalidArgument, "block size mismatch")
}

func TestOpen__Unformatted(t *testing.T) {
	logDevice, _ := walbtest.NewMemoryBlockDevice(t, 512, 100)
	dataDevice, _ := walbtest.NewMemoryBlockDevice(t, 512, 100)

	_, err := device.Open(
		context.Background(), 0, logDevice, dataDevice, testConfig(), device.Options{})
	assert.Error(t, err)
}

func TestDevice__Overflow(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	ctx := context.Background()

	_, err := fx.dev.BeginWrite(ctx, ringSize)
	require.NoError(t, err)
	assert.EqualValues(t, ringSize, fx.dev.LogUsage())

	_, err = fx.dev.BeginWrite(ctx, 1)
	assert.ErrorIs(t, err, walb.ErrOverflow)
	assert.True(t, fx.dev.IsOverflow())
}

func TestDevice__CheckpointPersists(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	writeThrough(t, fx.dev, 100)

	require.NoError(t, fx.dev.TakeCheckpoint(context.Background()))
	assert.EqualValues(t, 100, fx.dev.Super().WrittenLSID)
	assert.EqualValues(t, 100, fx.dev.Lsids().PrevWritten)
	assert.Equal(t, checkpoint.Running, fx.dev.CheckpointState(), "scheduler not restarted")

	writeThrough(t, fx.dev, 20)
	fx.reopen(t)

	// Close took a final checkpoint.
	lsids := fx.dev.Lsids()
	assert.EqualValues(t, 120, lsids.Written)
	assert.EqualValues(t, 120, lsids.Latest)
	assert.EqualValues(t, 0, lsids.Oldest)
	assert.NoError(t, lsids.Validate())
}

func TestDevice__PeriodicCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointIntervalMs = 1000
	fx := newFixture(t, cfg, "")
	defer fx.dev.Close(context.Background())

	writeThrough(t, fx.dev, 10)
	fx.clock.BlockUntil(1)
	fx.clock.Advance(time.Second)

	assert.Eventually(
		t,
		func() bool { return fx.dev.Super().WrittenLSID == 10 },
		5*time.Second,
		10*time.Millisecond)
}

func TestDevice__SetOldest(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev
	writeThrough(t, dev, 100)

	_, err := dev.CreateSnapshot("pinned", 50, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, dev.SetOldest(60), walb.ErrInvalidArgument, "past the snapshot")
	assert.ErrorIs(t, dev.SetOldest(101), walb.ErrInvalidArgument, "past written")

	require.NoError(t, dev.SetOldest(40))
	assert.EqualValues(t, 40, dev.Lsids().Oldest)
	assert.EqualValues(t, 40, dev.Super().OldestLSID)
	assert.EqualValues(t, 60, dev.LogUsage())

	assert.ErrorIs(t, dev.SetOldest(30), walb.ErrInvalidArgument, "oldest moved back")

	// Reclaiming everything drops the snapshot.
	require.NoError(t, dev.SetOldest(100))
	assert.EqualValues(t, 100, dev.Super().OldestLSID)
	assert.EqualValues(t, 100, dev.Super().WrittenLSID)
	assert.Equal(t, 0, dev.CountSnapshots(0, sequence.MaxLSID+1))
}

func TestDevice__SetOldest__SyncFailureMakesReadOnly(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev
	writeThrough(t, dev, 100)

	fx.logVol.FailSync(true)
	err := dev.SetOldest(100)
	assert.ErrorIs(t, err, walb.ErrSyncFailed)
	assert.True(t, dev.IsReadOnly())
	assert.EqualValues(t, 100, dev.Lsids().Oldest, "in-memory change should stay")

	_, err = dev.BeginWrite(context.Background(), 1)
	assert.ErrorIs(t, err, walb.ErrReadOnly)
	_, err = dev.CreateSnapshot("snap", sequence.InvalidLSID, 0)
	assert.ErrorIs(t, err, walb.ErrReadOnly)
	assert.ErrorIs(t, dev.TakeCheckpoint(context.Background()), walb.ErrReadOnly)
	assert.ErrorIs(t, dev.StartCheckpointing(), walb.ErrReadOnly)
}

// gatedScanner holds IsValidLogpack for `lsid` until `release` is closed.
// Every logpack is valid.
type gatedScanner struct {
	lsid    uint64
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedScanner(lsid uint64) *gatedScanner {
	return &gatedScanner{
		lsid:    lsid,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (scanner *gatedScanner) IsValidLogpack(lsid uint64) bool {
	if lsid == scanner.lsid {
		scanner.once.Do(func() { close(scanner.entered) })
		<-scanner.release
	}
	return true
}

func (scanner *gatedScanner) InvalidateLogpack(uint64) error {
	return nil
}

type rejectingScanner struct{}

func (rejectingScanner) IsValidLogpack(uint64) bool     { return false }
func (rejectingScanner) InvalidateLogpack(uint64) error { return nil }

// A snapshot requested while SetOldest is checking the logpack waits for it,
// and then sees the new oldest.
func TestDevice__SetOldest__ConcurrentSnapshot(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	writeThrough(t, fx.dev, 100)
	scanner := newGatedScanner(40)
	fx.scanner = scanner
	fx.reopen(t)
	dev := fx.dev

	setDone := make(chan error, 1)
	go func() { setDone <- dev.SetOldest(40) }()
	<-scanner.entered

	snapDone := make(chan error, 1)
	go func() {
		_, err := dev.CreateSnapshot("late", 10, 0)
		snapDone <- err
	}()
	assert.Never(
		t,
		func() bool { return len(snapDone) > 0 },
		50*time.Millisecond,
		5*time.Millisecond,
		"snapshot created while oldest was moving")

	close(scanner.release)
	require.NoError(t, <-setDone)
	assert.ErrorIs(t, <-snapDone, walb.ErrInvalidArgument)

	assert.EqualValues(t, 40, dev.Lsids().Oldest)
	assert.Equal(t, 0, dev.CountSnapshots(0, sequence.MaxLSID+1))
}

func TestDevice__SetOldest__RejectedKeepsSnapshots(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	writeThrough(t, fx.dev, 100)
	fx.scanner = rejectingScanner{}
	fx.reopen(t)
	dev := fx.dev

	_, err := dev.CreateSnapshot("pinned", 50, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, dev.SetOldest(30), walb.ErrInvalidArgument)
	assert.EqualValues(t, 0, dev.Lsids().Oldest)
	assert.Equal(t, 1, dev.CountSnapshots(0, sequence.MaxLSID+1))
}

// If dropping the snapshots of a full reclaim fails, neither the catalog nor
// the superblock on disk changes.
func TestDevice__SetOldest__ReclaimAllDeleteFails(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev
	writeThrough(t, dev, 100)
	_, err := dev.CreateSnapshot("pinned", 50, 0)
	require.NoError(t, err)
	require.NoError(t, dev.TakeCheckpoint(context.Background()))

	fx.logVol.FailWrites(true)
	assert.ErrorIs(t, dev.SetOldest(100), walb.ErrSyncFailed)
	assert.True(t, dev.IsReadOnly())

	fx.logVol.FailWrites(false)
	fx.reopen(t)
	assert.EqualValues(t, 0, fx.dev.Super().OldestLSID)
	assert.Equal(t, 1, fx.dev.CountSnapshots(0, sequence.MaxLSID+1))
}

func TestDevice__Snapshots(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev
	writeThrough(t, dev, 300)

	record, err := dev.CreateSnapshot("latest", sequence.InvalidLSID, 1234)
	require.NoError(t, err)
	assert.EqualValues(t, 300, record.LSID, "default lsid should be completed")

	for i, lsid := range []uint64{100, 200} {
		_, err := dev.CreateSnapshot([]string{"a", "b"}[i], lsid, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, dev.CountSnapshots(0, 300))

	_, err = dev.CreateSnapshot("future", 301, 0)
	assert.ErrorIs(t, err, walb.ErrInvalidArgument, "lsid past completed")

	records, next := dev.ListSnapshotRange(0, sequence.MaxLSID+1, 2)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Name)
	assert.EqualValues(t, 201, next)

	records, nextID := dev.ListSnapshotFrom(0, 10)
	require.Len(t, records, 3)
	assert.Equal(t, records[2].SnapshotID+1, nextID)

	deleted, err := dev.DeleteSnapshotRange(150, 250)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	require.NoError(t, dev.DeleteSnapshot("a"))
	assert.ErrorIs(t, dev.DeleteSnapshot("a"), walb.ErrNotFound)

	fx.reopen(t)
	got, err := fx.dev.GetSnapshot("latest")
	require.NoError(t, err)
	assert.Equal(t, record, got)
	assert.Equal(t, 1, fx.dev.CountSnapshots(0, sequence.MaxLSID+1))
}

func TestDevice__ClearLog(t *testing.T) {
	fx := newFixture(t, testConfig(), "wdev0")
	dev := fx.dev

	reg := registry.New[*device.Device]()
	require.NoError(t, reg.Init())
	require.NoError(t, reg.Register(dev))

	writeThrough(t, dev, 500)
	for i, name := range []string{"one", "two", "three"} {
		_, err := dev.CreateSnapshot(name, uint64(100*(i+1)), 0)
		require.NoError(t, err)
	}
	require.NoError(t, dev.TakeCheckpoint(context.Background()))

	// Scribble over the block lsid 0 maps to so the invalidation is visible.
	logDevice, err := blockdev.New(fx.logVol, 512, 0)
	require.NoError(t, err)
	require.NoError(t, logDevice.WriteBlocks(ringOffset, bytes.Repeat([]byte{0xa5}, 512)))

	oldID := dev.UUID()
	require.NoError(t, dev.ClearLog(context.Background(), reg))

	assert.Equal(t, sequence.LsidSet{}, dev.Lsids())
	assert.Equal(t, 0, dev.CountSnapshots(0, sequence.MaxLSID+1))
	assert.NotEqual(t, oldID, dev.UUID())
	assert.False(t, dev.IsOverflow())
	assert.False(t, dev.IsReadOnly())
	assert.EqualValues(t, 0, dev.Super().WrittenLSID)

	_, err = reg.LookupByUUID(oldID)
	assert.ErrorIs(t, err, walb.ErrNotFound)
	found, err := reg.LookupByUUID(dev.UUID())
	require.NoError(t, err)
	assert.Same(t, dev, found)

	firstBlock := fx.logVol.Bytes()[ringOffset*512 : (ringOffset+1)*512]
	assert.Equal(t, make([]byte, 512), firstBlock, "first logpack not invalidated")

	// The device is usable again right away.
	lsids := writeThrough(t, dev, 10)
	assert.EqualValues(t, 0, lsids.Start)
	require.NoError(t, reg.Unregister(dev))
}

// gatedIndex holds UpdateUUID until `release` is closed.
type gatedIndex struct {
	entered chan struct{}
	release chan struct{}
}

func (index *gatedIndex) UpdateUUID(uuid.UUID, uuid.UUID) error {
	close(index.entered)
	<-index.release
	return nil
}

// A snapshot requested during ClearLog is checked against the cleared log.
func TestDevice__ClearLog__ConcurrentSnapshot(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev
	writeThrough(t, dev, 500)

	index := &gatedIndex{entered: make(chan struct{}), release: make(chan struct{})}
	clearDone := make(chan error, 1)
	go func() { clearDone <- dev.ClearLog(context.Background(), index) }()
	<-index.entered

	snapDone := make(chan error, 1)
	go func() {
		_, err := dev.CreateSnapshot("stale", 300, 0)
		snapDone <- err
	}()
	assert.Never(
		t,
		func() bool { return len(snapDone) > 0 },
		50*time.Millisecond,
		5*time.Millisecond,
		"snapshot created while the log was being cleared")

	close(index.release)
	require.NoError(t, <-clearDone)
	assert.ErrorIs(t, <-snapDone, walb.ErrInvalidArgument)
	assert.Equal(t, 0, dev.CountSnapshots(0, sequence.MaxLSID+1))
}

type failingIndex struct{}

func (failingIndex) UpdateUUID(uuid.UUID, uuid.UUID) error {
	return walb.ErrConflict.WithMessage("uuid taken")
}

// After the registry refuses the new UUID the device can still be stopped.
func TestDevice__ClearLog__IndexFailure(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev
	writeThrough(t, dev, 10)

	reg := registry.New[*device.Device]()
	require.NoError(t, reg.Init())
	require.NoError(t, reg.Register(dev))
	oldID := dev.UUID()

	assert.ErrorIs(t, dev.ClearLog(context.Background(), failingIndex{}), walb.ErrConflict)
	assert.True(t, dev.IsReadOnly())
	assert.NotEqual(t, oldID, dev.UUID())

	require.NoError(t, reg.Unregister(dev))
	_, err := reg.LookupByUUID(oldID)
	assert.ErrorIs(t, err, walb.ErrNotFound)
	require.NoError(t, reg.Shutdown())
}

func TestDevice__ClearLog__SyncFailureRestores(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev
	writeThrough(t, dev, 500)
	_, err := dev.CreateSnapshot("keep", 100, 0)
	require.NoError(t, err)

	before := dev.Lsids()
	oldID := dev.UUID()

	fx.logVol.FailSync(true)
	err = dev.ClearLog(context.Background(), nil)
	assert.ErrorIs(t, err, walb.ErrSyncFailed)

	assert.Equal(t, before, dev.Lsids())
	assert.Equal(t, oldID, dev.UUID())
	assert.Equal(t, 1, dev.CountSnapshots(0, sequence.MaxLSID+1))
	assert.True(t, dev.IsReadOnly())
}

func TestDevice__ClearLog__GrowsRing(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	writeThrough(t, fx.dev, 10)

	fx.logVol.Grow(100 * 512)
	require.NoError(t, fx.dev.ClearLog(context.Background(), nil))
	assert.EqualValues(t, ringSize+100, fx.dev.LogCapacity())
	assert.EqualValues(t, ringSize+100, fx.dev.Super().RingBufferSize)

	fx.reopen(t)
	assert.EqualValues(t, ringSize+100, fx.dev.LogCapacity())
}

func TestDevice__Resize(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev

	require.NoError(t, dev.Resize(dataBlocks), "same size is a no-op")
	assert.ErrorIs(t, dev.Resize(dataBlocks-1), walb.ErrNotSupported)
	assert.ErrorIs(t, dev.Resize(dataBlocks+1), walb.ErrInvalidArgument)

	fx.dataVol.Grow(64 * 512)
	require.NoError(t, dev.Resize(dataBlocks+32))
	assert.EqualValues(t, dataBlocks+32, dev.Size())

	require.NoError(t, dev.Resize(0))
	assert.EqualValues(t, dataBlocks+64, dev.Size())

	fx.reopen(t)
	assert.EqualValues(t, dataBlocks+64, fx.dev.Size())
}

func TestDevice__Freeze(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev

	require.NoError(t, dev.Freeze(0))
	assert.True(t, dev.IsFrozen())
	assert.Equal(t, checkpoint.Stopped, dev.CheckpointState())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dev.BeginWrite(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, dev.Melt(false))
	assert.Equal(t, checkpoint.Stopped, dev.CheckpointState(), "melt without force")
	_, err = dev.BeginWrite(context.Background(), 1)
	assert.NoError(t, err)

	require.NoError(t, dev.Freeze(0))
	require.NoError(t, dev.Melt(true))
	assert.Equal(t, checkpoint.Running, dev.CheckpointState())
}

func TestDevice__Freeze__AutoMelt(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	dev := fx.dev

	require.NoError(t, dev.Freeze(3))
	deadline, pending := dev.FreezeDeadline()
	require.True(t, pending)
	assert.Equal(t, fx.clock.Now().Add(3*time.Second), deadline)

	fx.clock.Advance(3 * time.Second)
	assert.Eventually(
		t,
		func() bool { return !dev.IsFrozen() && dev.CheckpointState() == checkpoint.Running },
		5*time.Second,
		10*time.Millisecond)
}

func TestDevice__CheckpointInterval(t *testing.T) {
	fx := newFixture(t, testConfig(), "")
	require.NoError(t, fx.dev.SetCheckpointInterval(5000))
	assert.EqualValues(t, 5000, fx.dev.CheckpointInterval())
	assert.ErrorIs(
		t,
		fx.dev.SetCheckpointInterval(checkpoint.MaxIntervalMs+1),
		walb.ErrInvalidArgument)
}
