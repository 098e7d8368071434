package control

import (
	"bytes"
	"context"
	"fmt"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/blockdev"
	"github.com/dargueta/walb/device"
	"github.com/dargueta/walb/registry"
	"github.com/dargueta/walb/snapshot"
)

// Resolver opens the volume identified by a device id.
type Resolver interface {
	Resolve(id walb.DevT) (*blockdev.BlockDevice, error)
}

// VolumeOpener opens one volume. It's called again every time a device using
// the volume is started.
type VolumeOpener func() (*blockdev.BlockDevice, error)

// StaticResolver resolves device ids from a fixed table.
type StaticResolver map[walb.DevT]VolumeOpener

func (resolver StaticResolver) Resolve(id walb.DevT) (*blockdev.BlockDevice, error) {
	open, ok := resolver[id]
	if !ok {
		return nil, walb.ErrNoDevice.WithMessage(
			fmt.Sprintf("no volume with id %d:%d", id.Major, id.Minor))
	}
	return open()
}

// FileVolume returns an opener for a volume backed by a file or block special
// file.
func FileVolume(path string, blockSize uint) VolumeOpener {
	return func() (*blockdev.BlockDevice, error) {
		return blockdev.OpenFile(path, blockSize)
	}
}

// Handle is a running device together with the ids of its volumes.
type Handle struct {
	*device.Device
	Log  walb.DevT
	Data walb.DevT
}

// DiskData returns the descriptor reported by CmdListDevices.
func (handle *Handle) DiskData(major uint32) DiskData {
	return DiskData{
		Name:   handle.Name(),
		Device: walb.DevT{Major: major, Minor: handle.Minor()},
		Log:    handle.Log,
		Data:   handle.Data,
	}
}

// Dispatcher runs control commands. Commands for a device find it in the
// registry by the minor number in U2K.
type Dispatcher struct {
	// Logger receives the dispatcher's log messages. It defaults to log.L.
	Logger *log.Entry

	Major    uint32
	Registry *registry.Registry[*Handle]
	Resolver Resolver
	// Config is used for every device started through the dispatcher.
	Config *device.Config
	// Options is passed to device.Open. Its Name field is ignored.
	Options device.Options
}

// NewDispatcher creates a dispatcher over a running registry.
func NewDispatcher(
	major uint32,
	reg *registry.Registry[*Handle],
	resolver Resolver,
	cfg *device.Config,
) *Dispatcher {
	if cfg == nil {
		cfg = device.DefaultConfig()
	}
	return &Dispatcher{
		Logger:   log.L,
		Major:    major,
		Registry: reg,
		Resolver: resolver,
		Config:   cfg,
	}
}

// Dispatch runs one command. On failure the errno is stored in ctl.Error and
// the error is returned as well.
func (d *Dispatcher) Dispatch(ctx context.Context, ctl *Ctl) error {
	ctl.Error = 0
	logger := d.Logger.WithField("command", ctl.Command.String())

	var err error
	switch ctl.Command {
	case CmdGetVersion:
		ctl.ValU32 = walb.Version
	case CmdStartDevice:
		err = d.startDevice(ctx, ctl)
	case CmdStopDevice:
		err = d.stopDevice(ctx, ctl)
	case CmdGetMajor:
		ctl.K2U.WMajor = d.Major
	case CmdListDevices:
		err = d.listDevices(ctl)
	case CmdNumDevices:
		var count int
		count, err = d.Registry.Len()
		ctl.ValInt = int32(count)
	default:
		if !ctl.Command.IsDeviceCommand() {
			err = walb.ErrNotSupported.WithMessage(
				fmt.Sprintf("unknown command %s", ctl.Command.String()))
			break
		}
		var handle *Handle
		handle, err = d.Registry.LookupByMinor(ctl.U2K.WMinor)
		if err == nil {
			return d.DispatchDevice(ctx, handle.Device, ctl)
		}
	}

	if err != nil {
		logger.WithError(err).Warn("command failed")
		return ctl.setError(err)
	}
	logger.Debug("command done")
	return nil
}

func decodeName(data Data) (string, error) {
	buf := data.Buf
	if data.BufSize < len(buf) {
		buf = buf[:data.BufSize]
	}
	if end := bytes.IndexByte(buf, 0); end >= 0 {
		buf = buf[:end]
	}
	if len(buf) >= walb.NameMaxLen {
		return "", walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("device name is %d bytes, max is %d", len(buf), walb.NameMaxLen-1))
	}
	return string(buf), nil
}

func (d *Dispatcher) startDevice(ctx context.Context, ctl *Ctl) error {
	name, err := decodeName(ctl.U2K)
	if err != nil {
		return err
	}

	minor := ctl.U2K.WMinor
	if minor == walb.DynamicMinor {
		minor, err = d.Registry.AllocateFreeMinor()
		if err != nil {
			return err
		}
	} else if minor%2 != 0 {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("minor %d is reserved for a log reader", minor))
	}

	logVol, err := d.Resolver.Resolve(ctl.U2K.Log())
	if err != nil {
		return err
	}
	dataVol, err := d.Resolver.Resolve(ctl.U2K.DataVolume())
	if err != nil {
		logVol.Close()
		return err
	}

	opts := d.Options
	opts.Name = name
	dev, err := device.Open(ctx, minor, logVol, dataVol, d.Config, opts)
	if err != nil {
		logVol.Close()
		dataVol.Close()
		return err
	}

	handle := &Handle{Device: dev, Log: ctl.U2K.Log(), Data: ctl.U2K.DataVolume()}
	err = d.Registry.Register(handle)
	if err != nil {
		dev.Close(ctx)
		return err
	}

	ctl.K2U.WMajor = d.Major
	ctl.K2U.WMinor = minor
	if ctl.K2U.BufSize >= walb.NameMaxLen {
		ctl.K2U.Buf = make([]byte, walb.NameMaxLen)
		copy(ctl.K2U.Buf, dev.Name())
	}

	d.Logger.WithFields(log.Fields{
		"device": dev.Name(),
		"minor":  minor,
	}).Info("device started")
	return nil
}

func (d *Dispatcher) stopDevice(ctx context.Context, ctl *Ctl) error {
	// Odd minors are the log readers of the device below them.
	minor := ctl.U2K.WMinor &^ 1

	handle, err := d.Registry.LookupByMinor(minor)
	if err != nil {
		return err
	}
	err = d.Registry.Unregister(handle)
	if err != nil {
		return err
	}
	return handle.Close(ctx)
}

func (d *Dispatcher) listDevices(ctl *Ctl) error {
	lo, hi, err := DecodeMinorRange(ctl.U2K.Buf)
	if err != nil {
		return err
	}
	handles, err := d.Registry.ListRange(lo, hi)
	if err != nil {
		return err
	}

	// Without a buffer only the count is returned.
	capacity := ctl.K2U.BufSize / DiskDataSize
	if capacity == 0 {
		ctl.ValInt = int32(len(handles))
		return nil
	}
	if len(handles) > capacity {
		handles = handles[:capacity]
	}

	output := make([]byte, 0, len(handles)*DiskDataSize)
	for _, handle := range handles {
		data, err := handle.DiskData(d.Major).MarshalBinary()
		if err != nil {
			return err
		}
		output = append(output, data...)
	}
	ctl.K2U.Buf = output
	ctl.ValInt = int32(len(handles))
	return nil
}

// StopAll stops every registered device, closing them in parallel. It returns
// the first error, but every device is removed from the registry regardless.
func (d *Dispatcher) StopAll(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for {
		handle, ok, err := d.Registry.PopAny()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		group.Go(func() error {
			err := handle.Close(groupCtx)
			if err != nil {
				d.Logger.WithError(err).WithField("device", handle.Name()).
					Error("failed to stop device")
			}
			return err
		})
	}
	return group.Wait()
}

func boolToInt(value bool) int32 {
	if value {
		return 1
	}
	return 0
}

// requestRecord decodes the snapshot record in U2K.
func requestRecord(ctl *Ctl) (snapshot.Record, error) {
	records, err := DecodeRecords(ctl.U2K.Buf, 1)
	if err != nil {
		return snapshot.Record{}, err
	}
	return records[0], nil
}

// replyRecords writes as many of `records` as fit into K2U and returns how
// many that was.
func replyRecords(ctl *Ctl, records []snapshot.Record) (int, error) {
	capacity := ctl.K2U.BufSize / snapshot.RecordSize
	if len(records) > capacity {
		records = records[:capacity]
	}
	data, err := EncodeRecords(records)
	if err != nil {
		return 0, err
	}
	ctl.K2U.Buf = data
	return len(records), nil
}

// recordCapacity returns the number of records K2U can hold, which must be at
// least one.
func recordCapacity(ctl *Ctl) (int, error) {
	capacity := ctl.K2U.BufSize / snapshot.RecordSize
	if capacity == 0 {
		return 0, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer of %d bytes can't hold a snapshot record", ctl.K2U.BufSize))
	}
	return capacity, nil
}

// DispatchDevice runs one command against `dev`.
func (d *Dispatcher) DispatchDevice(ctx context.Context, dev *device.Device, ctl *Ctl) error {
	ctl.Error = 0
	logger := dev.Logger.WithField("command", ctl.Command.String())

	err := d.runDeviceCommand(ctx, dev, ctl)
	if err != nil {
		logger.WithError(err).Warn("command failed")
		return ctl.setError(err)
	}
	logger.Debug("command done")
	return nil
}

func (d *Dispatcher) runDeviceCommand(ctx context.Context, dev *device.Device, ctl *Ctl) error {
	switch ctl.Command {
	case CmdGetVersion:
		ctl.ValU32 = walb.Version

	case CmdGetOldestLSID:
		ctl.ValU64 = dev.Lsids().Oldest
	case CmdSetOldestLSID:
		return dev.SetOldest(ctl.ValU64)
	case CmdGetWrittenLSID:
		ctl.ValU64 = dev.Lsids().Written
	case CmdGetPermanentLSID:
		ctl.ValU64 = dev.Lsids().Permanent
	case CmdGetCompletedLSID:
		ctl.ValU64 = dev.Lsids().Completed
	case CmdGetLogUsage:
		ctl.ValU64 = dev.LogUsage()
	case CmdGetLogCapacity:
		ctl.ValU64 = dev.LogCapacity()
	case CmdIsLogOverflow:
		ctl.ValInt = boolToInt(dev.IsOverflow())
	case CmdIsFlushCapable:
		ctl.ValInt = boolToInt(dev.IsFlushCapable())

	case CmdGetCheckpointInterval:
		ctl.ValU32 = dev.CheckpointInterval()
	case CmdSetCheckpointInterval:
		return dev.SetCheckpointInterval(ctl.ValU32)
	case CmdTakeCheckpoint:
		return dev.TakeCheckpoint(ctx)

	case CmdCreateSnapshot:
		request, err := requestRecord(ctl)
		if err != nil {
			return err
		}
		record, err := dev.CreateSnapshot(request.Name, request.LSID, request.Timestamp)
		if err != nil {
			return err
		}
		_, err = replyRecords(ctl, []snapshot.Record{record})
		return err

	case CmdDeleteSnapshot:
		request, err := requestRecord(ctl)
		if err != nil {
			return err
		}
		return dev.DeleteSnapshot(request.Name)

	case CmdDeleteSnapshotRange:
		lo, hi, err := DecodeLsidRange(ctl.U2K.Buf)
		if err != nil {
			return err
		}
		count, err := dev.DeleteSnapshotRange(lo, hi)
		ctl.ValInt = int32(count)
		return err

	case CmdGetSnapshot:
		request, err := requestRecord(ctl)
		if err != nil {
			return err
		}
		if _, err = recordCapacity(ctl); err != nil {
			return err
		}
		record, err := dev.GetSnapshot(request.Name)
		if err != nil {
			return err
		}
		_, err = replyRecords(ctl, []snapshot.Record{record})
		return err

	case CmdNumSnapshotRange:
		lo, hi, err := DecodeLsidRange(ctl.U2K.Buf)
		if err != nil {
			return err
		}
		ctl.ValInt = int32(dev.CountSnapshots(lo, hi))

	case CmdListSnapshotRange:
		lo, hi, err := DecodeLsidRange(ctl.U2K.Buf)
		if err != nil {
			return err
		}
		max, err := recordCapacity(ctl)
		if err != nil {
			return err
		}
		records, next := dev.ListSnapshotRange(lo, hi, max)
		count, err := replyRecords(ctl, records)
		ctl.ValInt = int32(count)
		ctl.ValU64 = next
		return err

	case CmdListSnapshotFrom:
		max, err := recordCapacity(ctl)
		if err != nil {
			return err
		}
		records, next := dev.ListSnapshotFrom(ctl.ValU32, max)
		count, err := replyRecords(ctl, records)
		ctl.ValInt = int32(count)
		ctl.ValU32 = next
		return err

	case CmdResize:
		return dev.Resize(ctl.ValU64)
	case CmdClearLog:
		return dev.ClearLog(ctx, d.Registry)
	case CmdFreeze:
		return dev.Freeze(ctl.ValU32)
	case CmdMelt:
		return dev.Melt(true)
	case CmdIsFrozen:
		ctl.ValInt = boolToInt(dev.IsFrozen())

	default:
		return walb.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s isn't a device command", ctl.Command.String()))
	}
	return nil
}
