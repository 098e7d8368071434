// Package control implements the administrative command protocol of walb:
// the command envelope, the encodings of its buffers, and the dispatcher that
// runs commands against the device registry.
package control

import (
	"fmt"

	"github.com/dargueta/walb"
	werrors "github.com/dargueta/walb/errors"
)

// Command identifies an administrative command.
type Command int32

const (
	CmdDummy Command = iota

	// Commands for the control endpoint.
	CmdStartDevice
	CmdStopDevice
	CmdGetMajor
	CmdListDevices
	CmdNumDevices

	// Commands for one device.
	CmdGetOldestLSID
	CmdSetOldestLSID
	CmdGetWrittenLSID
	CmdGetPermanentLSID
	CmdGetCompletedLSID
	CmdGetLogUsage
	CmdGetLogCapacity
	CmdIsLogOverflow
	CmdIsFlushCapable
	CmdGetCheckpointInterval
	CmdSetCheckpointInterval
	CmdTakeCheckpoint
	CmdCreateSnapshot
	CmdDeleteSnapshot
	CmdDeleteSnapshotRange
	CmdGetSnapshot
	CmdNumSnapshotRange
	CmdListSnapshotRange
	CmdListSnapshotFrom
	CmdResize
	CmdClearLog
	CmdFreeze
	CmdMelt
	CmdIsFrozen

	// Accepted by both.
	CmdGetVersion
)

var commandNames = map[Command]string{
	CmdDummy:                 "dummy",
	CmdStartDevice:           "start-device",
	CmdStopDevice:            "stop-device",
	CmdGetMajor:              "get-major",
	CmdListDevices:           "list-devices",
	CmdNumDevices:            "num-devices",
	CmdGetOldestLSID:         "get-oldest-lsid",
	CmdSetOldestLSID:         "set-oldest-lsid",
	CmdGetWrittenLSID:        "get-written-lsid",
	CmdGetPermanentLSID:      "get-permanent-lsid",
	CmdGetCompletedLSID:      "get-completed-lsid",
	CmdGetLogUsage:           "get-log-usage",
	CmdGetLogCapacity:        "get-log-capacity",
	CmdIsLogOverflow:         "is-log-overflow",
	CmdIsFlushCapable:        "is-flush-capable",
	CmdGetCheckpointInterval: "get-checkpoint-interval",
	CmdSetCheckpointInterval: "set-checkpoint-interval",
	CmdTakeCheckpoint:        "take-checkpoint",
	CmdCreateSnapshot:        "create-snapshot",
	CmdDeleteSnapshot:        "delete-snapshot",
	CmdDeleteSnapshotRange:   "delete-snapshot-range",
	CmdGetSnapshot:           "get-snapshot",
	CmdNumSnapshotRange:      "num-snapshot-range",
	CmdListSnapshotRange:     "list-snapshot-range",
	CmdListSnapshotFrom:      "list-snapshot-from",
	CmdResize:                "resize",
	CmdClearLog:              "clear-log",
	CmdFreeze:                "freeze",
	CmdMelt:                  "melt",
	CmdIsFrozen:              "is-frozen",
	CmdGetVersion:            "get-version",
}

func (cmd Command) String() string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", int32(cmd))
}

// IsDeviceCommand returns true if `cmd` targets a single device rather than
// the control endpoint.
func (cmd Command) IsDeviceCommand() bool {
	return cmd >= CmdGetOldestLSID && cmd <= CmdIsFrozen
}

// Data is one direction of a command's payload: device ids plus a buffer.
// BufSize is the capacity the receiver may fill, which can be larger than
// len(Buf).
type Data struct {
	WMajor  uint32
	WMinor  uint32
	LMajor  uint32
	LMinor  uint32
	DMajor  uint32
	DMinor  uint32
	BufSize int
	Buf     []byte
}

// Device returns the walb device id.
func (data *Data) Device() walb.DevT {
	return walb.DevT{Major: data.WMajor, Minor: data.WMinor}
}

// Log returns the log volume id.
func (data *Data) Log() walb.DevT {
	return walb.DevT{Major: data.LMajor, Minor: data.LMinor}
}

// DataVolume returns the data volume id.
func (data *Data) DataVolume() walb.DevT {
	return walb.DevT{Major: data.DMajor, Minor: data.DMinor}
}

// Ctl is the envelope every command travels in. U2K carries the request
// payload and K2U the response payload.
type Ctl struct {
	Command Command
	ValInt  int32
	ValU32  uint32
	ValU64  uint64
	Error   werrors.Errno

	U2K Data
	K2U Data
}

// Err returns the error recorded in the envelope, or nil.
func (ctl *Ctl) Err() error {
	if ctl.Error == werrors.EOK {
		return nil
	}
	return ctl.Error
}

// setError records `err` in the envelope and returns it.
func (ctl *Ctl) setError(err error) error {
	ctl.Error = walb.ErrnoOf(err)
	return err
}
