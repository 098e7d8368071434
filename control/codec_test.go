package control_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/control"
	"github.com/dargueta/walb/snapshot"
)

func TestLsidRange(t *testing.T) {
	data := control.EncodeLsidRange(50, 150)
	require.Len(t, data, control.LsidRangeSize)

	lo, hi, err := control.DecodeLsidRange(data)
	require.NoError(t, err)
	assert.EqualValues(t, 50, lo)
	assert.EqualValues(t, 150, hi)

	_, _, err = control.DecodeLsidRange(data[:8])
	assert.ErrorIs(t, err, walb.ErrInvalidArgument, "short buffer")
	_, _, err = control.DecodeLsidRange(control.EncodeLsidRange(2, 1))
	assert.ErrorIs(t, err, walb.ErrInvalidArgument, "inverted range")
}

func TestMinorRange(t *testing.T) {
	data := control.EncodeMinorRange(0, 64)
	assert.Equal(t, []byte{0, 0, 0, 0, 64, 0, 0, 0}, data)

	lo, hi, err := control.DecodeMinorRange(data)
	require.NoError(t, err)
	assert.EqualValues(t, 0, lo)
	assert.EqualValues(t, 64, hi)

	_, _, err = control.DecodeMinorRange(control.EncodeMinorRange(9, 3))
	assert.ErrorIs(t, err, walb.ErrInvalidArgument)
}

func TestRecords(t *testing.T) {
	records := []snapshot.Record{
		{Name: "first", LSID: 10, Timestamp: 100, SnapshotID: 1},
		{Name: "second", LSID: 20, Timestamp: 200, SnapshotID: 2},
	}
	data, err := control.EncodeRecords(records)
	require.NoError(t, err)
	require.Len(t, data, 2*snapshot.RecordSize)

	decoded, err := control.DecodeRecords(data, 2)
	require.NoError(t, err)
	assert.Equal(t, records, decoded)

	_, err = control.DecodeRecords(data, 3)
	assert.ErrorIs(t, err, walb.ErrInvalidArgument)
}

func TestDiskData(t *testing.T) {
	disk := control.DiskData{
		Name:   "wdev0",
		Device: walb.DevT{Major: 250, Minor: 0},
		Log:    walb.DevT{Major: 8, Minor: 17},
		Data:   walb.DevT{Major: 8, Minor: 18},
	}
	data, err := disk.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, 88)

	// The name comes first, NUL-padded, then the six ids.
	assert.Equal(t, []byte("wdev0\x00"), data[:6])
	assert.Equal(t, []byte{250, 0, 0, 0}, data[64:68])

	disks, err := control.DecodeDiskData(data, 1)
	require.NoError(t, err)
	assert.Equal(t, disk, disks[0])

	disk.Name = string(make([]byte, walb.NameMaxLen))
	_, err = disk.MarshalBinary()
	assert.ErrorIs(t, err, walb.ErrInvalidArgument, "name too long")
}

func TestCommand__String(t *testing.T) {
	assert.Equal(t, "clear-log", control.CmdClearLog.String())
	assert.Equal(t, "Command(999)", control.Command(999).String())
	assert.True(t, control.CmdIsFrozen.IsDeviceCommand())
	assert.False(t, control.CmdStartDevice.IsDeviceCommand())
	assert.False(t, control.CmdGetVersion.IsDeviceCommand())
}
