package control

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/snapshot"
)

// LsidRangeSize is the size of an encoded LSID range: two u64s.
const LsidRangeSize = 16

// MinorRangeSize is the size of an encoded minor range: two u32s.
const MinorRangeSize = 8

// DiskDataSize is the size of an encoded DiskData.
const DiskDataSize = walb.NameMaxLen + 6*4

func needBytes(what string, data []byte, size int) error {
	if len(data) < size {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s needs %d bytes, got %d", what, size, len(data)))
	}
	return nil
}

// EncodeLsidRange encodes the half-open range [lo, hi).
func EncodeLsidRange(lo, hi uint64) []byte {
	data := make([]byte, LsidRangeSize)
	binary.LittleEndian.PutUint64(data[0:8], lo)
	binary.LittleEndian.PutUint64(data[8:16], hi)
	return data
}

// DecodeLsidRange decodes a range written by EncodeLsidRange.
func DecodeLsidRange(data []byte) (lo, hi uint64, err error) {
	if err = needBytes("LSID range", data, LsidRangeSize); err != nil {
		return 0, 0, err
	}
	lo = binary.LittleEndian.Uint64(data[0:8])
	hi = binary.LittleEndian.Uint64(data[8:16])
	if lo > hi {
		return 0, 0, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid LSID range [%d, %d)", lo, hi))
	}
	return lo, hi, nil
}

// EncodeMinorRange encodes the half-open range [lo, hi).
func EncodeMinorRange(lo, hi uint32) []byte {
	data := make([]byte, MinorRangeSize)
	binary.LittleEndian.PutUint32(data[0:4], lo)
	binary.LittleEndian.PutUint32(data[4:8], hi)
	return data
}

// DecodeMinorRange decodes a range written by EncodeMinorRange.
func DecodeMinorRange(data []byte) (lo, hi uint32, err error) {
	if err = needBytes("minor range", data, MinorRangeSize); err != nil {
		return 0, 0, err
	}
	lo = binary.LittleEndian.Uint32(data[0:4])
	hi = binary.LittleEndian.Uint32(data[4:8])
	if lo > hi {
		return 0, 0, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid minor range [%d, %d)", lo, hi))
	}
	return lo, hi, nil
}

// EncodeRecords packs snapshot records back to back.
func EncodeRecords(records []snapshot.Record) ([]byte, error) {
	output := make([]byte, 0, len(records)*snapshot.RecordSize)
	for _, record := range records {
		data, err := record.MarshalBinary()
		if err != nil {
			return nil, err
		}
		output = append(output, data...)
	}
	return output, nil
}

// DecodeRecords unpacks `count` records written by EncodeRecords.
func DecodeRecords(data []byte, count int) ([]snapshot.Record, error) {
	if count < 0 {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative record count %d", count))
	}
	if err := needBytes("snapshot records", data, count*snapshot.RecordSize); err != nil {
		return nil, err
	}

	records := make([]snapshot.Record, count)
	for i := range records {
		err := records[i].UnmarshalBinary(data[i*snapshot.RecordSize:])
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

// DiskData describes one running device in the response to CmdListDevices.
type DiskData struct {
	Name   string
	Device walb.DevT
	Log    walb.DevT
	Data   walb.DevT
}

type rawDiskData struct {
	Name   [walb.NameMaxLen]byte
	WMajor uint32
	WMinor uint32
	LMajor uint32
	LMinor uint32
	DMajor uint32
	DMinor uint32
}

// MarshalBinary encodes the descriptor into its fixed DiskDataSize-byte form.
func (disk DiskData) MarshalBinary() ([]byte, error) {
	if len(disk.Name) >= walb.NameMaxLen {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("device name is %d bytes, max is %d", len(disk.Name), walb.NameMaxLen-1))
	}

	raw := rawDiskData{
		WMajor: disk.Device.Major,
		WMinor: disk.Device.Minor,
		LMajor: disk.Log.Major,
		LMinor: disk.Log.Minor,
		DMajor: disk.Data.Major,
		DMinor: disk.Data.Minor,
	}
	copy(raw.Name[:], disk.Name)

	output := make([]byte, DiskDataSize)
	err := binary.Write(bytewriter.New(output), binary.LittleEndian, &raw)
	if err != nil {
		return nil, walb.ErrInconsistent.Wrap(err)
	}
	return output, nil
}

func (disk *DiskData) UnmarshalBinary(data []byte) error {
	if err := needBytes("disk data", data, DiskDataSize); err != nil {
		return err
	}

	var raw rawDiskData
	err := binary.Read(bytes.NewReader(data[:DiskDataSize]), binary.LittleEndian, &raw)
	if err != nil {
		return walb.ErrInvalidArgument.Wrap(err)
	}

	nameLength := bytes.IndexByte(raw.Name[:], 0)
	if nameLength < 0 {
		return walb.ErrInvalidArgument.WithMessage("device name isn't terminated")
	}
	disk.Name = string(raw.Name[:nameLength])
	disk.Device = walb.DevT{Major: raw.WMajor, Minor: raw.WMinor}
	disk.Log = walb.DevT{Major: raw.LMajor, Minor: raw.LMinor}
	disk.Data = walb.DevT{Major: raw.DMajor, Minor: raw.DMinor}
	return nil
}

// DecodeDiskData unpacks `count` descriptors written back to back.
func DecodeDiskData(data []byte, count int) ([]DiskData, error) {
	if count < 0 {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative device count %d", count))
	}
	if err := needBytes("disk data", data, count*DiskDataSize); err != nil {
		return nil, err
	}
	disks := make([]DiskData, count)
	for i := range disks {
		err := disks[i].UnmarshalBinary(data[i*DiskDataSize:])
		if err != nil {
			return nil, err
		}
	}
	return disks, nil
}
