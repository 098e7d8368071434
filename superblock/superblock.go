// Package superblock reads and writes the superblock of a walb log volume,
// the one block that describes the layout of the volume and holds the
// persisted watermarks.
//
// A log volume is laid out as follows, in physical blocks:
//
//	[0, SuperOffset)                            reserved
//	SuperOffset                                 superblock
//	[SnapshotMetadataOffset, RingBufferOffset)  snapshot metadata
//	[RingBufferOffset, end of volume)           ring buffer
package superblock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/noxer/bytewriter"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/checksum"
)

// Magic identifies a walb superblock. It's "WALB" in little-endian order.
const Magic uint32 = 0x424c4157

// SectorTypeSuper is the sector type of a superblock.
const SectorTypeSuper uint16 = 0x0001

// FormatVersion is the version of the on-disk layout written by this package.
const FormatVersion uint32 = 1

// NameMaxLen is the size of the name field, including the terminating NUL.
const NameMaxLen = 64

// Size of the encoded superblock, before padding to a full block.
const encodedSize = 144

// reservedBytes is the space at the start of the volume that's never written.
const reservedBytes = 4096

// Super is the decoded contents of a superblock.
type Super struct {
	Version              uint32
	LogicalBlockSize     uint32
	PhysicalBlockSize    uint32
	SnapshotMetadataSize uint32
	LogChecksumSalt      uint32
	UUID                 uuid.UUID
	Name                 string
	// RingBufferSize is in physical blocks.
	RingBufferSize uint64
	OldestLSID     uint64
	WrittenLSID    uint64
	// DeviceSize is the size of the data volume in logical blocks.
	DeviceSize uint64
}

type rawSuper struct {
	Checksum             uint32
	Magic                uint32
	SectorType           uint16
	Reserved             uint16
	Version              uint32
	LogicalBlockSize     uint32
	PhysicalBlockSize    uint32
	SnapshotMetadataSize uint32
	LogChecksumSalt      uint32
	UUID                 [16]byte
	Name                 [NameMaxLen]byte
	RingBufferSize       uint64
	OldestLSID           uint64
	WrittenLSID          uint64
	DeviceSize           uint64
}

// SuperOffset returns the block holding the superblock on a volume with a
// physical block size of `pbs` bytes.
func SuperOffset(pbs uint32) uint64 {
	if pbs >= reservedBytes {
		return 1
	}
	return uint64(reservedBytes / pbs)
}

// SnapshotMetadataOffset returns the first block of the snapshot metadata
// region.
func SnapshotMetadataOffset(pbs uint32) uint64 {
	return SuperOffset(pbs) + 1
}

// RingBufferOffset returns the first block of the ring buffer.
func RingBufferOffset(pbs uint32, snapshotBlocks uint32) uint64 {
	return SnapshotMetadataOffset(pbs) + uint64(snapshotBlocks)
}

// RingBufferSize returns the number of ring buffer blocks on a log volume of
// `totalBlocks` physical blocks.
func RingBufferSize(totalBlocks uint64, pbs uint32, snapshotBlocks uint32) (uint64, error) {
	offset := RingBufferOffset(pbs, snapshotBlocks)
	if totalBlocks <= offset {
		return 0, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"log volume is too small: %d blocks, but the ring buffer starts at %d",
				totalBlocks,
				offset))
	}
	return totalBlocks - offset, nil
}

// Validate checks the fields of the superblock that don't depend on the
// volume it's stored on.
func (super *Super) Validate() error {
	if super.Version != FormatVersion {
		return walb.ErrNotSupported.WithMessage(
			fmt.Sprintf("superblock version %d, expected %d", super.Version, FormatVersion))
	}
	if super.LogicalBlockSize == 0 || super.LogicalBlockSize%512 != 0 {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("bad logical block size %d", super.LogicalBlockSize))
	}
	if super.PhysicalBlockSize < super.LogicalBlockSize ||
		super.PhysicalBlockSize%super.LogicalBlockSize != 0 {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"physical block size %d isn't a multiple of logical block size %d",
				super.PhysicalBlockSize,
				super.LogicalBlockSize))
	}
	if super.PhysicalBlockSize < encodedSize {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("physical block size %d is too small", super.PhysicalBlockSize))
	}
	if len(super.Name) >= NameMaxLen {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("device name is %d bytes, max is %d", len(super.Name), NameMaxLen-1))
	}
	if super.RingBufferSize == 0 {
		return walb.ErrInvalidArgument.WithMessage("ring buffer size can't be 0")
	}
	if super.OldestLSID > super.WrittenLSID {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf(
				"oldest LSID %d is past written LSID %d",
				super.OldestLSID,
				super.WrittenLSID))
	}
	return nil
}

// MarshalBinary encodes the superblock into one physical block, checksum
// included.
func (super *Super) MarshalBinary() ([]byte, error) {
	err := super.Validate()
	if err != nil {
		return nil, err
	}

	raw := rawSuper{
		Magic:                Magic,
		SectorType:           SectorTypeSuper,
		Version:              super.Version,
		LogicalBlockSize:     super.LogicalBlockSize,
		PhysicalBlockSize:    super.PhysicalBlockSize,
		SnapshotMetadataSize: super.SnapshotMetadataSize,
		LogChecksumSalt:      super.LogChecksumSalt,
		UUID:                 super.UUID,
		RingBufferSize:       super.RingBufferSize,
		OldestLSID:           super.OldestLSID,
		WrittenLSID:          super.WrittenLSID,
		DeviceSize:           super.DeviceSize,
	}
	copy(raw.Name[:], super.Name)

	output := make([]byte, super.PhysicalBlockSize)
	writer := bytewriter.New(output)
	err = binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return nil, walb.ErrInconsistent.Wrap(err)
	}

	binary.LittleEndian.PutUint32(output[0:4], checksum.Compute(output, 0))
	return output, nil
}

// UnmarshalBinary decodes a block written by MarshalBinary. The magic number,
// checksum, and version are all verified.
func (super *Super) UnmarshalBinary(data []byte) error {
	if len(data) < encodedSize || len(data)%4 != 0 {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("superblock can't be %d bytes", len(data)))
	}

	var raw rawSuper
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw)
	if err != nil {
		return walb.ErrInvalidArgument.Wrap(err)
	}

	if raw.Magic != Magic || raw.SectorType != SectorTypeSuper {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"not a walb superblock: magic %#08x, sector type %#04x",
				raw.Magic,
				raw.SectorType))
	}
	if int(raw.PhysicalBlockSize) != len(data) {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"superblock is for %d-byte blocks, read a %d-byte block",
				raw.PhysicalBlockSize,
				len(data)))
	}

	err = checksum.Verify(data, 0)
	if err != nil {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf("superblock is corrupted: %s", err.Error()))
	}

	nameLength := bytes.IndexByte(raw.Name[:], 0)
	if nameLength < 0 {
		return walb.ErrInconsistent.WithMessage("device name isn't terminated")
	}

	decoded := Super{
		Version:              raw.Version,
		LogicalBlockSize:     raw.LogicalBlockSize,
		PhysicalBlockSize:    raw.PhysicalBlockSize,
		SnapshotMetadataSize: raw.SnapshotMetadataSize,
		LogChecksumSalt:      raw.LogChecksumSalt,
		UUID:                 uuid.UUID(raw.UUID),
		Name:                 string(raw.Name[:nameLength]),
		RingBufferSize:       raw.RingBufferSize,
		OldestLSID:           raw.OldestLSID,
		WrittenLSID:          raw.WrittenLSID,
		DeviceSize:           raw.DeviceSize,
	}
	err = decoded.Validate()
	if err != nil {
		return err
	}

	*super = decoded
	return nil
}

// RingBufferOffset returns the first block of the ring buffer described by
// this superblock.
func (super *Super) RingBufferOffset() uint64 {
	return RingBufferOffset(super.PhysicalBlockSize, super.SnapshotMetadataSize)
}

// LogBlocksNeeded returns the minimum size of a log volume that can hold this
// layout.
func (super *Super) LogBlocksNeeded() uint64 {
	return super.RingBufferOffset() + super.RingBufferSize
}
