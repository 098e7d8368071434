package snapshot

import (
	"encoding/binary"
	"fmt"

	"github.com/boljen/go-bitmap"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/blockdev"
	"github.com/dargueta/walb/blockdev/blockcache"
	"github.com/dargueta/walb/checksum"
)

// SectorTypeSnapshot identifies a snapshot metadata block.
const SectorTypeSnapshot uint16 = 0x0002

// Every snapshot block begins with a header:
//
//	0   u32  checksum
//	4   u16  sector type
//	6   u16  reserved
//	8   u64  slot bitmap, bit N set if slot N is in use
//
// followed by as many RecordSize-byte slots as fit, up to 64.
const (
	sectorHeaderSize = 16
	maxSlotsPerBlock = 64
	bitmapOffset     = 8
)

// Slot identifies where a record is stored in the snapshot metadata region.
type Slot struct {
	Block blockdev.LogicalBlock
	Index int
}

func (slot Slot) String() string {
	return fmt.Sprintf("block %d slot %d", slot.Block, slot.Index)
}

// StoredRecord is a record along with its location.
type StoredRecord struct {
	Record Record
	Slot   Slot
}

// Store is the persistence behind a Catalog. Put and Clear only stage the
// change; it isn't durable until Sync returns.
type Store interface {
	Load() ([]StoredRecord, error)
	Put(record Record) (Slot, error)
	Clear(slot Slot) error
	Sync() error
	Capacity() int
}

// SectorStore keeps snapshot records in a run of blocks on the log volume.
// Blocks are cached in memory and only dirty ones are written back.
type SectorStore struct {
	device        *blockdev.BlockDevice
	cache         *blockcache.Cache
	start         blockdev.PhysicalBlock
	totalBlocks   uint
	slotsPerBlock int
}

// SlotsPerBlock returns the number of records a block of `blockSize` bytes
// can hold.
func SlotsPerBlock(blockSize uint) int {
	slots := int(blockSize-sectorHeaderSize) / RecordSize
	if slots > maxSlotsPerBlock {
		return maxSlotsPerBlock
	}
	return slots
}

// NewSectorStore creates a store over `totalBlocks` blocks of `device`
// beginning at `start`. Nothing is read until Load or Format is called.
func NewSectorStore(
	device *blockdev.BlockDevice,
	start blockdev.PhysicalBlock,
	totalBlocks uint,
) (*SectorStore, error) {
	if totalBlocks == 0 {
		return nil, walb.ErrInvalidArgument.WithMessage("snapshot region can't be empty")
	}
	if device.BlockSize < sectorHeaderSize+RecordSize {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("block size %d can't hold a snapshot record", device.BlockSize))
	}

	store := &SectorStore{
		device:        device,
		start:         start,
		totalBlocks:   totalBlocks,
		slotsPerBlock: SlotsPerBlock(device.BlockSize),
	}
	store.cache = blockcache.New(
		blockcache.RegionBackend{Device: device, Start: start},
		device.BlockSize,
		totalBlocks)
	return store, nil
}

// Capacity returns the maximum number of records the store can hold.
func (store *SectorStore) Capacity() int {
	return int(store.totalBlocks) * store.slotsPerBlock
}

// TotalBlocks returns the size of the region, in blocks.
func (store *SectorStore) TotalBlocks() uint {
	return store.totalBlocks
}

// Format writes empty headers to every block of the region and syncs it.
func (store *SectorStore) Format() error {
	for i := uint(0); i < store.totalBlocks; i++ {
		data, err := store.cache.Zero(blockdev.LogicalBlock(i))
		if err != nil {
			return err
		}

		binary.LittleEndian.PutUint16(data[4:6], SectorTypeSnapshot)
		seal(data)
	}
	return store.Sync()
}

// seal recomputes the checksum of a block.
func seal(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], 0)
	binary.LittleEndian.PutUint32(data[0:4], checksum.Compute(data, 0))
}

func slotBitmap(data []byte) bitmap.Bitmap {
	return bitmap.Bitmap(data[bitmapOffset : bitmapOffset+8])
}

func (store *SectorStore) slotData(data []byte, index int) []byte {
	offset := sectorHeaderSize + index*RecordSize
	return data[offset : offset+RecordSize]
}

// block returns the cached contents of a block after checking its header.
func (store *SectorStore) block(index blockdev.LogicalBlock) ([]byte, error) {
	data, err := store.cache.Block(index)
	if err != nil {
		return nil, walb.ErrIOFailed.Wrap(err)
	}

	err = checksum.Verify(data, 0)
	if err != nil {
		return nil, walb.ErrInconsistent.WithMessage(
			fmt.Sprintf("snapshot block %d is corrupted: %s", index, err.Error()))
	}

	sectorType := binary.LittleEndian.Uint16(data[4:6])
	if sectorType != SectorTypeSnapshot {
		return nil, walb.ErrInconsistent.WithMessage(
			fmt.Sprintf(
				"block %d isn't a snapshot block: expected type %#04x, got %#04x",
				index,
				SectorTypeSnapshot,
				sectorType))
	}
	return data, nil
}

// Load reads every block in the region and returns all records in use.
func (store *SectorStore) Load() ([]StoredRecord, error) {
	err := store.cache.LoadAll()
	if err != nil {
		return nil, walb.ErrIOFailed.Wrap(err)
	}

	records := []StoredRecord{}
	for i := uint(0); i < store.totalBlocks; i++ {
		blockIndex := blockdev.LogicalBlock(i)
		data, err := store.block(blockIndex)
		if err != nil {
			return nil, err
		}

		used := slotBitmap(data)
		for slot := 0; slot < store.slotsPerBlock; slot++ {
			if !used.Get(slot) {
				continue
			}

			var record Record
			err = record.UnmarshalBinary(store.slotData(data, slot))
			if err != nil {
				return nil, walb.ErrInconsistent.WithMessage(
					fmt.Sprintf("block %d slot %d: %s", i, slot, err.Error()))
			}
			records = append(records, StoredRecord{
				Record: record,
				Slot:   Slot{Block: blockIndex, Index: slot},
			})
		}
	}
	return records, nil
}

// Put writes a record into the first free slot.
func (store *SectorStore) Put(record Record) (Slot, error) {
	encoded, err := record.MarshalBinary()
	if err != nil {
		return Slot{}, err
	}

	for i := uint(0); i < store.totalBlocks; i++ {
		blockIndex := blockdev.LogicalBlock(i)
		data, err := store.block(blockIndex)
		if err != nil {
			return Slot{}, err
		}

		used := slotBitmap(data)
		for slot := 0; slot < store.slotsPerBlock; slot++ {
			if used.Get(slot) {
				continue
			}

			copy(store.slotData(data, slot), encoded)
			used.Set(slot, true)
			seal(data)
			return Slot{Block: blockIndex, Index: slot}, store.cache.MarkDirty(blockIndex)
		}
	}
	return Slot{}, ErrNoSpace
}

// Clear frees a slot.
func (store *SectorStore) Clear(slot Slot) error {
	if slot.Index < 0 || slot.Index >= store.slotsPerBlock {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("slot index %d not in [0, %d)", slot.Index, store.slotsPerBlock))
	}

	data, err := store.block(slot.Block)
	if err != nil {
		return err
	}

	used := slotBitmap(data)
	if !used.Get(slot.Index) {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf("%s isn't in use", slot.String()))
	}

	clear(store.slotData(data, slot.Index))
	used.Set(slot.Index, false)
	seal(data)
	return store.cache.MarkDirty(slot.Block)
}

// Sync writes back every modified block and waits for it to reach stable
// storage.
func (store *SectorStore) Sync() error {
	err := store.cache.Flush()
	if err != nil {
		return walb.ErrSyncFailed.Wrap(err)
	}
	return store.device.Sync()
}
