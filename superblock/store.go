package superblock

import (
	"fmt"
	"sync"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/blockdev"
)

// Store holds the in-memory copy of a superblock and writes it back to the
// log volume. It has its own lock, separate from the watermark lock, because
// Sync blocks until the volume reports the write is durable.
type Store struct {
	mu     sync.Mutex
	device *blockdev.BlockDevice
	staged Super
}

// NewStore creates a store for a superblock that hasn't been written yet.
func NewStore(device *blockdev.BlockDevice, super Super) (*Store, error) {
	if uint(super.PhysicalBlockSize) != device.BlockSize {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"superblock is for %d-byte blocks but the volume has %d-byte blocks",
				super.PhysicalBlockSize,
				device.BlockSize))
	}
	err := super.Validate()
	if err != nil {
		return nil, err
	}
	return &Store{device: device, staged: super}, nil
}

// Load reads the superblock off `device`.
func Load(device *blockdev.BlockDevice) (*Store, error) {
	offset := SuperOffset(uint32(device.BlockSize))
	data, err := device.ReadBlocks(blockdev.PhysicalBlock(offset), 1)
	if err != nil {
		return nil, err
	}

	var super Super
	err = super.UnmarshalBinary(data)
	if err != nil {
		return nil, err
	}

	if super.LogBlocksNeeded() > device.TotalBlocks() {
		return nil, walb.ErrInconsistent.WithMessage(
			fmt.Sprintf(
				"superblock describes %d blocks, log volume only has %d",
				super.LogBlocksNeeded(),
				device.TotalBlocks()))
	}
	return &Store{device: device, staged: super}, nil
}

// Get returns a copy of the staged superblock.
func (store *Store) Get() Super {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.staged
}

// Sync applies `modify` (which may be nil) to a copy of the staged
// superblock, writes the copy, and waits for it to reach stable storage. The
// staged superblock is only replaced if all of that succeeds.
//
// Any failure is reported as [walb.ErrSyncFailed].
func (store *Store) Sync(modify func(super *Super)) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	updated := store.staged
	if modify != nil {
		modify(&updated)
	}

	data, err := updated.MarshalBinary()
	if err != nil {
		return walb.ErrSyncFailed.Wrap(err)
	}

	offset := SuperOffset(updated.PhysicalBlockSize)
	err = store.device.WriteBlocks(blockdev.PhysicalBlock(offset), data)
	if err != nil {
		return walb.ErrSyncFailed.Wrap(err)
	}

	err = store.device.Sync()
	if err != nil {
		return err
	}

	store.staged = updated
	return nil
}
