// Package blockcache keeps a small metadata region of a volume in memory and
// writes back only the blocks that changed.
//
// Block indexes are relative to the start of the region.
package blockcache

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/blockdev"
)

// Backend moves single blocks between the cache and the volume. `buffer` is
// always exactly one block long.
type Backend interface {
	FetchBlock(index blockdev.LogicalBlock, buffer []byte) error
	FlushBlock(index blockdev.LogicalBlock, buffer []byte) error
}

// RegionBackend maps a cache onto the blocks of a BlockDevice beginning at
// physical block `Start`.
type RegionBackend struct {
	Device *blockdev.BlockDevice
	Start  blockdev.PhysicalBlock
}

func (region RegionBackend) FetchBlock(index blockdev.LogicalBlock, buffer []byte) error {
	data, err := region.Device.ReadBlocks(region.Start+blockdev.PhysicalBlock(index), 1)
	if err != nil {
		return err
	}
	copy(buffer, data)
	return nil
}

func (region RegionBackend) FlushBlock(index blockdev.LogicalBlock, buffer []byte) error {
	return region.Device.WriteBlocks(region.Start+blockdev.PhysicalBlock(index), buffer)
}

// Cache holds a copy of every block of a region that has been touched. A
// block is loaded on first access and stays resident; dirty blocks are
// resident by definition.
type Cache struct {
	backend   Backend
	blockSize uint
	length    uint
	loaded    bitmap.Bitmap
	dirty     bitmap.Bitmap
	data      []byte
}

// New creates a cache over `length` blocks of `blockSize` bytes. Nothing is
// read until it's needed.
func New(backend Backend, blockSize, length uint) *Cache {
	return &Cache{
		backend:   backend,
		blockSize: blockSize,
		length:    length,
		loaded:    bitmap.NewSlice(int(length)),
		dirty:     bitmap.NewSlice(int(length)),
		data:      make([]byte, blockSize*length),
	}
}

// BlockSize returns the size of one block, in bytes.
func (cache *Cache) BlockSize() uint {
	return cache.blockSize
}

// Len returns the number of blocks in the region.
func (cache *Cache) Len() uint {
	return cache.length
}

func (cache *Cache) checkIndex(index blockdev.LogicalBlock) error {
	if uint(index) >= cache.length {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("block %d not in range [0, %d)", index, cache.length))
	}
	return nil
}

func (cache *Cache) slice(index blockdev.LogicalBlock) []byte {
	start := uint(index) * cache.blockSize
	return cache.data[start : start+cache.blockSize]
}

// Block returns the cached contents of one block, reading it first if it
// isn't resident. The slice aliases the cache; call MarkDirty after changing
// it.
func (cache *Cache) Block(index blockdev.LogicalBlock) ([]byte, error) {
	if err := cache.checkIndex(index); err != nil {
		return nil, err
	}

	buffer := cache.slice(index)
	if cache.loaded.Get(int(index)) {
		return buffer, nil
	}

	err := cache.backend.FetchBlock(index, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to load block %d: %w", index, err)
	}
	cache.loaded.Set(int(index), true)
	return buffer, nil
}

// Zero returns a block filled with zeroes without reading it. The block is
// already marked dirty.
func (cache *Cache) Zero(index blockdev.LogicalBlock) ([]byte, error) {
	if err := cache.checkIndex(index); err != nil {
		return nil, err
	}

	buffer := cache.slice(index)
	clear(buffer)
	cache.loaded.Set(int(index), true)
	cache.dirty.Set(int(index), true)
	return buffer, nil
}

// MarkDirty flags a resident block so the next Flush writes it.
func (cache *Cache) MarkDirty(index blockdev.LogicalBlock) error {
	if err := cache.checkIndex(index); err != nil {
		return err
	}
	if !cache.loaded.Get(int(index)) {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf("block %d was marked dirty before it was loaded", index))
	}
	cache.dirty.Set(int(index), true)
	return nil
}

// IsDirty reports whether a block changed since it was last flushed.
func (cache *Cache) IsDirty(index blockdev.LogicalBlock) bool {
	return uint(index) < cache.length && cache.dirty.Get(int(index))
}

// DirtyCount returns the number of blocks waiting to be flushed.
func (cache *Cache) DirtyCount() int {
	count := 0
	for i := 0; i < int(cache.length); i++ {
		if cache.dirty.Get(i) {
			count++
		}
	}
	return count
}

// LoadAll reads every block that isn't resident yet.
func (cache *Cache) LoadAll() error {
	for i := uint(0); i < cache.length; i++ {
		if _, err := cache.Block(blockdev.LogicalBlock(i)); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes every dirty block in index order. A block that fails to write
// stays dirty and the rest are still attempted; all failures are returned.
func (cache *Cache) Flush() error {
	var result *multierror.Error
	for i := uint(0); i < cache.length; i++ {
		if !cache.dirty.Get(int(i)) {
			continue
		}

		index := blockdev.LogicalBlock(i)
		err := cache.backend.FlushBlock(index, cache.slice(index))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to flush block %d: %w", i, err))
			continue
		}
		cache.dirty.Set(int(i), false)
	}
	return result.ErrorOrNil()
}
