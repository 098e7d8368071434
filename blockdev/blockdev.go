// Package blockdev adapts a byte stream into a volume that can only be read
// or written in whole physical blocks. The log and data volumes of a walb
// device are both accessed through it.
package blockdev

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dargueta/walb"
)

// PhysicalBlock is the index of a physical block on a volume.
type PhysicalBlock uint64

// LogicalBlock is the index of a block relative to the start of a region, such
// as the snapshot metadata area of a log volume.
type LogicalBlock uint

// BlockDevice is an abstraction layer around a stream to make it look like a
// block volume, e.g. a file that can only be read from or written to in
// multiples of its fundamental unit, a "block".
//
// The exposed fields are for informational purposes only and should never be
// changed.
type BlockDevice struct {
	// BlockSize gives the size of a physical block on this volume, in bytes.
	// All reads and writes must be done in integer multiples of this size.
	BlockSize uint
	// StartOffset is an offset from the beginning of the stream, in bytes, that
	// will be considered the beginning of block 0 for the volume.
	StartOffset int64

	// mu serializes seek+read and seek+write pairs on the shared stream.
	mu          sync.Mutex
	totalBlocks uint64
	stream      io.ReadWriteSeeker
}

// New creates a BlockDevice on top of `stream`. The size of the volume is
// taken from the size of the stream, rounded down to the nearest block.
func New(stream io.ReadWriteSeeker, blockSize uint, startOffset int64) (*BlockDevice, error) {
	if blockSize == 0 || blockSize%512 != 0 {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("block size must be a non-zero multiple of 512, got %d", blockSize))
	}

	device := &BlockDevice{
		BlockSize:   blockSize,
		StartOffset: startOffset,
		stream:      stream,
	}
	if _, err := device.Refresh(); err != nil {
		return nil, err
	}
	return device, nil
}

// OpenFile opens an image file or a block special file for read/write access.
func OpenFile(path string, blockSize uint) (*BlockDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, walb.ErrIOFailed.Wrap(err)
	}

	device, err := New(file, blockSize, 0)
	if err != nil {
		file.Close()
		return nil, err
	}
	return device, nil
}

// TotalBlocks returns the size of the volume as of the last call to Refresh.
func (device *BlockDevice) TotalBlocks() uint64 {
	device.mu.Lock()
	defer device.mu.Unlock()
	return device.totalBlocks
}

// Refresh re-reads the size of the underlying stream. This is how growth of a
// log volume is detected.
func (device *BlockDevice) Refresh() (uint64, error) {
	device.mu.Lock()
	defer device.mu.Unlock()

	end, err := device.stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, walb.ErrIOFailed.Wrap(err)
	}
	if end < device.StartOffset {
		return 0, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"start offset %d is past the end of the stream (%d bytes)",
				device.StartOffset,
				end))
	}

	device.totalBlocks = uint64(end-device.StartOffset) / uint64(device.BlockSize)
	return device.totalBlocks, nil
}

// blockToOffset converts a block index into a byte offset into the backing
// stream.
func (device *BlockDevice) blockToOffset(block PhysicalBlock) (int64, error) {
	if uint64(block) >= device.totalBlocks {
		return -1,
			walb.ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"invalid block %d: not in range [0, %d)",
					block,
					device.totalBlocks))
	}
	return device.StartOffset + (int64(block) * int64(device.BlockSize)), nil
}

// checkIOBounds verifies that `dataLength` bytes can be transferred starting
// at `block`.
func (device *BlockDevice) checkIOBounds(block PhysicalBlock, dataLength uint) error {
	if uint64(block) >= device.totalBlocks {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid block %d: not in range [0, %d)",
				block,
				device.totalBlocks))
	}

	if dataLength%device.BlockSize != 0 {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"data must be a multiple of the block size (%d B), got %d (remainder %d)",
				device.BlockSize,
				dataLength,
				dataLength%device.BlockSize))
	}

	dataSizeInBlocks := uint64(dataLength / device.BlockSize)
	if uint64(block)+dataSizeInBlocks > device.totalBlocks {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"block %d plus %d blocks of data extends past end of volume",
				block,
				dataSizeInBlocks))
	}

	return nil
}

func (device *BlockDevice) seekToBlock(block PhysicalBlock) error {
	offset, err := device.blockToOffset(block)
	if err != nil {
		return err
	}
	_, err = device.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return walb.ErrIOFailed.Wrap(err)
	}
	return nil
}

// ReadBlocks reads `count` blocks starting at `block`.
func (device *BlockDevice) ReadBlocks(block PhysicalBlock, count uint) ([]byte, error) {
	device.mu.Lock()
	defer device.mu.Unlock()

	err := device.checkIOBounds(block, count*device.BlockSize)
	if err != nil {
		return nil, err
	}

	err = device.seekToBlock(block)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, device.BlockSize*count)
	_, err = io.ReadFull(device.stream, buffer)
	if err != nil {
		return nil, walb.ErrIOFailed.Wrap(err)
	}
	return buffer, nil
}

// WriteBlocks writes data to the volume. `data` must be a multiple of the block
// size. The data isn't guaranteed to be durable until Sync returns.
func (device *BlockDevice) WriteBlocks(block PhysicalBlock, data []byte) error {
	device.mu.Lock()
	defer device.mu.Unlock()

	err := device.checkIOBounds(block, uint(len(data)))
	if err != nil {
		return err
	}

	err = device.seekToBlock(block)
	if err != nil {
		return err
	}

	_, err = device.stream.Write(data)
	if err != nil {
		return walb.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Sync waits until every completed write is on stable storage.
func (device *BlockDevice) Sync() error {
	device.mu.Lock()
	defer device.mu.Unlock()

	var err error
	switch stream := device.stream.(type) {
	case *os.File:
		err = syncFile(stream)
	case interface{ Sync() error }:
		err = stream.Sync()
	}
	if err != nil {
		return walb.ErrSyncFailed.Wrap(err)
	}
	return nil
}

// IsDurable returns true if Sync reaches stable storage, i.e. the volume can
// honor flush requests.
func (device *BlockDevice) IsDurable() bool {
	switch device.stream.(type) {
	case *os.File, interface{ Sync() error }:
		return true
	}
	return false
}

// Close closes the underlying stream if it supports it.
func (device *BlockDevice) Close() error {
	device.mu.Lock()
	defer device.mu.Unlock()

	if closer, ok := device.stream.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
