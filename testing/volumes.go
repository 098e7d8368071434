package testing

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/dargueta/walb/blockdev"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// ErrInjected is returned by a MemoryVolume when a failure has been requested
// with FailWrites or FailSync.
var ErrInjected = errors.New("injected I/O failure")

// MemoryVolume is an in-memory stream that stands in for a log or data volume.
// It supports growing (to exercise log volume resizing) and failure injection
// for writes and syncs.
type MemoryVolume struct {
	mu         sync.Mutex
	size       int
	stream     *bytesextra.ReadWriteSeeker
	failWrites bool
	failSync   bool
	syncCount  int
}

// NewMemoryVolume creates a zero-filled volume of `totalBlocks` blocks.
func NewMemoryVolume(bytesPerBlock, totalBlocks uint) *MemoryVolume {
	storage := make([]byte, bytesPerBlock*totalBlocks)
	return &MemoryVolume{
		size:   len(storage),
		stream: bytesextra.NewReadWriteSeeker(storage),
	}
}

func (volume *MemoryVolume) Read(buffer []byte) (int, error) {
	volume.mu.Lock()
	defer volume.mu.Unlock()
	return volume.stream.Read(buffer)
}

func (volume *MemoryVolume) Write(buffer []byte) (int, error) {
	volume.mu.Lock()
	defer volume.mu.Unlock()

	if volume.failWrites {
		return 0, ErrInjected
	}
	return volume.stream.Write(buffer)
}

func (volume *MemoryVolume) Seek(offset int64, whence int) (int64, error) {
	volume.mu.Lock()
	defer volume.mu.Unlock()
	return volume.stream.Seek(offset, whence)
}

// Sync counts the call and fails if FailSync was requested.
func (volume *MemoryVolume) Sync() error {
	volume.mu.Lock()
	defer volume.mu.Unlock()

	if volume.failSync {
		return ErrInjected
	}
	volume.syncCount++
	return nil
}

// FailWrites makes every following write fail (or succeed again).
func (volume *MemoryVolume) FailWrites(fail bool) {
	volume.mu.Lock()
	defer volume.mu.Unlock()
	volume.failWrites = fail
}

// FailSync makes every following sync fail (or succeed again).
func (volume *MemoryVolume) FailSync(fail bool) {
	volume.mu.Lock()
	defer volume.mu.Unlock()
	volume.failSync = fail
}

// SyncCount returns the number of successful syncs.
func (volume *MemoryVolume) SyncCount() int {
	volume.mu.Lock()
	defer volume.mu.Unlock()
	return volume.syncCount
}

// Grow appends `extraBytes` zero bytes to the end of the volume. The stream
// position is preserved.
func (volume *MemoryVolume) Grow(extraBytes uint) {
	volume.mu.Lock()
	defer volume.mu.Unlock()

	position, _ := volume.stream.Seek(0, io.SeekCurrent)
	grown := make([]byte, volume.size+int(extraBytes))
	copy(grown, volume.contentsLocked())

	volume.size = len(grown)
	volume.stream = bytesextra.NewReadWriteSeeker(grown)
	volume.stream.Seek(position, io.SeekStart)
}

// Bytes returns a copy of the volume's contents.
func (volume *MemoryVolume) Bytes() []byte {
	volume.mu.Lock()
	defer volume.mu.Unlock()
	return volume.contentsLocked()
}

func (volume *MemoryVolume) contentsLocked() []byte {
	position, _ := volume.stream.Seek(0, io.SeekCurrent)
	defer volume.stream.Seek(position, io.SeekStart)

	out := make([]byte, volume.size)
	volume.stream.Seek(0, io.SeekStart)
	io.ReadFull(volume.stream, out)
	return out
}

// NewMemoryBlockDevice creates a MemoryVolume and wraps it in a BlockDevice.
// It is guaranteed to either succeed or fail the test and abort.
func NewMemoryBlockDevice(
	t *testing.T, bytesPerBlock, totalBlocks uint,
) (*blockdev.BlockDevice, *MemoryVolume) {
	volume := NewMemoryVolume(bytesPerBlock, totalBlocks)
	device, err := blockdev.New(volume, bytesPerBlock, 0)
	require.NoError(t, err, "failed to wrap memory volume")
	require.EqualValues(t, totalBlocks, device.TotalBlocks())
	return device, volume
}
