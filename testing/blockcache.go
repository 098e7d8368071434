package testing

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/blockdev"
	"github.com/dargueta/walb/blockdev/blockcache"
)

// RandomImage returns `count` blocks of random bytes, or fails the test.
func RandomImage(t *testing.T, blockSize, count uint) []byte {
	image := make([]byte, blockSize*count)
	_, err := rand.Read(image)
	require.NoErrorf(t, err, "failed to fill %d blocks of %d bytes", count, blockSize)
	return image
}

// ImageBackend serves a block cache from a byte slice and counts the calls it
// receives.
type ImageBackend struct {
	Image     []byte
	BlockSize uint
	// ReadOnly makes every flush fail the test.
	ReadOnly bool
	// FailFlush makes flushes of the listed blocks return ErrInjected.
	FailFlush map[blockdev.LogicalBlock]bool

	Fetches int
	Flushes int

	t *testing.T
}

func (backend *ImageBackend) span(index blockdev.LogicalBlock) ([]byte, error) {
	start := uint(index) * backend.BlockSize
	if start+backend.BlockSize > uint(len(backend.Image)) {
		message := fmt.Sprintf("block %d is past the end of the image", index)
		backend.t.Error(message)
		return nil, walb.ErrIOFailed.WithMessage(message)
	}
	return backend.Image[start : start+backend.BlockSize], nil
}

func (backend *ImageBackend) FetchBlock(index blockdev.LogicalBlock, buffer []byte) error {
	backend.Fetches++
	source, err := backend.span(index)
	if err != nil {
		return err
	}
	copy(buffer, source)
	return nil
}

func (backend *ImageBackend) FlushBlock(index blockdev.LogicalBlock, buffer []byte) error {
	if backend.ReadOnly {
		message := fmt.Sprintf("flushed block %d of a read-only image", index)
		backend.t.Error(message)
		return walb.ErrReadOnly.WithMessage(message)
	}
	if backend.FailFlush[index] {
		return ErrInjected
	}

	backend.Flushes++
	target, err := backend.span(index)
	if err != nil {
		return err
	}
	copy(target, buffer)
	return nil
}

// NewImageCache creates a cache over `image`, which is filled with random
// data when nil.
func NewImageCache(
	t *testing.T,
	blockSize,
	count uint,
	image []byte,
	readOnly bool,
) (*blockcache.Cache, *ImageBackend) {
	if image == nil {
		image = RandomImage(t, blockSize, count)
	}
	backend := &ImageBackend{
		Image:     image,
		BlockSize: blockSize,
		ReadOnly:  readOnly,
		FailFlush: map[blockdev.LogicalBlock]bool{},
		t:         t,
	}
	return blockcache.New(backend, blockSize, count), backend
}
