// Package checksum implements the sector checksum used by every metadata
// block on a walb log volume.
//
// The checksum is the two's complement of the salted sum of all little-endian
// 32-bit words in the block. A block storing its own checksum therefore sums
// to zero (plus the salt), so it can be verified without first blanking the
// checksum field.
package checksum

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/walb"
)

// Sum returns the salted word sum of `data`. len(data) must be a multiple of
// 4.
func Sum(data []byte, salt uint32) uint32 {
	sum := salt
	for i := 0; i+4 <= len(data); i += 4 {
		sum += binary.LittleEndian.Uint32(data[i : i+4])
	}
	return sum
}

// Compute returns the value to store in a block's checksum field. The field
// itself must be zero when this is called.
func Compute(data []byte, salt uint32) uint32 {
	return ^Sum(data, salt) + 1
}

// Verify checks a block whose checksum field has been filled in.
func Verify(data []byte, salt uint32) error {
	if len(data)%4 != 0 {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("block size %d isn't a multiple of 4", len(data)))
	}
	if sum := Sum(data, salt); sum != 0 {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf("checksum mismatch, block sums to %#08x", sum))
	}
	return nil
}
