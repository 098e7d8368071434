package checksum_test

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/checksum"
)

func TestChecksum__SelfCancelling(t *testing.T) {
	block := make([]byte, 512)
	rand.Read(block[4:])

	const salt = 0xdeadbeef
	binary.LittleEndian.PutUint32(block, checksum.Compute(block, salt))
	require.NoError(t, checksum.Verify(block, salt))

	assert.ErrorIs(t, checksum.Verify(block, salt+1), walb.ErrInconsistent, "wrong salt accepted")

	block[100] ^= 0x01
	assert.ErrorIs(t, checksum.Verify(block, salt), walb.ErrInconsistent, "bit flip not detected")
}

func TestChecksum__Sum(t *testing.T) {
	block := []byte{1, 0, 0, 0, 2, 0, 0, 0}
	assert.EqualValues(t, 3, checksum.Sum(block, 0))
	assert.EqualValues(t, 10, checksum.Sum(block, 7))
}

func TestChecksum__Verify__BadLength(t *testing.T) {
	assert.ErrorIs(t, checksum.Verify(make([]byte, 7), 0), walb.ErrInvalidArgument)
}
