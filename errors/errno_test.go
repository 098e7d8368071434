package errors_test

import (
	"testing"

	"github.com/dargueta/walb/errors"
	"github.com/stretchr/testify/assert"
)

func TestStrError__Known(t *testing.T) {
	assert.Equal(t, "Structure needs cleaning", errors.StrError(errors.EUCLEAN))
	assert.Equal(t, "No space left on device", errors.ENOSPC.String())
}

func TestStrError__Unknown(t *testing.T) {
	assert.Equal(t, "error 9999 not recognized.", errors.StrError(errors.Errno(9999)))
}

func TestErrno__Error(t *testing.T) {
	var err error = errors.ENODEV
	assert.EqualError(t, err, "No such device")
}
