package walb_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dargueta/walb"
	werrors "github.com/dargueta/walb/errors"
	"github.com/stretchr/testify/assert"
)

func TestDeviceErrorWithMessage(t *testing.T) {
	newErr := walb.ErrOverflow.WithMessage("asdfqwerty")
	assert.Equal(
		t, "Log space overflow: asdfqwerty", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, walb.ErrOverflow)
	assert.Equal(t, werrors.ENOSPC, newErr.Errno())
}

func TestDeviceErrorWrap(t *testing.T) {
	originalErr := errors.New("original error")
	newErr := walb.ErrSyncFailed.Wrap(originalErr)
	expectedMessage := "Sync to stable storage failed: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, walb.ErrSyncFailed, "device error not set as parent")
	assert.NotErrorIs(t, newErr, walb.ErrInconsistent)
}

func TestDeviceErrorWithMessage__Chained(t *testing.T) {
	derived := walb.ErrConflict.WithMessage("minor")
	newErr := derived.WithMessage("minor 4 is taken")

	assert.ErrorIs(t, newErr, derived)
	assert.ErrorIs(t, newErr, walb.ErrConflict)
	assert.Equal(t, "Key already registered: minor: minor 4 is taken", newErr.Error())
}

func TestIsFatal(t *testing.T) {
	assert.True(t, walb.IsFatal(walb.ErrInconsistent.WithMessage("watermarks out of order")))
	assert.False(t, walb.IsFatal(walb.ErrInvalidArgument))
	assert.False(t, walb.IsFatal(nil))
}

func TestErrnoOf(t *testing.T) {
	assert.Equal(t, werrors.EOK, walb.ErrnoOf(nil))
	assert.Equal(t, werrors.EROFS, walb.ErrnoOf(walb.ErrReadOnly))
	assert.Equal(
		t,
		werrors.EEXIST,
		walb.ErrnoOf(fmt.Errorf("register: %w", walb.ErrConflict.WithMessage("name"))),
	)
	assert.Equal(t, werrors.EFAULT, walb.ErrnoOf(errors.New("foreign")))
}
