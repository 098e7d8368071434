package walb

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	werrors "github.com/dargueta/walb/errors"
)

// DeviceError is the error type returned by every component of a walb device.
// Each error carries an errno code so the control protocol can report it in
// the envelope without guessing.
type DeviceError interface {
	error
	Errno() werrors.Errno
	WithMessage(message string) DeviceError
	Wrap(err error) DeviceError
}

type baseDeviceError struct {
	errno   werrors.Errno
	message string
}

func newBaseError(errno werrors.Errno, message string) baseDeviceError {
	return baseDeviceError{errno: errno, message: message}
}

// Caller errors. These never change device state.
var ErrConflict = newBaseError(werrors.EEXIST, "Key already registered")
var ErrNotFound = newBaseError(werrors.ENOENT, "No such entry")
var ErrInvalidArgument = newBaseError(werrors.EINVAL, "Invalid argument")

// ErrOverflow means the ring buffer has no room for the requested log space.
var ErrOverflow = newBaseError(werrors.ENOSPC, "Log space overflow")

// ErrSyncFailed means persisting state failed. The device that returned it
// has been switched to read-only mode.
var ErrSyncFailed = newBaseError(werrors.EIO, "Sync to stable storage failed")

// ErrInconsistent reports a broken internal invariant. It is never the
// caller's fault and must not be retried.
var ErrInconsistent = newBaseError(werrors.EUCLEAN, "Internal state is inconsistent")

var ErrIOFailed = newBaseError(werrors.EIO, "Input/output error")
var ErrReadOnly = newBaseError(werrors.EROFS, "Device is read-only")
var ErrNoDevice = newBaseError(werrors.ENODEV, "No such device")
var ErrBusy = newBaseError(werrors.EBUSY, "Device or resource busy")
var ErrAlreadyFrozen = newBaseError(werrors.EALREADY, "Device already frozen")
var ErrNotFrozen = newBaseError(werrors.EPERM, "Device not frozen")
var ErrNotSupported = newBaseError(werrors.ENOTSUP, "Operation not supported")

func (e baseDeviceError) Error() string {
	return e.message
}

func (e baseDeviceError) Errno() werrors.Errno {
	return e.errno
}

func (e baseDeviceError) WithMessage(message string) DeviceError {
	return customDeviceError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		errno:         e.errno,
		originalError: e,
	}
}

func (e baseDeviceError) Wrap(err error) DeviceError {
	return customDeviceError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		errno:         e.errno,
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customDeviceError struct {
	message       string
	errno         werrors.Errno
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customDeviceError) Error() string {
	return e.message
}

func (e customDeviceError) Errno() werrors.Errno {
	return e.errno
}

func (e customDeviceError) WithMessage(message string) DeviceError {
	return customDeviceError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		errno:         e.errno,
		originalError: e,
	}
}

func (e customDeviceError) Wrap(err error) DeviceError {
	return customDeviceError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		errno:         e.errno,
		originalError: multierror.Append(e, err),
	}
}

func (e customDeviceError) Unwrap() error {
	return e.originalError
}

// -----------------------------------------------------------------------------

// IsFatal returns true if `err` reports a broken invariant rather than a
// recoverable condition.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInconsistent)
}

// ErrnoOf returns the errno code to report for `err`. Errors that didn't come
// from this module map to EFAULT, matching the fallback of the ioctl layer.
func ErrnoOf(err error) werrors.Errno {
	if err == nil {
		return werrors.EOK
	}

	var deviceErr DeviceError
	if errors.As(err, &deviceErr) {
		return deviceErr.Errno()
	}
	return werrors.EFAULT
}
