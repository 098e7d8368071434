// Package errors is a compatibility shim for the POSIX errno codes carried in
// the error field of the control envelope. Values match the Linux ABI so that
// an envelope can be handed to an ioctl-style transport unchanged.
package errors

import (
	"fmt"
)

type Errno int32

const (
	EOK          Errno = 0
	EPERM        Errno = 1
	ENOENT       Errno = 2
	EIO          Errno = 5
	ENXIO        Errno = 6
	EAGAIN       Errno = 11
	EFAULT       Errno = 14
	EBUSY        Errno = 16
	EEXIST       Errno = 17
	ENODEV       Errno = 19
	EINVAL       Errno = 22
	ENOSPC       Errno = 28
	EROFS        Errno = 30
	ERANGE       Errno = 34
	ENAMETOOLONG Errno = 36
	ENOSYS       Errno = 38
	ENOTSUP      Errno = 95
	EALREADY     Errno = 114
	EUCLEAN      Errno = 117
)

var errorMessagesByCode = map[Errno]string{
	EOK:          "Success",
	EPERM:        "Operation not permitted",
	ENOENT:       "No such file or directory",
	EIO:          "Input/output error",
	ENXIO:        "No such device or address",
	EAGAIN:       "Resource temporarily unavailable",
	EFAULT:       "Bad address",
	EBUSY:        "Device or resource busy",
	EEXIST:       "File exists",
	ENODEV:       "No such device",
	EINVAL:       "Invalid argument",
	ENOSPC:       "No space left on device",
	EROFS:        "Read-only file system",
	ERANGE:       "Numerical result out of range",
	ENAMETOOLONG: "File name too long",
	ENOSYS:       "Function not implemented",
	ENOTSUP:      "Operation not supported",
	EALREADY:     "Operation already in progress",
	EUCLEAN:      "Structure needs cleaning",
}

// StrError returns the standard message for an errno code.
func StrError(code Errno) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}

func (code Errno) String() string {
	return StrError(code)
}

// Error lets an errno code read back from a control envelope be returned as
// an error.
func (code Errno) Error() string {
	return StrError(code)
}
