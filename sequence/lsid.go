// Package sequence keeps the LSID watermarks of a walb device and accounts for
// space in the log ring buffer.
package sequence

import (
	"fmt"
	"math"

	"github.com/dargueta/walb"
)

// InvalidLSID is never allocated. It marks "unspecified" in requests and "no
// more records" in paged listings.
const InvalidLSID uint64 = math.MaxUint64

// MaxLSID is the largest LSID that can be allocated.
const MaxLSID uint64 = InvalidLSID - 1

// LsidSet is a consistent copy of every watermark of a device.
//
// The watermarks are always ordered:
//
//	Oldest <= Written <= Completed <= Permanent <= Flush <= Latest
//
// PrevWritten is the Written value as of the last checkpoint.
type LsidSet struct {
	// Latest is one past the highest LSID handed out to a log write.
	Latest uint64 `yaml:"latest"`
	// Flush is the highest LSID whose log write is on stable storage.
	Flush uint64 `yaml:"flush"`
	// Permanent and Completed only differ when the fast algorithm is in use.
	Permanent uint64 `yaml:"permanent"`
	Completed uint64 `yaml:"completed"`
	// Written is the durability watermark exposed to clients: everything below
	// it is on both the log and the data volume.
	Written     uint64 `yaml:"written"`
	PrevWritten uint64 `yaml:"prev_written"`
	// Oldest is the lowest LSID still needed. Ring blocks below it can be
	// reused.
	Oldest uint64 `yaml:"oldest"`
}

// Validate checks the ordering of the watermarks. A violation is always
// reported as [walb.ErrInconsistent].
func (lsids LsidSet) Validate() error {
	ordered := lsids.Oldest <= lsids.Written &&
		lsids.Written <= lsids.Completed &&
		lsids.Completed <= lsids.Permanent &&
		lsids.Permanent <= lsids.Flush &&
		lsids.Flush <= lsids.Latest &&
		lsids.PrevWritten <= lsids.Written
	if !ordered {
		return walb.ErrInconsistent.WithMessage(
			fmt.Sprintf("watermarks out of order: %s", lsids.String()))
	}
	return nil
}

func (lsids LsidSet) String() string {
	return fmt.Sprintf(
		"oldest=%d written=%d prev_written=%d completed=%d permanent=%d flush=%d latest=%d",
		lsids.Oldest,
		lsids.Written,
		lsids.PrevWritten,
		lsids.Completed,
		lsids.Permanent,
		lsids.Flush,
		lsids.Latest,
	)
}

// Recovered returns the watermarks of a device that was just opened. Only the
// persisted values survive a restart; everything past Written is rebuilt by a
// log scan, which isn't done here.
func Recovered(oldest, written uint64) LsidSet {
	return LsidSet{
		Latest:      written,
		Flush:       written,
		Permanent:   written,
		Completed:   written,
		Written:     written,
		PrevWritten: written,
		Oldest:      oldest,
	}
}

// Range is a half-open run of LSIDs, [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of LSIDs in the range.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}
