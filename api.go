package walb

// Version is reported by the GetVersion control command.
const Version uint32 = 0x00010000

// DynamicMinor asks the registry to pick a free minor number.
const DynamicMinor = ^uint32(0)

// NameMaxLen is the size of the name field in the superblock and in the
// fixed-size records of the control protocol, including the trailing NUL.
const NameMaxLen = 64

// DevT identifies a block volume the way the kernel does, by major and minor
// number.
type DevT struct {
	Major uint32
	Minor uint32
}

// LogScanner is the log-parsing collaborator. The core never parses logpacks
// itself; it only asks whether an LSID starts a valid one.
type LogScanner interface {
	// IsValidLogpack returns true if a logpack header that passes its checksum
	// begins at `lsid`.
	IsValidLogpack(lsid uint64) bool

	// InvalidateLogpack overwrites the logpack header at `lsid` so that a
	// later log scan stops there.
	InvalidateLogpack(lsid uint64) error
}
