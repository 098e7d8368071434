// Package snapshot keeps the catalog of named snapshots of a walb device and
// persists it in the snapshot metadata region of the log volume.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/noxer/bytewriter"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/sequence"
)

// NameMaxLen is the size of the name field of a record, including the
// terminating NUL.
const NameMaxLen = 64

// RecordSize is the size of an encoded Record, in bytes.
const RecordSize = 84

// InvalidSnapshotID is never assigned. ListFrom returns it when there are no
// more records.
const InvalidSnapshotID uint32 = math.MaxUint32

var validNameRegex = regexp.MustCompile(`^[-_0-9A-Za-z]{1,63}$`)

// ValidName returns true if `name` can be used as a snapshot name.
func ValidName(name string) bool {
	return validNameRegex.MatchString(name)
}

// Record is one named snapshot. The record pins LSID: the ring buffer can't be
// reclaimed past it while the record exists.
type Record struct {
	Name       string `csv:"name"`
	LSID       uint64 `csv:"lsid"`
	Timestamp  uint64 `csv:"timestamp"`
	SnapshotID uint32 `csv:"snapshot_id"`
}

// rawRecord is the on-disk and on-wire layout of a Record.
type rawRecord struct {
	LSID       uint64
	Timestamp  uint64
	SnapshotID uint32
	Name       [NameMaxLen]byte
}

// Time returns the timestamp of the record as a time.
func (record Record) Time() time.Time {
	return time.Unix(int64(record.Timestamp), 0).UTC()
}

// IsValid returns true if the record could be stored in a catalog.
func (record Record) IsValid() bool {
	return ValidName(record.Name) && record.LSID != sequence.InvalidLSID
}

func (record Record) String() string {
	return fmt.Sprintf(
		"%s (id %d, lsid %d, ts %d)",
		record.Name,
		record.SnapshotID,
		record.LSID,
		record.Timestamp,
	)
}

// MarshalBinary encodes the record into its fixed RecordSize-byte form.
func (record Record) MarshalBinary() ([]byte, error) {
	if len(record.Name) >= NameMaxLen {
		return nil, walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("snapshot name is %d bytes, max is %d", len(record.Name), NameMaxLen-1))
	}

	raw := rawRecord{
		LSID:       record.LSID,
		Timestamp:  record.Timestamp,
		SnapshotID: record.SnapshotID,
	}
	copy(raw.Name[:], record.Name)

	output := make([]byte, RecordSize)
	writer := bytewriter.New(output)
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return nil, walb.ErrInconsistent.Wrap(err)
	}
	return output, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary. The name isn't
// validated here; use IsValid for that.
func (record *Record) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return walb.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("snapshot record needs %d bytes, got %d", RecordSize, len(data)))
	}

	var raw rawRecord
	err := binary.Read(bytes.NewReader(data[:RecordSize]), binary.LittleEndian, &raw)
	if err != nil {
		return walb.ErrInvalidArgument.Wrap(err)
	}

	nameLength := bytes.IndexByte(raw.Name[:], 0)
	if nameLength < 0 {
		return walb.ErrInvalidArgument.WithMessage("snapshot name isn't terminated")
	}

	record.Name = string(raw.Name[:nameLength])
	record.LSID = raw.LSID
	record.Timestamp = raw.Timestamp
	record.SnapshotID = raw.SnapshotID
	return nil
}
