package model

import (
	"fmt"
	"time"
)

// Timestamp is a wall-clock instant with nanosecond precision,
// normalized so that 0 <= Nanos < 1e9.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos))
}

func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Seconds < other.Seconds:
		return -1
	case t.Seconds > other.Seconds:
		return 1
	case t.Nanos < other.Nanos:
		return -1
	case t.Nanos > other.Nanos:
		return 1
	default:
		return 0
	}
}

func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanos == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanos)
}

func (t Timestamp) Zip() []byte {
	return ZipUint64Pair(uint64(t.Seconds), uint64(t.Nanos))
}

func UnzipTimestamp(zip []byte) Timestamp {
	secs, nanos := UnzipUint64Pair(zip)
	return Timestamp{Seconds: int64(secs), Nanos: int32(nanos)}
}

// SnapshotVersion is the logical document/commit version assigned by the
// server. The zero value is the minimum version, used for synthesized
// no-documents and "unknown" read times.
type SnapshotVersion struct {
	Timestamp
}

func MinVersion() SnapshotVersion {
	return SnapshotVersion{}
}

func VersionFromTime(t time.Time) SnapshotVersion {
	return SnapshotVersion{TimestampFromTime(t)}
}

func VersionFromTimestamp(ts Timestamp) SnapshotVersion {
	return SnapshotVersion{ts}
}

func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return v.Timestamp.Compare(other.Timestamp)
}

func (v SnapshotVersion) Equal(other SnapshotVersion) bool {
	return v.Compare(other) == 0
}
