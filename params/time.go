package params

import (
	"fmt"
	"time"
)

// Timestamp is a point in time, in milliseconds since the Unix epoch.
// All protocol timestamps are carried on the wire as plain uint64
// milliseconds; conversion to time.Time happens only at the edges.
type Timestamp uint64

// TimeDiff is a duration in milliseconds.
type TimeDiff uint64

// TimestampFromTime converts a time.Time to a protocol timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Add returns the timestamp shifted forward by d.
func (t Timestamp) Add(d TimeDiff) Timestamp {
	return t + Timestamp(d)
}

// Diff returns the difference t - other, saturating at zero.
func (t Timestamp) Diff(other Timestamp) TimeDiff {
	if other > t {
		return 0
	}
	return TimeDiff(t - other)
}

// Max returns the later of t and other.
func (t Timestamp) Max(other Timestamp) Timestamp {
	if other > t {
		return other
	}
	return t
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d", uint64(t))
}

// Millis returns the raw millisecond value.
func (t Timestamp) Millis() uint64 {
	return uint64(t)
}

// TimeDiffFromDuration converts a time.Duration to a TimeDiff,
// truncating to millisecond precision.
func TimeDiffFromDuration(d time.Duration) TimeDiff {
	return TimeDiff(d.Milliseconds())
}

// Duration converts the TimeDiff to a time.Duration.
func (d TimeDiff) Duration() time.Duration {
	return time.Duration(d) * time.Millisecond
}

// Millis returns the raw millisecond value.
func (d TimeDiff) Millis() uint64 {
	return uint64(d)
}

func (d TimeDiff) String() string {
	return d.Duration().String()
}
