package domain

import "time"

// SchemaVersion is stamped on every persisted or broadcast record. Readers
// accept any record whose version is not newer than this one.
const SchemaVersion = 1

// Millis converts t to unix milliseconds, the timestamp unit of the wire schema.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds back to a UTC time. Zero maps to the
// zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
