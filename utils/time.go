package utils

import "time"

// MakeTicks returns ticks (UTC nanoseconds since unix epoch) from time.Time
func MakeTicks(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// ParseTicks returns UTC time.Time from ticks
func ParseTicks(ticks int64) time.Time {
	return time.Unix(0, ticks).UTC()
}
