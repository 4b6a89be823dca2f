package util

import "math"

// Assert panics with the message if the condition is false. It is used to validate builder arguments.
func Assert(condition bool, message string) {
	if !condition {
		panic(message)
	}
}

// RoundDown rounds the unix nano time down to the nearest multiple of the interval.
func RoundDown(unixNanos int64, interval int64) int64 {
	rem := unixNanos % interval
	if rem < 0 {
		rem += interval
	}
	return unixNanos - rem
}

// IsFinite returns whether the value is neither NaN nor infinite.
func IsFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
