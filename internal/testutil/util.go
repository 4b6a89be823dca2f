package testutil

import (
	"sync/atomic"
	"time"
)

// TestClock is a Clock whose time, in millis since the unix epoch, is set by tests.
type TestClock struct {
	currentTime atomic.Int64
}

// NewTestClock returns a TestClock set to the millis.
func NewTestClock(millis int64) *TestClock {
	clock := &TestClock{}
	clock.SetTime(millis)
	return clock
}

func (t *TestClock) Now() time.Time {
	return time.UnixMilli(t.currentTime.Load())
}

// SetTime sets the clock to the millis.
func (t *TestClock) SetTime(millis int64) {
	t.currentTime.Store(millis)
}

// Advance moves the clock forward by the duration.
func (t *TestClock) Advance(duration time.Duration) {
	t.currentTime.Add(duration.Milliseconds())
}

// Time returns the time for the millis since the unix epoch.
func Time(millis int64) time.Time {
	return time.UnixMilli(millis)
}
