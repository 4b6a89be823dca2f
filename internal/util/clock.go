package util

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

// WallClock is a Clock backed by time.Now.
var WallClock Clock = wallClock{}
