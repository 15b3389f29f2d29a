// Package clock isolates wall-clock access so tests can drive time.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// NowMs is the engine's canonical timestamp unit: wall-clock milliseconds.
func NowMs(c Clock) int64 { return c.Now().UnixMilli() }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func Real() Clock { return realClock{} }
