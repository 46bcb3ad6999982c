package clock

import "time"

// NowFunc returns current time. Override in tests for determinism.
var NowFunc = time.Now

// Now is a thin wrapper around NowFunc.
func Now() time.Time { return NowFunc() }

// Since returns the elapsed time relative to NowFunc.
func Since(t time.Time) time.Duration { return Now().Sub(t) }

// Freeze pins the clock at t and returns a restore function; intended for
// tests that need reproducible timestamps.
func Freeze(t time.Time) (restore func()) {
	prev := NowFunc
	NowFunc = func() time.Time { return t }
	return func() { NowFunc = prev }
}
