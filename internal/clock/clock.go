// Package clock provides the wall-clock source used for journal timestamps
// and token-bucket refill.
//
// Components take a Clock instead of calling time.Now so tests can drive
// time explicitly (see testutil.FakeClock).
package clock

import "time"

// Clock reports the current time.
//
// Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// System is the real clock. Times are UTC and truncated to milliseconds,
// the resolution every store persists.
type System struct{}

// Now returns the current UTC time at millisecond precision.
func (System) Now() time.Time {
	return Millis(time.Now())
}

// Millis truncates t to millisecond precision in UTC.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// Func adapts a function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}
