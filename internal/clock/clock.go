// Package clock lets the heartbeat sweep, autosave loop and storage retries run
// against either wall time or a manually driven test clock.
package clock

import "time"

// Clock is the time source shared by markd's background loops.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the system clock. Times are always reported in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Since reports the elapsed time on c since t.
func Since(c Clock, t time.Time) time.Duration {
	if c == nil {
		c = Real{}
	}
	return c.Now().Sub(t)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
