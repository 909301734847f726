package livethread

import "time"

// Clock abstracts wall time and timers so that scheduled work can be driven
// by the session loop (and by tests).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// loopClock posts timer callbacks onto a session loop instead of running
// them on the runtime's timer goroutine.
type loopClock struct {
	base Clock
	post func(func())
}

func (c loopClock) Now() time.Time { return c.base.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.base.AfterFunc(d, func() { c.post(f) })
}
