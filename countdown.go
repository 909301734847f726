package livethread

import (
	"math"
	"time"
)

// Countdown ticks once per second toward a deadline, reporting the whole
// seconds remaining. It stops itself once less than a second remains.
type Countdown struct {
	clock    Clock
	deadline time.Time
	tick     func(secondsRemaining int)
	timer    Timer
	stopped  bool
}

// StartCountdown begins a countdown of delay and ticks immediately.
func StartCountdown(clock Clock, delay time.Duration, tick func(secondsRemaining int)) *Countdown {
	c := &Countdown{
		clock:    clock,
		deadline: clock.Now().Add(delay),
		tick:     tick,
	}
	c.onTick()
	return c
}

// Deadline returns the instant the countdown reaches zero.
func (c *Countdown) Deadline() time.Time {
	return c.deadline
}

// Active reports whether further ticks are scheduled.
func (c *Countdown) Active() bool {
	return c != nil && !c.stopped
}

// Cancel stops the countdown. Safe to call more than once and on nil.
func (c *Countdown) Cancel() {
	if c == nil || c.stopped {
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Countdown) onTick() {
	if c.stopped {
		return
	}
	remaining := c.deadline.Sub(c.clock.Now())
	seconds := int(math.Round(remaining.Seconds()))
	if seconds < 1 {
		c.Cancel()
		return
	}
	c.tick(seconds)
	c.timer = c.clock.AfterFunc(time.Second, c.onTick)
}
