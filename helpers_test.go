package livethread

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock fires timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	seq    int
}

type fakeTimer struct {
	clock *fakeClock
	when  time.Time
	seq   int
	f     func()
	dead  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, when: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.dead {
		return false
	}
	t.dead = true
	return true
}

// Pending returns the number of live timers.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.dead {
			n++
		}
	}
	return n
}

// NextDelay returns how long until the earliest live timer fires.
func (c *fakeClock) NextDelay() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next *fakeTimer
	for _, t := range c.timers {
		if !t.dead && (next == nil || t.when.Before(next.when)) {
			next = t
		}
	}
	if next == nil {
		return 0, false
	}
	return next.when.Sub(c.now), true
}

// Advance moves time forward, firing due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		live := c.timers[:0]
		for _, t := range c.timers {
			if !t.dead {
				live = append(live, t)
			}
		}
		c.timers = live
		sort.Slice(c.timers, func(i, j int) bool {
			if c.timers[i].when.Equal(c.timers[j].when) {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].when.Before(c.timers[j].when)
		})
		if len(c.timers) == 0 || c.timers[0].when.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := c.timers[0]
		t.dead = true
		c.now = t.when
		c.mu.Unlock()
		t.f()
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 1, 1, hour, minute, 0, 0, time.UTC)
}

func upd(id string, created time.Time) Update {
	return Update{ID: id, CreatedAt: created, Author: "reporter", Body: "body of " + id}
}

func mkPage(after string, updates ...Update) *Page {
	return &Page{Updates: updates, After: after}
}

func strptr(s string) *string { return &s }

// recorder collects feed changes.
type recorder struct {
	changes []Change
}

func (r *recorder) FeedChanged(c Change) { r.changes = append(r.changes, c) }

func (r *recorder) kinds() []ChangeKind {
	out := make([]ChangeKind, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Kind
	}
	return out
}

func (r *recorder) count(kind ChangeKind) int {
	n := 0
	for _, c := range r.changes {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func updateIDs(f *Feed) []string {
	var ids []string
	for _, r := range f.Rows() {
		if r.Kind == RowUpdate {
			ids = append(ids, r.Update.ID)
		}
	}
	return ids
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	cleared  int
}

func (n *fakeNotifier) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *fakeNotifier) ClearNotifications() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared++
}

type fakeBadge struct {
	mu     sync.Mutex
	counts []int
}

func (b *fakeBadge) SetBadge(count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = append(b.counts, count)
}

func (b *fakeBadge) last() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.counts) == 0 {
		return -1
	}
	return b.counts[len(b.counts)-1]
}
