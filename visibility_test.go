package livethread

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVisibility(cfg HeartbeatConfig) (*Visibility, *fakeClock) {
	clock := newFakeClock()
	return NewVisibility(clock, cfg, zerolog.Nop()), clock
}

func TestHeartbeatDelay(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999999, 1} {
		v, _ := newTestVisibility(HeartbeatConfig{Rand: func() float64 { return r }})
		d := v.NextHeartbeatDelay()
		assert.GreaterOrEqual(t, d, 300*time.Second, "rand=%v", r)
		assert.Less(t, d, 600*time.Second, "rand=%v", r)
	}

	v, _ := newTestVisibility(HeartbeatConfig{})
	for i := 0; i < 1000; i++ {
		d := v.NextHeartbeatDelay()
		require.GreaterOrEqual(t, d, 300*time.Second)
		require.Less(t, d, 600*time.Second)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Run("pings while visible", func(t *testing.T) {
		pings := 0
		v, clock := newTestVisibility(HeartbeatConfig{
			Interval: 10 * time.Minute,
			Rand:     func() float64 { return 0 },
			Ping:     func() { pings++ },
		})
		v.StartHeartbeat()
		assert.Equal(t, 1, pings)

		clock.Advance(5 * time.Minute)
		assert.Equal(t, 2, pings)
		clock.Advance(10 * time.Minute)
		assert.Equal(t, 4, pings)
	})

	t.Run("hidden defers a single ping", func(t *testing.T) {
		pings := 0
		v, clock := newTestVisibility(HeartbeatConfig{
			Interval: 10 * time.Minute,
			Rand:     func() float64 { return 0 },
			Ping:     func() { pings++ },
		})
		v.SetVisible(false)
		v.StartHeartbeat()
		clock.Advance(30 * time.Minute)
		assert.Equal(t, 0, pings)
		assert.True(t, v.HeartbeatDeferred())

		v.SetVisible(true)
		assert.Equal(t, 1, pings)
		assert.False(t, v.HeartbeatDeferred())

		v.SetVisible(false)
		v.SetVisible(true)
		assert.Equal(t, 1, pings, "deferred ping fires once")
		assert.Equal(t, 1, clock.Pending(), "loop keeps a single timer")
	})

	t.Run("stop", func(t *testing.T) {
		pings := 0
		v, clock := newTestVisibility(HeartbeatConfig{Ping: func() { pings++ }})
		v.StartHeartbeat()
		v.Stop()
		clock.Advance(time.Hour)
		assert.Equal(t, 1, pings)
		assert.Equal(t, 0, clock.Pending())
	})
}

func TestUnread(t *testing.T) {
	notifier := &fakeNotifier{}
	badge := &fakeBadge{}
	v, _ := newTestVisibility(HeartbeatConfig{Notifier: notifier, Badge: badge})

	v.NoteUnread([]Update{upd("v1", at(12, 0))})
	assert.Equal(t, 0, v.Unread(), "visible updates are not unread")

	v.SetVisible(false)
	v.NoteUnread([]Update{upd("a", at(12, 1)), upd("b", at(12, 2))})
	v.NoteUnread([]Update{upd("c", at(12, 3))})
	v.NoteUnread([]Update{upd("d", at(12, 4)), upd("e", at(12, 5)), upd("f", at(12, 6))})
	assert.Equal(t, 6, v.Unread())
	assert.Equal(t, 6, badge.last())
	assert.Len(t, notifier.messages, 6)

	v.SetVisible(true)
	assert.Equal(t, 0, v.Unread())
	assert.Equal(t, 0, badge.last())
	assert.Equal(t, 1, notifier.cleared)
}

func TestNotificationIsEllipsized(t *testing.T) {
	notifier := &fakeNotifier{}
	v, _ := newTestVisibility(HeartbeatConfig{Notifier: notifier})
	v.SetVisible(false)

	u := upd("long", at(12, 0))
	u.Body = strings.Repeat("é", 200)
	v.NoteUnread([]Update{u})

	require.Len(t, notifier.messages, 1)
	msg := []rune(notifier.messages[0])
	assert.Len(t, msg, NotificationLength+3)
	assert.True(t, strings.HasSuffix(notifier.messages[0], "..."))
}

func TestEllipsize(t *testing.T) {
	assert.Equal(t, "short", Ellipsize("short", 10))
	assert.Equal(t, "abc...", Ellipsize("abcdef", 3))
	assert.Equal(t, "abc", Ellipsize("abc", 3))
}

func TestScheduleRefresh(t *testing.T) {
	reloads := 0
	v, clock := newTestVisibility(HeartbeatConfig{
		Rand:   func() float64 { return 0.5 },
		Reload: func() { reloads++ },
	})

	d := v.ScheduleRefresh()
	assert.Equal(t, 150*time.Second, d)
	assert.True(t, v.RefreshPending())

	assert.Equal(t, time.Duration(0), v.ScheduleRefresh(), "pending refresh is not rescheduled")
	clock.Advance(149 * time.Second)
	assert.Equal(t, 0, reloads)
	clock.Advance(time.Second)
	assert.Equal(t, 1, reloads)
	assert.False(t, v.RefreshPending())

	for i := 0; i < 100; i++ {
		v2, _ := newTestVisibility(HeartbeatConfig{})
		d := v2.ScheduleRefresh()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, MaxRefreshDelay)
	}
}
