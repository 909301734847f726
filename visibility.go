package livethread

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultHeartbeatInterval is the base heartbeat period. Each firing is
	// scheduled after a uniform delay in [interval/2, interval).
	DefaultHeartbeatInterval = 10 * time.Minute

	// MaxRefreshDelay bounds the random delay before a broadcast refresh.
	MaxRefreshDelay = 300 * time.Second

	// NotificationLength is the body length shown in a notification.
	NotificationLength = 160
)

// Notifier shows desktop-style notifications.
type Notifier interface {
	Notify(title, message string)
	ClearNotifications()
}

// Badge shows an unread count. A count of zero clears it.
type Badge interface {
	SetBadge(count int)
}

// HeartbeatConfig configures the visibility scheduler.
type HeartbeatConfig struct {
	Interval time.Duration
	// Rand returns a uniform value in [0, 1).
	Rand func() float64
	// Ping fires one liveness request; it must not block.
	Ping func()
	// Reload performs a full refresh of the session.
	Reload   func()
	Notifier Notifier
	Badge    Badge
	// Title supplies the notification title.
	Title func() string
}

func (c *HeartbeatConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultHeartbeatInterval
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.Ping == nil {
		c.Ping = func() {}
	}
	if c.Reload == nil {
		c.Reload = func() {}
	}
	if c.Title == nil {
		c.Title = func() string { return "" }
	}
}

// Visibility gates heartbeat pings and unread bookkeeping on whether the
// reader can see the feed.
type Visibility struct {
	clock Clock
	cfg   HeartbeatConfig

	visible           bool
	unread            int
	heartbeatDeferred bool
	pings             int
	stopped           bool

	heartbeat Timer
	refresh   Timer
	log       zerolog.Logger
}

// NewVisibility creates a scheduler that starts out visible.
func NewVisibility(clock Clock, cfg HeartbeatConfig, log zerolog.Logger) *Visibility {
	cfg.defaults()
	return &Visibility{
		clock:   clock,
		cfg:     cfg,
		visible: true,
		log:     log.With().Str("component", "visibility").Logger(),
	}
}

// Visible reports whether the feed is currently visible.
func (v *Visibility) Visible() bool { return v.visible }

// Unread returns the number of updates that arrived while hidden.
func (v *Visibility) Unread() int { return v.unread }

// Pings returns how many heartbeats have been sent.
func (v *Visibility) Pings() int { return v.pings }

// HeartbeatDeferred reports whether a heartbeat is waiting for visibility.
func (v *Visibility) HeartbeatDeferred() bool { return v.heartbeatDeferred }

// SetVisible records a visibility change. Becoming visible sends a deferred
// heartbeat, clears notifications, and resets the unread badge.
func (v *Visibility) SetVisible(visible bool) {
	if !visible {
		v.visible = false
		return
	}
	if v.heartbeatDeferred {
		v.heartbeatDeferred = false
		v.ping()
	}
	if v.cfg.Notifier != nil {
		v.cfg.Notifier.ClearNotifications()
	}
	v.visible = true
	v.unread = 0
	if v.cfg.Badge != nil {
		v.cfg.Badge.SetBadge(0)
	}
}

// NoteUnread counts updates that arrived while hidden and notifies about
// each of them.
func (v *Visibility) NoteUnread(updates []Update) {
	if v.visible || len(updates) == 0 {
		return
	}
	if v.cfg.Notifier != nil {
		title := v.cfg.Title()
		for _, u := range updates {
			v.cfg.Notifier.Notify(title, Ellipsize(u.Body, NotificationLength))
		}
	}
	v.unread += len(updates)
	if v.cfg.Badge != nil {
		v.cfg.Badge.SetBadge(v.unread)
	}
}

// StartHeartbeat fires the first heartbeat and keeps rescheduling itself.
func (v *Visibility) StartHeartbeat() {
	v.fireHeartbeat()
}

func (v *Visibility) fireHeartbeat() {
	if v.stopped {
		return
	}
	if v.visible {
		v.ping()
	} else {
		v.heartbeatDeferred = true
	}
	v.heartbeat = v.clock.AfterFunc(v.NextHeartbeatDelay(), v.fireHeartbeat)
}

func (v *Visibility) ping() {
	v.pings++
	v.cfg.Ping()
}

// NextHeartbeatDelay draws the next heartbeat delay in [interval/2, interval).
func (v *Visibility) NextHeartbeatDelay() time.Duration {
	half := v.cfg.Interval / 2
	d := half + time.Duration(v.cfg.Rand()*float64(v.cfg.Interval-half))
	if d >= v.cfg.Interval {
		d = v.cfg.Interval - 1
	}
	return d
}

// ScheduleRefresh reloads the session after a random delay up to
// MaxRefreshDelay. A refresh already pending is not rescheduled.
func (v *Visibility) ScheduleRefresh() time.Duration {
	if v.refresh != nil {
		return 0
	}
	d := time.Duration(v.cfg.Rand() * float64(MaxRefreshDelay))
	v.log.Info().Dur("delay", d).Msg("refresh scheduled")
	v.refresh = v.clock.AfterFunc(d, func() {
		v.refresh = nil
		v.cfg.Reload()
	})
	return d
}

// RefreshPending reports whether a refresh is scheduled.
func (v *Visibility) RefreshPending() bool { return v.refresh != nil }

// Stop cancels the heartbeat and any pending refresh.
func (v *Visibility) Stop() {
	v.stopped = true
	if v.heartbeat != nil {
		v.heartbeat.Stop()
		v.heartbeat = nil
	}
	if v.refresh != nil {
		v.refresh.Stop()
		v.refresh = nil
	}
}

// Ellipsize shortens text to limit runes, appending "..." when cut.
func Ellipsize(text string, limit int) string {
	r := []rune(text)
	if len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return text
}
