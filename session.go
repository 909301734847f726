package livethread

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Session.Call when the session loop is not
// running.
var ErrNotConnected = errors.New("live session: not running")

const sessionQueueSize = 256

// ============================================================================
// Options
// ============================================================================

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger shared by every component of the session.
func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithClock replaces the wall clock. Timer callbacks are still posted to the
// session loop.
func WithClock(c Clock) SessionOption {
	return func(s *Session) { s.baseClock = c }
}

// WithViewport sets the layout query used to decide which embeds to render.
func WithViewport(v Viewport) SessionOption {
	return func(s *Session) { s.viewport = v }
}

func WithNotifier(n Notifier) SessionOption {
	return func(s *Session) { s.heartbeat.Notifier = n }
}

func WithBadge(b Badge) SessionOption {
	return func(s *Session) { s.heartbeat.Badge = b }
}

// WithEmbedOrigin sets the only origin frame messages are accepted from.
func WithEmbedOrigin(origin string) SessionOption {
	return func(s *Session) { s.embedOrigin = origin }
}

// WithHeartbeatInterval sets the base heartbeat period.
func WithHeartbeatInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.heartbeat.Interval = d }
}

// WithRand replaces the source of jitter for heartbeats and refreshes.
func WithRand(r func() float64) SessionOption {
	return func(s *Session) { s.heartbeat.Rand = r }
}

// WithTransport uses t instead of dialing the thread's WebSocket URL.
func WithTransport(t Transport) SessionOption {
	return func(s *Session) { s.transport = t }
}

// WithSocketConfig tunes the default WebSocket transport. An empty URL is
// filled from the thread metadata.
func WithSocketConfig(cfg SocketConfig) SessionOption {
	return func(s *Session) { s.socketCfg = cfg }
}

// WithSessionLocation fixes the timezone used for hour separators. Without
// it the thread's own timezone is used, falling back to UTC.
func WithSessionLocation(loc *time.Location) SessionOption {
	return func(s *Session) { s.loc = loc }
}

// ============================================================================
// Session
// ============================================================================

// Session follows one live thread. Run owns a single loop goroutine and
// every component is mutated only there; other goroutines hand work to the
// loop with Post.
type Session struct {
	client    *Client
	baseClock Clock
	clock     Clock
	transport Transport
	socketCfg SocketConfig
	viewport  Viewport
	loc       *time.Location

	embedOrigin string
	heartbeat   HeartbeatConfig

	feed     *Feed
	conn     *Connection
	backfill *Backfill
	vis      *Visibility
	embeds   *EmbedRenderer

	queue    chan func()
	stopping chan struct{}
	started  atomic.Bool
	running  atomic.Bool
	ctx      context.Context

	mu        sync.Mutex
	status    Status
	onStatus  []func(Status)
	about     *About
	reloading bool

	log zerolog.Logger
}

// NewSession creates a session for client's event. Nothing is fetched until
// Run is called.
func NewSession(client *Client, opts ...SessionOption) *Session {
	s := &Session{
		client:    client,
		baseClock: systemClock{},
		queue:     make(chan func(), sessionQueueSize),
		stopping:  make(chan struct{}),
		status:    Status{State: StateDisconnected},
		log:       zerolog.Nop(),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("event", client.EventID()).Logger()
	s.clock = loopClock{base: s.baseClock, post: s.Post}

	s.feed = NewFeed(WithFeedLogger(s.log), WithLocation(s.loc))
	s.embeds = NewEmbedRenderer(s.feed, s.viewport, s.embedOrigin, s.log)
	s.backfill = NewBackfill(s.feed, client, s.Post, s.log)
	s.backfill.OnPage(func([]Update) { s.embeds.Sweep() })

	hb := s.heartbeat
	hb.Ping = s.ping
	hb.Reload = s.reload
	hb.Title = s.feed.Title
	s.vis = NewVisibility(s.clock, hb, s.log)

	s.feed.Subscribe(ObserverFunc(func(c Change) {
		switch c.Kind {
		case ChangeReset:
			s.embeds.Reset()
			s.backfill.Reset()
		case ChangeRemoved:
			s.embeds.Forget(c.ID)
		}
	}))
	return s
}

// Feed returns the session's feed. It must only be touched from the loop:
// inside Post, Call, or an observer.
func (s *Session) Feed() *Feed { return s.feed }

// Client returns the HTTP client the session was built with.
func (s *Session) Client() *Client { return s.client }

// About returns the thread metadata loaded by the last bootstrap.
func (s *Session) About() *About {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.about
}

// Status returns the last published connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatus registers a status listener. Listeners run on the loop.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	s.onStatus = append(s.onStatus, fn)
	s.mu.Unlock()
}

// Subscribe registers a feed observer. Before Run it is registered directly;
// afterwards registration happens on the loop.
func (s *Session) Subscribe(obs Observer) (unsubscribe func()) {
	if !s.running.Load() {
		return s.feed.Subscribe(obs)
	}
	var unsub func()
	if err := s.Call(context.Background(), func() { unsub = s.feed.Subscribe(obs) }); err != nil {
		return func() {}
	}
	return func() { s.Post(unsub) }
}

// Post queues fn to run on the loop. After the session stops, fn is dropped.
func (s *Session) Post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.stopping:
	}
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from the loop itself.
func (s *Session) Call(ctx context.Context, fn func()) error {
	if !s.running.Load() {
		return ErrNotConnected
	}
	done := make(chan struct{})
	s.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-s.stopping:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scroll reports the reader's scroll position. It may trigger a backfill
// page and renders embeds that came into view.
func (s *Session) Scroll(pos ScrollPosition) {
	s.Post(func() {
		s.backfill.MaybeFetchMore(s.ctx, pos)
		s.embeds.Sweep()
	})
}

// ViewportChanged re-checks pending embeds after a resize or layout change.
func (s *Session) ViewportChanged() {
	s.Post(func() { s.embeds.Sweep() })
}

// SetVisible reports whether the reader can currently see the feed.
func (s *Session) SetVisible(visible bool) {
	s.Post(func() { s.vis.SetVisible(visible) })
}

// FrameMessage delivers a message posted by an embed frame.
func (s *Session) FrameMessage(origin string, data []byte) {
	payload := append([]byte(nil), data...)
	s.Post(func() {
		if err := s.embeds.HandleFrameMessage(origin, payload); err != nil {
			s.log.Debug().Err(err).Msg("frame message dropped")
		}
	})
}

// Run loads the thread, opens the push channel and processes work until ctx
// is canceled. It returns an error only if the initial load fails.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("live session: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	about, page, err := s.load(ctx)
	if err != nil {
		close(s.stopping)
		return err
	}
	s.bootstrap(about, page)
	s.running.Store(true)

	transport := s.transport
	if transport == nil {
		cfg := s.socketCfg
		if cfg.URL == "" {
			cfg.URL = about.WebSocketURL
		}
		if cfg.URL != "" {
			transport = NewSocket(cfg, s.log)
		} else {
			s.log.Warn().Msg("thread has no websocket url, live updates disabled")
		}
	}
	s.conn = NewConnection(s.clock, transport, s.messageHandlers(), s.Post, s.log)
	s.conn.OnStatus(s.publishStatus)

	defer s.shutdown()
	s.conn.Start(ctx)
	s.vis.StartHeartbeat()
	s.embeds.Sweep()

	s.log.Info().Int("updates", s.feed.Len()).Msg("session started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.queue:
			s.safely(fn)
		}
	}
}

func (s *Session) shutdown() {
	close(s.stopping)
	s.running.Store(false)
	s.vis.Stop()
	if err := s.conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close push channel")
	}
	s.log.Info().Msg("session stopped")
}

func (s *Session) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("recovered from panic in session loop")
		}
	}()
	fn()
}

func (s *Session) load(ctx context.Context) (*About, *Page, error) {
	about, err := s.client.About(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load thread: %w", err)
	}
	page, err := s.client.FetchPage(ctx, "", 0)
	if err != nil {
		return nil, nil, fmt.Errorf("load updates: %w", err)
	}
	return about, page, nil
}

func (s *Session) bootstrap(about *About, page *Page) {
	s.mu.Lock()
	s.about = about
	s.mu.Unlock()

	if s.loc == nil && about.Timezone != "" {
		if loc, err := time.LoadLocation(about.Timezone); err == nil {
			WithLocation(loc)(s.feed)
		} else {
			s.log.Debug().Err(err).Str("timezone", about.Timezone).Msg("unknown thread timezone")
		}
	}
	title, desc := about.Title, about.Description
	s.feed.ApplySettingsChange(Settings{Title: &title, Description: &desc})
	s.feed.ApplyActivity(about.Viewers)
	s.feed.Bootstrap(page)
}

// reload re-bootstraps the feed from the server. Only one reload runs at a
// time.
func (s *Session) reload() {
	s.mu.Lock()
	if s.reloading {
		s.mu.Unlock()
		return
	}
	s.reloading = true
	s.mu.Unlock()

	s.log.Info().Msg("reloading feed")
	go func() {
		about, page, err := s.load(s.ctx)
		s.Post(func() {
			s.mu.Lock()
			s.reloading = false
			s.mu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Msg("reload failed")
				return
			}
			s.bootstrap(about, page)
			s.embeds.Sweep()
		})
	}()
}

func (s *Session) ping() {
	go func() {
		if err := s.client.Pixel(s.ctx); err != nil {
			s.log.Debug().Err(err).Msg("heartbeat failed")
		}
	}()
}

func (s *Session) publishStatus(st Status) {
	s.mu.Lock()
	s.status = st
	listeners := slices.Clone(s.onStatus)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

func (s *Session) messageHandlers() MessageHandlers {
	return MessageHandlers{
		Update: func(batch []Update) {
			inserted, err := s.feed.ApplyLiveUpdates(batch)
			if errors.Is(err, ErrReloadRequired) {
				s.reload()
				return
			}
			s.vis.NoteUnread(inserted)
			s.embeds.Sweep()
		},
		Delete: func(id string) { s.feed.ApplyDelete(id) },
		Strike: func(id string) { s.feed.ApplyStrike(id) },
		Pin:    func(id string) { s.feed.ApplyPin(id) },
		Activity: func(a Activity) {
			s.feed.ApplyActivity(a)
		},
		Settings: func(st Settings) {
			s.feed.ApplySettingsChange(st)
		},
		Refresh: func() { s.vis.ScheduleRefresh() },
		RenderEmbeds: func(id string, embeds []Embed) {
			s.feed.SetEmbeds(id, embeds)
			s.embeds.Sweep()
		},
	}
}
