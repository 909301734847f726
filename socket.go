package livethread

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures the WebSocket transport.
type SocketConfig struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// StableAfter resets the backoff once a connection has lived this long.
	StableAfter time.Duration
	ReadLimit   int64
	HTTPClient  *http.Client
	Header      http.Header
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 9
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		stableAfter: config.StableAfter,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) shouldReconnect() bool {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Socket
// ============================================================================

// Socket is a WebSocket Transport with its own retry schedule. It reports
// lifecycle changes to the handler and gives up after MaxReconnectAttempts
// consecutive failures (a negative value retries forever).
type Socket struct {
	cfg   SocketConfig
	recon *reconnector
	log   zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSocket creates a transport for cfg.URL.
func NewSocket(cfg SocketConfig, log zerolog.Logger) *Socket {
	cfg.defaults()
	return &Socket{
		cfg:   cfg,
		recon: newReconnector(&cfg),
		log:   log.With().Str("component", "socket").Logger(),
	}
}

// Start connects in the background. Calling Start twice is a no-op.
func (s *Socket) Start(ctx context.Context, h TransportHandler) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx, h)
}

// Close stops the transport and waits for its goroutine to exit.
func (s *Socket) Close() error {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if done != nil {
		<-done
	}
	return err
}

func (s *Socket) run(ctx context.Context, h TransportHandler) {
	defer close(s.done)

	for {
		h.OnConnecting()
		err := s.session(ctx, h)
		if ctx.Err() != nil {
			return
		}
		s.log.Debug().Err(err).Msg("socket closed")

		if !s.recon.shouldReconnect() {
			h.OnDisconnected()
			return
		}
		delay := s.recon.nextDelay()
		h.OnReconnecting(delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session dials once and reads until the connection fails.
func (s *Socket) session(ctx context.Context, h TransportHandler) error {
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{
		HTTPClient: s.cfg.HTTPClient,
		HTTPHeader: s.cfg.Header,
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "")
	}()

	s.recon.markConnected()
	h.OnConnected()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			s.log.Debug().Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		h.OnMessage(env)
	}
}
