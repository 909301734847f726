package livethread

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// States
// ============================================================================

// State is the push channel's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

type signal string

const (
	sigConnecting   signal = "connecting"
	sigConnected    signal = "connected"
	sigDisconnected signal = "disconnected"
	sigReconnecting signal = "reconnecting"
)

// transitions lists every legal state change. Disconnected is terminal once
// the channel has been started: the transport only reports it after giving up.
var transitions = map[State]map[signal]State{
	StateDisconnected: {
		sigConnecting: StateConnecting,
	},
	StateConnecting: {
		sigConnected:    StateConnected,
		sigReconnecting: StateReconnecting,
		sigDisconnected: StateDisconnected,
	},
	StateConnected: {
		sigReconnecting: StateReconnecting,
		sigDisconnected: StateDisconnected,
	},
	StateReconnecting: {
		sigConnecting:   StateConnecting,
		sigDisconnected: StateDisconnected,
	},
}

// Status is what the reader is told about the push channel.
type Status struct {
	State State
	Text  string
	// Error marks the terminal state that needs a manual reload.
	Error bool
	// RetryAt is the advertised reconnect time while reconnecting.
	RetryAt time.Time
}

const (
	statusConnecting   = "connecting to update server..."
	statusConnected    = "updating in real time..."
	statusDisconnected = "could not connect to update servers. please refresh."
	statusRetrying     = "lost connection to update server. retrying..."
)

func reconnectingText(seconds int) string {
	unit := "seconds"
	if seconds == 1 {
		unit = "second"
	}
	return fmt.Sprintf("lost connection to update server. retrying in %d %s...", seconds, unit)
}

// ============================================================================
// Transport
// ============================================================================

// TransportHandler receives lifecycle signals and messages from a Transport.
type TransportHandler interface {
	OnConnecting()
	OnConnected()
	OnDisconnected()
	OnReconnecting(delay time.Duration)
	OnMessage(env Envelope)
}

// Transport is a persistent message channel that retries on its own.
type Transport interface {
	Start(ctx context.Context, h TransportHandler)
	Close() error
}

// loopHandler forwards transport callbacks onto a session loop.
type loopHandler struct {
	target TransportHandler
	post   func(func())
}

func (h loopHandler) OnConnecting()   { h.post(h.target.OnConnecting) }
func (h loopHandler) OnConnected()    { h.post(h.target.OnConnected) }
func (h loopHandler) OnDisconnected() { h.post(h.target.OnDisconnected) }

func (h loopHandler) OnMessage(e Envelope) {
	h.post(func() { h.target.OnMessage(e) })
}

func (h loopHandler) OnReconnecting(d time.Duration) {
	h.post(func() { h.target.OnReconnecting(d) })
}

// ============================================================================
// Message Handlers
// ============================================================================

// MessageHandlers receives decoded push messages. Nil handlers are skipped.
type MessageHandlers struct {
	Update       func(batch []Update)
	Delete       func(id string)
	Strike       func(id string)
	Pin          func(id string)
	Activity     func(a Activity)
	Settings     func(s Settings)
	Refresh      func()
	RenderEmbeds func(id string, embeds []Embed)
}

type renderEmbedsPayload struct {
	RecordID     string  `json:"recordId"`
	Embeds       []Embed `json:"embeds"`
	LiveUpdateID string  `json:"liveupdate_id"`
	MediaEmbeds  []Embed `json:"media_embeds"`
}

// decodeID accepts a bare JSON string, {"id": ...}, or null.
func decodeID(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decode id: %w", err)
	}
	return obj.ID, nil
}

// ============================================================================
// Connection
// ============================================================================

// Connection is the push channel state machine. It owns the reconnect
// countdown and routes inbound messages by kind. All methods must be called
// from one goroutine.
type Connection struct {
	clock     Clock
	transport Transport
	relay     TransportHandler
	handlers  MessageHandlers
	dispatch  map[string]func(json.RawMessage) error

	state     State
	status    Status
	countdown *Countdown
	onStatus  []func(Status)
	log       zerolog.Logger
}

// NewConnection creates a disconnected state machine over transport. When
// post is non-nil, transport callbacks are funneled through it.
func NewConnection(clock Clock, transport Transport, handlers MessageHandlers, post func(func()), log zerolog.Logger) *Connection {
	c := &Connection{
		clock:     clock,
		transport: transport,
		handlers:  handlers,
		state:     StateDisconnected,
		status:    Status{State: StateDisconnected},
		log:       log.With().Str("component", "connection").Logger(),
	}
	c.relay = c
	if post != nil {
		c.relay = loopHandler{target: c, post: post}
	}
	c.dispatch = map[string]func(json.RawMessage) error{
		"update":        c.onUpdate,
		"delete":        c.onDelete,
		"strike":        c.onStrike,
		"pin":           c.onPin,
		"activity":      c.onActivity,
		"settings":      c.onSettings,
		"refresh":       c.onRefresh,
		"render_embeds": c.onRenderEmbeds,
		"embeds_ready":  c.onRenderEmbeds,
	}
	return c
}

// OnStatus registers a status listener.
func (c *Connection) OnStatus(fn func(Status)) {
	c.onStatus = append(c.onStatus, fn)
}

// State returns the current state.
func (c *Connection) State() State { return c.state }

// Status returns the current status.
func (c *Connection) Status() Status { return c.status }

// Start opens the push channel.
func (c *Connection) Start(ctx context.Context) {
	if c.transport == nil {
		return
	}
	c.transport.Start(ctx, c.relay)
}

// Close shuts the channel and cancels the countdown.
func (c *Connection) Close() error {
	c.countdown.Cancel()
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

func (c *Connection) transition(sig signal) bool {
	next, ok := transitions[c.state][sig]
	if !ok {
		c.log.Debug().Str("state", string(c.state)).Str("signal", string(sig)).Msg("ignoring unexpected lifecycle signal")
		return false
	}
	c.log.Debug().Str("from", string(c.state)).Str("to", string(next)).Msg("connection state")
	c.state = next
	return true
}

func (c *Connection) publish(s Status) {
	c.status = s
	for _, fn := range c.onStatus {
		fn(s)
	}
}

// OnConnecting cancels any reconnect countdown.
func (c *Connection) OnConnecting() {
	c.countdown.Cancel()
	c.countdown = nil
	if !c.transition(sigConnecting) {
		return
	}
	c.publish(Status{State: StateConnecting, Text: statusConnecting})
}

// OnConnected reports live updating.
func (c *Connection) OnConnected() {
	c.countdown.Cancel()
	c.countdown = nil
	if !c.transition(sigConnected) {
		return
	}
	c.publish(Status{State: StateConnected, Text: statusConnected})
}

// OnDisconnected reports the terminal error; nothing retries after this.
func (c *Connection) OnDisconnected() {
	c.countdown.Cancel()
	c.countdown = nil
	if !c.transition(sigDisconnected) {
		return
	}
	c.log.Warn().Msg("push channel gave up")
	c.publish(Status{State: StateDisconnected, Text: statusDisconnected, Error: true})
}

// OnReconnecting starts a countdown that refreshes the status every second.
// The countdown is advisory; the transport retries on its own schedule.
func (c *Connection) OnReconnecting(delay time.Duration) {
	if !c.transition(sigReconnecting) {
		return
	}
	c.countdown.Cancel()
	retryAt := c.clock.Now().Add(delay)
	c.countdown = StartCountdown(c.clock, delay, func(seconds int) {
		c.publish(Status{State: StateReconnecting, Text: reconnectingText(seconds), RetryAt: retryAt})
	})
	if !c.countdown.Active() {
		c.publish(Status{State: StateReconnecting, Text: statusRetrying, RetryAt: retryAt})
	}
}

// OnMessage routes a push message by kind. Unknown kinds and malformed
// payloads are ignored.
func (c *Connection) OnMessage(env Envelope) {
	fn, ok := c.dispatch[env.Type]
	if !ok {
		c.log.Debug().Str("type", env.Type).Msg("ignoring unknown message")
		return
	}
	if err := fn(env.Payload); err != nil {
		c.log.Debug().Err(err).Str("type", env.Type).Msg("ignoring malformed message")
	}
}

func (c *Connection) onUpdate(raw json.RawMessage) error {
	batch, err := decodeThings(raw)
	if err != nil {
		return err
	}
	if c.handlers.Update != nil && len(batch) > 0 {
		c.handlers.Update(batch)
	}
	return nil
}

func (c *Connection) onDelete(raw json.RawMessage) error {
	id, err := decodeID(raw)
	if err != nil {
		return err
	}
	if c.handlers.Delete != nil && id != "" {
		c.handlers.Delete(id)
	}
	return nil
}

func (c *Connection) onStrike(raw json.RawMessage) error {
	id, err := decodeID(raw)
	if err != nil {
		return err
	}
	if c.handlers.Strike != nil && id != "" {
		c.handlers.Strike(id)
	}
	return nil
}

func (c *Connection) onPin(raw json.RawMessage) error {
	id, err := decodeID(raw)
	if err != nil {
		return err
	}
	if c.handlers.Pin != nil {
		c.handlers.Pin(id)
	}
	return nil
}

func (c *Connection) onActivity(raw json.RawMessage) error {
	var a Activity
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("decode activity: %w", err)
	}
	if c.handlers.Activity != nil {
		c.handlers.Activity(a)
	}
	return nil
}

func (c *Connection) onSettings(raw json.RawMessage) error {
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	if c.handlers.Settings != nil {
		c.handlers.Settings(s)
	}
	return nil
}

func (c *Connection) onRefresh(json.RawMessage) error {
	if c.handlers.Refresh != nil {
		c.handlers.Refresh()
	}
	return nil
}

func (c *Connection) onRenderEmbeds(raw json.RawMessage) error {
	var p renderEmbedsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode embeds: %w", err)
	}
	id, embeds := p.RecordID, p.Embeds
	if id == "" && p.LiveUpdateID != "" {
		id = p.LiveUpdateID
		if !strings.HasPrefix(id, "LiveUpdate_") {
			id = "LiveUpdate_" + id
		}
	}
	if len(embeds) == 0 {
		embeds = p.MediaEmbeds
	}
	if id == "" {
		return fmt.Errorf("embeds message without record id")
	}
	if c.handlers.RenderEmbeds != nil {
		c.handlers.RenderEmbeds(id, embeds)
	}
	return nil
}
