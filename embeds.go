package livethread

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultEmbedOrigin is the origin embed frames are served from.
const DefaultEmbedOrigin = "https://www.redditmedia.com"

var (
	errForeignOrigin = errors.New("frame message from unexpected origin")
	errUnknownEmbed  = errors.New("frame message for unknown embed")
)

// Viewport answers whether an update is currently inside the visible area.
type Viewport interface {
	IsVisible(id string) bool
}

// ViewportFunc adapts a function to Viewport.
type ViewportFunc func(id string) bool

// IsVisible implements Viewport.
func (f ViewportFunc) IsVisible(id string) bool { return f(id) }

// EmbedSurface is one materialized embed of an update, sized in pixels.
type EmbedSurface struct {
	UpdateID string
	Index    int
	URL      string
	Width    int
	Height   int
}

// FrameMessage is a resize notification posted by an embed frame.
type FrameMessage struct {
	Action     string `json:"action"`
	RecordID   string `json:"recordId"`
	EmbedIndex int    `json:"embedIndex"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// EmbedRenderer renders pending embeds once they scroll into view and keeps
// their sizes in sync with frame resize messages.
type EmbedRenderer struct {
	feed     *Feed
	viewport Viewport
	origin   string
	surfaces map[string][]EmbedSurface
	log      zerolog.Logger
}

// NewEmbedRenderer creates a renderer for feed. Frame messages are accepted
// only from origin.
func NewEmbedRenderer(feed *Feed, viewport Viewport, origin string, log zerolog.Logger) *EmbedRenderer {
	if origin == "" {
		origin = DefaultEmbedOrigin
	}
	return &EmbedRenderer{
		feed:     feed,
		viewport: viewport,
		origin:   origin,
		surfaces: make(map[string][]EmbedSurface),
		log:      log.With().Str("component", "embeds").Logger(),
	}
}

// SetViewport replaces the visibility capability.
func (r *EmbedRenderer) SetViewport(v Viewport) {
	r.viewport = v
}

// Surfaces returns the rendered surfaces of an update.
func (r *EmbedRenderer) Surfaces(id string) []EmbedSurface {
	return append([]EmbedSurface(nil), r.surfaces[id]...)
}

// Sweep renders every pending update that is currently visible and returns
// the IDs it rendered.
func (r *EmbedRenderer) Sweep() []string {
	if r.viewport == nil {
		return nil
	}
	var rendered []string
	for _, id := range r.feed.PendingEmbeds() {
		if !r.viewport.IsVisible(id) {
			continue
		}
		embeds, ok := r.feed.MarkEmbedsRendered(id)
		if !ok {
			continue
		}
		surfaces := make([]EmbedSurface, len(embeds))
		for i, e := range embeds {
			surfaces[i] = EmbedSurface{UpdateID: id, Index: i, URL: e.URL, Width: e.Width, Height: e.Height}
		}
		r.surfaces[id] = surfaces
		rendered = append(rendered, id)
		r.feed.emit(Change{Kind: ChangeEmbedsRendered, ID: id, Surfaces: append([]EmbedSurface(nil), surfaces...)})
	}
	if len(rendered) > 0 {
		r.log.Debug().Strs("ids", rendered).Msg("rendered embeds")
	}
	return rendered
}

// Forget drops the surfaces of a removed update.
func (r *EmbedRenderer) Forget(id string) {
	delete(r.surfaces, id)
}

// Reset drops every surface. The feed re-marks embeds pending on bootstrap.
func (r *EmbedRenderer) Reset() {
	r.surfaces = make(map[string][]EmbedSurface)
}

// HandleFrameMessage applies a resize message posted from origin. Messages
// from any other origin are dropped.
func (r *EmbedRenderer) HandleFrameMessage(origin string, data []byte) error {
	if origin != r.origin {
		r.log.Debug().Str("origin", origin).Msg("dropping frame message from foreign origin")
		return errForeignOrigin
	}
	var msg FrameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode frame message: %w", err)
	}
	if msg.Action != "dimensionsChange" {
		return nil
	}
	surfaces := r.surfaces[msg.RecordID]
	if msg.EmbedIndex < 0 || msg.EmbedIndex >= len(surfaces) {
		return errUnknownEmbed
	}
	s := &surfaces[msg.EmbedIndex]
	if s.Width == msg.Width && s.Height == msg.Height {
		return nil
	}
	s.Width, s.Height = msg.Width, msg.Height
	r.feed.emit(Change{Kind: ChangeEmbedResized, ID: msg.RecordID, Surfaces: []EmbedSurface{*s}})
	return nil
}
