package livethread

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the live thread API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		return fmt.Sprintf("live api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("live api: HTTP %d: %s", e.StatusCode, msg)
}

// ============================================================================
// Feed Types
// ============================================================================

// Embed describes one embeddable link attached to an update.
type Embed struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Update is a single entry in a live thread.
type Update struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	BodyHTML  string    `json:"body_html"`
	Stricken  bool      `json:"stricken"`
	Pinned    bool      `json:"pinned"`
	Embeds    []Embed   `json:"embeds,omitempty"`
}

// Page is one backfill page, newest first.
type Page struct {
	Updates []Update
	// After is the server-reported continuation marker. Empty means no
	// further pages exist.
	After string
}

// HasMore reports whether the server announced another page.
func (p *Page) HasMore() bool {
	return p != nil && p.After != ""
}

// Settings is a partial change to thread metadata. Nil fields are untouched.
type Settings struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Activity is the viewer count broadcast for a thread.
type Activity struct {
	Count  int  `json:"count"`
	Fuzzed bool `json:"fuzzed"`
}

// String formats the count the way it is shown next to the title.
func (a Activity) String() string {
	if a.Fuzzed {
		return fmt.Sprintf("~%d", a.Count)
	}
	return fmt.Sprintf("%d", a.Count)
}

// About is the thread-level metadata returned by the about endpoint.
type About struct {
	ID              string
	Title           string
	Description     string
	DescriptionHTML string
	State           string
	Viewers         Activity
	WebSocketURL    string
	Timezone        string
}

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for every push message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type updateData struct {
	Name       string  `json:"name"`
	ID         string  `json:"id"`
	CreatedUTC float64 `json:"created_utc"`
	Author     string  `json:"author"`
	Body       string  `json:"body"`
	BodyHTML   string  `json:"body_html"`
	Stricken   bool    `json:"stricken"`
	Pinned     bool    `json:"pinned"`
	Embeds     []Embed `json:"embeds"`
}

func (d *updateData) toUpdate() Update {
	id := d.Name
	if id == "" && d.ID != "" {
		id = "LiveUpdate_" + d.ID
	}
	sec := int64(d.CreatedUTC)
	nsec := int64((d.CreatedUTC - float64(sec)) * 1e9)
	return Update{
		ID:        id,
		CreatedAt: time.Unix(sec, nsec).UTC(),
		Author:    d.Author,
		Body:      d.Body,
		BodyHTML:  d.BodyHTML,
		Stricken:  d.Stricken,
		Pinned:    d.Pinned,
		Embeds:    d.Embeds,
	}
}

type listingResponse struct {
	Kind string `json:"kind"`
	Data struct {
		Children []thing `json:"children"`
		After    string  `json:"after"`
	} `json:"data"`
}

type aboutResponse struct {
	Data struct {
		ID                string `json:"id"`
		Title             string `json:"title"`
		Description       string `json:"description"`
		DescriptionHTML   string `json:"description_html"`
		State             string `json:"state"`
		ViewerCount       int    `json:"viewer_count"`
		ViewerCountFuzzed bool   `json:"viewer_count_fuzzed"`
		WebSocketURL      string `json:"websocket_url"`
		Timezone          string `json:"timezone"`
	} `json:"data"`
}

// decodeThings accepts a single thing, a bare update object, or an array of
// either, and returns the updates that carry an ID.
func decodeThings(raw json.RawMessage) ([]Update, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode update batch: %w", err)
		}
	} else {
		items = []json.RawMessage{raw}
	}

	updates := make([]Update, 0, len(items))
	for _, item := range items {
		var t thing
		if err := json.Unmarshal(item, &t); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		data := t.Data
		if len(data) == 0 {
			data = item
		}
		var d updateData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode update data: %w", err)
		}
		u := d.toUpdate()
		if u.ID == "" {
			continue
		}
		updates = append(updates, u)
	}
	return updates, nil
}
