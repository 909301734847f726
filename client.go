// Package livethread follows a live thread: a feed of updates appended in
// real time to an ongoing event.
//
// It reconciles the paginated backfill endpoint and the WebSocket push channel
// into one ordered, deduplicated feed, tracks the push connection's
// lifecycle, keeps a visibility-gated heartbeat, and renders embeds lazily.
//
// Example:
//
//	client := livethread.NewClient("ta535s1hq2je")
//	session := livethread.NewSession(client)
//	session.Feed().Subscribe(livethread.ObserverFunc(func(c livethread.Change) {
//		fmt.Println(c.Kind, c.ID)
//	}))
//	err := session.Run(ctx)
package livethread

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL     = "https://www.reddit.com"
	DefaultPixelDomain = "pixel.redditmedia.com"
	DefaultTimeout     = 30 * time.Second
	DefaultUserAgent   = "livethread-go/1.0"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the live thread HTTP API for one event.
type Client struct {
	eventID     string
	baseURL     string
	pixelDomain string
	token       string
	userAgent   string
	httpClient  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithPixelDomain(domain string) ClientOption {
	return func(c *Client) { c.pixelDomain = domain }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client for the given event ID.
func NewClient(eventID string, opts ...ClientOption) *Client {
	c := &Client{
		eventID:     eventID,
		baseURL:     DefaultBaseURL,
		pixelDomain: DefaultPixelDomain,
		userAgent:   DefaultUserAgent,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventID returns the event this client is bound to.
func (c *Client) EventID() string { return c.eventID }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, form url.Values, query url.Values) ([]byte, error) {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = c.baseURL + path
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if form != nil {
		bodyReader = bytes.NewReader([]byte(form.Encode()))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) eventPath(suffix string) string {
	return "/live/" + url.PathEscape(c.eventID) + suffix
}

// ============================================================================
// Listing
// ============================================================================

// FetchPage returns updates older than after (exclusive). An empty after
// returns the newest page. count is the number of updates the caller
// already holds.
func (c *Client) FetchPage(ctx context.Context, after string, count int) (*Page, error) {
	query := url.Values{}
	if after != "" {
		query.Set("after", after)
	}
	if count > 0 {
		query.Set("count", strconv.Itoa(count))
	}
	data, err := c.doRequest(ctx, http.MethodGet, c.eventPath("/"), nil, query)
	if err != nil {
		return nil, err
	}
	listing, err := decodeJSON[listingResponse](data)
	if err != nil {
		return nil, err
	}

	page := &Page{After: listing.Data.After}
	for _, child := range listing.Data.Children {
		var d updateData
		if err := json.Unmarshal(child.Data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode update: %w", err)
		}
		u := d.toUpdate()
		if u.ID == "" {
			continue
		}
		page.Updates = append(page.Updates, u)
	}
	return page, nil
}

// About returns the thread metadata.
func (c *Client) About(ctx context.Context) (*About, error) {
	data, err := c.doRequest(ctx, http.MethodGet, c.eventPath("/about.json"), nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[aboutResponse](data)
	if err != nil {
		return nil, err
	}
	d := resp.Data
	return &About{
		ID:              d.ID,
		Title:           d.Title,
		Description:     d.Description,
		DescriptionHTML: d.DescriptionHTML,
		State:           d.State,
		Viewers:         Activity{Count: d.ViewerCount, Fuzzed: d.ViewerCountFuzzed},
		WebSocketURL:    d.WebSocketURL,
		Timezone:        d.Timezone,
	}, nil
}

// ============================================================================
// Moderation
// ============================================================================

func (c *Client) rpc(ctx context.Context, endpoint string, form url.Values) error {
	path := "/api/live/" + url.PathEscape(c.eventID) + "/" + endpoint
	_, err := c.doRequest(ctx, http.MethodPost, path, form, nil)
	return err
}

// Pin makes id the thread's pinned update.
func (c *Client) Pin(ctx context.Context, id string) error {
	return c.rpc(ctx, "set_pinned_update", url.Values{"id": {id}})
}

// Unpin clears the pinned update.
func (c *Client) Unpin(ctx context.Context) error {
	return c.rpc(ctx, "set_pinned_update", url.Values{})
}

// Strike marks an update as incorrect.
func (c *Client) Strike(ctx context.Context, id string) error {
	return c.rpc(ctx, "strike_update", url.Values{"id": {id}})
}

// Delete removes an update.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.rpc(ctx, "delete_update", url.Values{"id": {id}})
}

// ============================================================================
// Heartbeat
// ============================================================================

// PixelURL returns the heartbeat URL with a fresh cache-busting parameter.
func (c *Client) PixelURL() string {
	scheme := "https"
	if strings.HasPrefix(c.baseURL, "http://") {
		scheme = "http"
	}
	return scheme + "://" + c.pixelDomain + c.eventPath("/pixel.png") + "?rand=" + uuid.NewString()
}

// Pixel sends one heartbeat request. The response body is discarded.
func (c *Client) Pixel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PixelURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pixel request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}
