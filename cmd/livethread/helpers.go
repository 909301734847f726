package main

import (
	"encoding/json"
	"fmt"
	"html"
	"os"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	livethread "github.com/livethread/livethread-go"
)

// newClient creates a live thread client from the stored configuration.
func newClient(eventID string) *livethread.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return clientFromConfig(cfg, eventID)
}

func clientFromConfig(cfg *Config, eventID string) *livethread.Client {
	var opts []livethread.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, livethread.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.PixelDomain != "" {
		opts = append(opts, livethread.WithPixelDomain(cfg.Default.PixelDomain))
	}
	if cfg.Default.Token != "" {
		opts = append(opts, livethread.WithToken(cfg.Default.Token))
	}
	return livethread.NewClient(eventID, opts...)
}

// requireToken exits when no token is configured.
func requireToken() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'livethread init <token>' first.")
		os.Exit(1)
	}
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// renderBody turns an update's HTML body into terminal-friendly markdown.
// The listing carries body_html entity-escaped, so it is unescaped first.
// It falls back to the raw markdown body when conversion fails.
func renderBody(u livethread.Update) string {
	if u.BodyHTML == "" {
		return strings.TrimSpace(u.Body)
	}
	md, err := mdConverter.ConvertString(html.UnescapeString(u.BodyHTML))
	if err != nil {
		logger.Debug().Err(err).Str("id", u.ID).Msg("html conversion failed")
		return strings.TrimSpace(u.Body)
	}
	return strings.TrimSpace(md)
}

var strictPolicy = bluemonday.StrictPolicy()

// plainText strips every tag from an entity-escaped HTML fragment.
func plainText(fragment string) string {
	stripped := strictPolicy.Sanitize(html.UnescapeString(fragment))
	return strings.TrimSpace(html.UnescapeString(stripped))
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows the first and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
