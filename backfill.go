package livethread

import (
	"context"

	"github.com/rs/zerolog"
)

// NearBottomThreshold is how close, in pixels (or lines), the scroll offset
// must be to the last screenful before another page is requested.
const NearBottomThreshold = 250

// ScrollPosition describes where the reader is in the rendered listing.
type ScrollPosition struct {
	Offset         int
	ViewportHeight int
	ContentHeight  int
}

// NearBottom reports whether the viewport is within threshold of the bottom.
func (p ScrollPosition) NearBottom(threshold int) bool {
	topOfLastScreenful := p.ContentHeight - p.ViewportHeight
	return p.Offset+threshold >= topOfLastScreenful
}

// PageFetcher loads one page of updates older than after.
type PageFetcher interface {
	FetchPage(ctx context.Context, after string, count int) (*Page, error)
}

// Backfill loads older pages into a feed as the reader nears the bottom.
type Backfill struct {
	feed      *Feed
	fetcher   PageFetcher
	post      func(func())
	threshold int

	inFlight    bool
	lastFetched string
	// generation changes on Reset; pages requested before it are dropped.
	generation int
	afterPage   func(appended []Update)
	log         zerolog.Logger
}

// NewBackfill creates a coordinator. post must run its argument on the
// goroutine that owns feed.
func NewBackfill(feed *Feed, fetcher PageFetcher, post func(func()), log zerolog.Logger) *Backfill {
	return &Backfill{
		feed:      feed,
		fetcher:   fetcher,
		post:      post,
		threshold: NearBottomThreshold,
		log:       log.With().Str("component", "backfill").Logger(),
	}
}

// SetThreshold overrides the near-bottom distance.
func (b *Backfill) SetThreshold(px int) {
	if px >= 0 {
		b.threshold = px
	}
}

// OnPage registers a callback run after each successfully applied page.
func (b *Backfill) OnPage(fn func(appended []Update)) {
	b.afterPage = fn
}

// InFlight reports whether a page request is outstanding.
func (b *Backfill) InFlight() bool { return b.inFlight }

// Exhausted reports whether the server has no more pages.
func (b *Backfill) Exhausted() bool {
	return b.feed.Bootstrapped() && !b.feed.HasMore()
}

// MaybeFetchMore issues one page request if nothing is in flight, the server
// reported more pages, and pos is near the bottom. It reports whether a
// request was started.
func (b *Backfill) MaybeFetchMore(ctx context.Context, pos ScrollPosition) bool {
	if b.inFlight || !b.feed.HasMore() || b.feed.Len() == 0 {
		return false
	}
	if !pos.NearBottom(b.threshold) {
		return false
	}

	cursor := b.feed.Cursor()
	if cursor == "" {
		return false
	}
	// A cursor that did not move since the last page would fetch the same
	// page forever.
	if cursor == b.lastFetched {
		b.log.Warn().Str("cursor", cursor).Msg("backfill cursor unchanged, not refetching")
		return false
	}

	count := b.feed.Len()
	gen := b.generation
	b.inFlight = true
	b.log.Debug().Str("after", cursor).Int("count", count).Msg("fetching older updates")

	go func() {
		page, err := b.fetcher.FetchPage(ctx, cursor, count)
		b.post(func() { b.complete(gen, cursor, page, err) })
	}()
	return true
}

// Reset forgets the fetch history after the feed is re-bootstrapped. A page
// still in flight is discarded when it arrives.
func (b *Backfill) Reset() {
	b.generation++
	b.inFlight = false
	b.lastFetched = ""
}

func (b *Backfill) complete(gen int, cursor string, page *Page, err error) {
	if gen != b.generation {
		b.log.Debug().Str("after", cursor).Msg("dropping page requested before reload")
		return
	}
	b.inFlight = false
	if err != nil {
		b.log.Warn().Err(err).Str("after", cursor).Msg("backfill fetch failed")
		return
	}
	if page == nil {
		page = &Page{}
	}
	b.lastFetched = cursor
	appended := b.feed.ApplyBackfillPage(page.Updates, page.HasMore())
	b.log.Debug().Int("appended", len(appended)).Bool("has_more", page.HasMore()).Msg("backfill page applied")
	if b.afterPage != nil {
		b.afterPage(appended)
	}
}
