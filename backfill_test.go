package livethread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchCall struct {
	after string
	count int
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	pages map[string]*Page
	err   error
}

func (f *fakeFetcher) FetchPage(_ context.Context, after string, count int) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{after: after, count: count})
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[after], nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// loop is a minimal stand-in for the session loop.
type loop chan func()

func (l loop) post(fn func()) { l <- fn }

func (l loop) runOne(t *testing.T) {
	t.Helper()
	select {
	case fn := <-l:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted work")
	}
}

var nearBottom = ScrollPosition{Offset: 900, ViewportHeight: 500, ContentHeight: 1500}

func TestScrollPositionNearBottom(t *testing.T) {
	assert.True(t, ScrollPosition{Offset: 750, ViewportHeight: 500, ContentHeight: 1500}.NearBottom(250))
	assert.False(t, ScrollPosition{Offset: 749, ViewportHeight: 500, ContentHeight: 1500}.NearBottom(250))
	assert.True(t, ScrollPosition{Offset: 0, ViewportHeight: 800, ContentHeight: 600}.NearBottom(250))
}

func TestBackfill(t *testing.T) {
	setup := func(fetcher *fakeFetcher) (*Feed, *Backfill, loop) {
		f := NewFeed()
		f.Bootstrap(mkPage("u3", upd("u4", at(12, 40)), upd("u3", at(12, 30))))
		l := make(loop, 8)
		return f, NewBackfill(f, fetcher, l.post, zerolog.Nop()), l
	}

	t.Run("fetches next page with cursor and count", func(t *testing.T) {
		fetcher := &fakeFetcher{pages: map[string]*Page{
			"u3": mkPage("u1", upd("u2", at(12, 20)), upd("u1", at(12, 10))),
		}}
		f, b, l := setup(fetcher)
		pages := 0
		b.OnPage(func(appended []Update) { pages++ })

		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		assert.True(t, b.InFlight())
		l.runOne(t)

		assert.False(t, b.InFlight())
		assert.Equal(t, []fetchCall{{after: "u3", count: 2}}, fetcher.calls)
		assert.Equal(t, []string{"u4", "u3", "u2", "u1"}, updateIDs(f))
		assert.Equal(t, "u1", f.Cursor())
		assert.Equal(t, 1, pages)
	})

	t.Run("one request in flight", func(t *testing.T) {
		fetcher := &fakeFetcher{pages: map[string]*Page{"u3": mkPage("u2", upd("u2", at(12, 20)))}}
		_, b, l := setup(fetcher)

		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		assert.False(t, b.MaybeFetchMore(context.Background(), nearBottom))
		l.runOne(t)
		assert.Equal(t, 1, fetcher.callCount())
	})

	t.Run("not near bottom", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		_, b, _ := setup(fetcher)
		assert.False(t, b.MaybeFetchMore(context.Background(), ScrollPosition{Offset: 0, ViewportHeight: 500, ContentHeight: 5000}))
		assert.Equal(t, 0, fetcher.callCount())
	})

	t.Run("no more pages", func(t *testing.T) {
		fetcher := &fakeFetcher{pages: map[string]*Page{"u3": mkPage("", upd("u2", at(12, 20)))}}
		_, b, l := setup(fetcher)

		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		l.runOne(t)
		assert.True(t, b.Exhausted())
		assert.False(t, b.MaybeFetchMore(context.Background(), nearBottom))
		assert.Equal(t, 1, fetcher.callCount())
	})

	t.Run("never fetches the same cursor twice in a row", func(t *testing.T) {
		// The server claims more pages but returns nothing new.
		fetcher := &fakeFetcher{pages: map[string]*Page{"u3": mkPage("u3")}}
		f, b, l := setup(fetcher)

		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		l.runOne(t)
		assert.Equal(t, "u3", f.Cursor())
		assert.True(t, f.HasMore())

		assert.False(t, b.MaybeFetchMore(context.Background(), nearBottom))
		assert.Equal(t, 1, fetcher.callCount())
	})

	t.Run("failure clears in flight without retry", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		fetcher.setErr(errors.New("boom"))
		f, b, l := setup(fetcher)

		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		l.runOne(t)
		assert.False(t, b.InFlight())
		assert.Equal(t, []string{"u4", "u3"}, updateIDs(f))
		assert.Equal(t, 1, fetcher.callCount())

		// The next scroll is free to try again.
		fetcher.setErr(nil)
		fetcher.pages = map[string]*Page{"u3": mkPage("", upd("u2", at(12, 20)))}
		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		l.runOne(t)
		assert.Equal(t, []string{"u4", "u3", "u2"}, updateIDs(f))
	})

	t.Run("reset after reload allows the first cursor again", func(t *testing.T) {
		fetcher := &fakeFetcher{pages: map[string]*Page{
			"u3": mkPage("u1", upd("u2", at(12, 20)), upd("u1", at(12, 10))),
		}}
		f, b, l := setup(fetcher)

		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		l.runOne(t)
		assert.Equal(t, "u1", f.Cursor())

		f.Bootstrap(mkPage("u3", upd("u4", at(12, 40)), upd("u3", at(12, 30))))
		b.Reset()
		assert.Equal(t, "u3", f.Cursor())

		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		l.runOne(t)
		assert.Equal(t, []string{"u4", "u3", "u2", "u1"}, updateIDs(f))
		assert.Equal(t, 2, fetcher.callCount())
	})

	t.Run("page in flight across a reset is dropped", func(t *testing.T) {
		fetcher := &fakeFetcher{pages: map[string]*Page{
			"u3": mkPage("", upd("z", at(12, 5))),
		}}
		f, b, l := setup(fetcher)
		pages := 0
		b.OnPage(func([]Update) { pages++ })

		require.True(t, b.MaybeFetchMore(context.Background(), nearBottom))
		f.Bootstrap(mkPage("u3", upd("u4", at(12, 40)), upd("u3", at(12, 30))))
		b.Reset()
		assert.False(t, b.InFlight())

		l.runOne(t)
		assert.Equal(t, []string{"u4", "u3"}, updateIDs(f))
		assert.True(t, f.HasMore(), "stale page must not end the history")
		assert.False(t, b.InFlight())
		assert.Zero(t, pages)
	})

	t.Run("custom threshold", func(t *testing.T) {
		fetcher := &fakeFetcher{pages: map[string]*Page{"u3": mkPage("")}}
		_, b, l := setup(fetcher)
		b.SetThreshold(0)
		pos := ScrollPosition{Offset: 900, ViewportHeight: 500, ContentHeight: 1500}
		assert.False(t, b.MaybeFetchMore(context.Background(), pos))
		pos.Offset = 1000
		assert.True(t, b.MaybeFetchMore(context.Background(), pos))
		l.runOne(t)
	})
}
