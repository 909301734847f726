package livethread

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrReloadRequired is returned when a live update reaches a feed that has no
// rows to anchor it. The caller must re-bootstrap from the server instead of
// rendering a partial listing.
var ErrReloadRequired = errors.New("live feed: full reload required")

// ============================================================================
// Rows and Changes
// ============================================================================

// EmbedState is the lazy-render state of an update's embeds.
type EmbedState int

const (
	EmbedNone EmbedState = iota
	EmbedPending
	EmbedRendered
)

func (s EmbedState) String() string {
	switch s {
	case EmbedPending:
		return "pending"
	case EmbedRendered:
		return "rendered"
	default:
		return "none"
	}
}

// RowKind distinguishes updates from hour separators.
type RowKind int

const (
	RowUpdate RowKind = iota
	RowSeparator
)

// Row is a read-only snapshot of one row of the feed.
type Row struct {
	Kind       RowKind
	Update     Update
	EmbedState EmbedState
	// Separator is the top of the hour marked by a separator row.
	Separator time.Time
}

// Position says which end of the feed an insertion happened at.
type Position int

const (
	AtHead Position = iota
	AtTail
)

// ChangeKind enumerates feed notifications.
type ChangeKind int

const (
	ChangeReset ChangeKind = iota
	ChangeInserted
	ChangeUpdated
	ChangeRemoved
	ChangeSettings
	ChangeActivity
	ChangeExhausted
	ChangeEmbedsRendered
	ChangeEmbedResized
)

var changeNames = map[ChangeKind]string{
	ChangeReset:          "reset",
	ChangeInserted:       "inserted",
	ChangeUpdated:        "updated",
	ChangeRemoved:        "removed",
	ChangeSettings:       "settings",
	ChangeActivity:       "activity",
	ChangeExhausted:      "exhausted",
	ChangeEmbedsRendered: "embeds_rendered",
	ChangeEmbedResized:   "embed_resized",
}

func (k ChangeKind) String() string {
	if name, ok := changeNames[k]; ok {
		return name
	}
	return "unknown"
}

// Change describes one mutation of the feed.
type Change struct {
	Kind     ChangeKind
	ID       string
	Position Position
	Update   Update
	Surfaces []EmbedSurface
}

// Observer receives feed changes. Calls happen on the session loop.
type Observer interface {
	FeedChanged(Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Change)

// FeedChanged implements Observer.
func (f ObserverFunc) FeedChanged(c Change) { f(c) }

// ============================================================================
// Feed
// ============================================================================

type record struct {
	Update
	embeds EmbedState
}

// row is a separator when rec is nil.
type row struct {
	rec *record
	sep time.Time
}

type observerEntry struct {
	id  int
	obs Observer
}

// Feed is the ordered, deduplicated collection of updates for one thread,
// newest first. Live updates are inserted at the head and backfill pages are
// appended at the tail; rows are never re-sorted. A Feed is not safe for
// concurrent use; a Session confines it to its loop.
type Feed struct {
	rows []*row
	byID map[string]*record

	// deleted and struck remember mutations so that a copy arriving later
	// (e.g. from a page that was already in flight) cannot resurrect them.
	deleted map[string]struct{}
	struck  map[string]struct{}

	pinnedID     string
	bootstrapped bool
	cursor       string
	hasMore      bool

	title       string
	description string
	activity    Activity

	loc       *time.Location
	observers []observerEntry
	nextObsID int
	log       zerolog.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedLogger sets the feed's logger.
func WithFeedLogger(l zerolog.Logger) FeedOption {
	return func(f *Feed) { f.log = l.With().Str("component", "feed").Logger() }
}

// WithLocation sets the timezone used to bucket separators by clock hour.
func WithLocation(loc *time.Location) FeedOption {
	return func(f *Feed) {
		if loc != nil {
			f.loc = loc
		}
	}
}

// NewFeed creates an empty, not yet bootstrapped feed.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		byID:    make(map[string]*record),
		deleted: make(map[string]struct{}),
		struck:  make(map[string]struct{}),
		loc:     time.UTC,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe registers an observer and returns a function removing it.
func (f *Feed) Subscribe(obs Observer) (unsubscribe func()) {
	id := f.nextObsID
	f.nextObsID++
	f.observers = append(f.observers, observerEntry{id: id, obs: obs})
	return func() {
		for i, e := range f.observers {
			if e.id == id {
				f.observers = append(f.observers[:i:i], f.observers[i+1:]...)
				return
			}
		}
	}
}

func (f *Feed) emit(c Change) {
	observers := append([]observerEntry(nil), f.observers...)
	for _, e := range observers {
		e.obs.FeedChanged(c)
	}
}

// ============================================================================
// Accessors
// ============================================================================

// Len returns the number of updates (separators excluded).
func (f *Feed) Len() int { return len(f.byID) }

// Bootstrapped reports whether an initial page has been loaded.
func (f *Feed) Bootstrapped() bool { return f.bootstrapped }

// Cursor returns the ID of the oldest materialized update.
func (f *Feed) Cursor() string { return f.cursor }

// HasMore reports whether the server announced further backfill pages.
func (f *Feed) HasMore() bool { return f.hasMore }

// Pinned returns the ID of the pinned update, if any.
func (f *Feed) Pinned() string { return f.pinnedID }

// Title returns the thread title.
func (f *Feed) Title() string { return f.title }

// Description returns the thread description markup.
func (f *Feed) Description() string { return f.description }

// Activity returns the last viewer count.
func (f *Feed) Activity() Activity { return f.activity }

// Location returns the timezone used for separators.
func (f *Feed) Location() *time.Location { return f.loc }

// Get returns a copy of the update with the given ID.
func (f *Feed) Get(id string) (Update, bool) {
	rec, ok := f.byID[id]
	if !ok {
		return Update{}, false
	}
	return rec.snapshot(), true
}

// EmbedStateOf returns the embed state of an update.
func (f *Feed) EmbedStateOf(id string) EmbedState {
	if rec, ok := f.byID[id]; ok {
		return rec.embeds
	}
	return EmbedNone
}

// Rows returns a snapshot of all rows, newest first.
func (f *Feed) Rows() []Row {
	out := make([]Row, 0, len(f.rows))
	for _, r := range f.rows {
		if r.rec == nil {
			out = append(out, Row{Kind: RowSeparator, Separator: r.sep})
			continue
		}
		out = append(out, Row{Kind: RowUpdate, Update: r.rec.snapshot(), EmbedState: r.rec.embeds})
	}
	return out
}

func (r *record) snapshot() Update {
	u := r.Update
	if r.Embeds != nil {
		u.Embeds = append([]Embed(nil), r.Embeds...)
	}
	return u
}

// ============================================================================
// Separators
// ============================================================================

// SeparatorBetween returns the hour marker that belongs between two adjacent
// updates, or false when both fall in the same clock hour of loc. The marker
// is the top of the newer update's hour.
func SeparatorBetween(older, newer time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	ob := hourOf(older.In(loc))
	nb := hourOf(newer.In(loc))
	if ob.Equal(nb) {
		return time.Time{}, false
	}
	return nb, true
}

func hourOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

func (f *Feed) separatorRow(older, newer *record) *row {
	if sep, ok := SeparatorBetween(older.CreatedAt, newer.CreatedAt, f.loc); ok {
		return &row{sep: sep}
	}
	return nil
}

// ============================================================================
// Insertion
// ============================================================================

func (f *Feed) adopt(u Update) *record {
	rec := &record{Update: u}
	if u.Embeds != nil {
		rec.Embeds = append([]Embed(nil), u.Embeds...)
	}
	if _, ok := f.struck[u.ID]; ok {
		rec.Stricken = true
	}
	switch {
	case f.pinnedID == "" && u.Pinned:
		f.pinnedID = u.ID
	case f.pinnedID != "":
		rec.Pinned = u.ID == f.pinnedID
	}
	if len(rec.Embeds) > 0 {
		rec.embeds = EmbedPending
	}
	return rec
}

func (f *Feed) known(id string) bool {
	if _, ok := f.byID[id]; ok {
		return true
	}
	_, gone := f.deleted[id]
	return gone
}

func (f *Feed) head() *record {
	if len(f.rows) == 0 {
		return nil
	}
	return f.rows[0].rec
}

func (f *Feed) tail() *record {
	if len(f.rows) == 0 {
		return nil
	}
	return f.rows[len(f.rows)-1].rec
}

func (f *Feed) insertHead(rec *record) {
	added := []*row{{rec: rec}}
	if prev := f.head(); prev != nil {
		if sep := f.separatorRow(prev, rec); sep != nil {
			added = append(added, sep)
		}
	}
	f.rows = append(added, f.rows...)
	f.byID[rec.ID] = rec
}

func (f *Feed) appendTail(rec *record) {
	if last := f.tail(); last != nil {
		if sep := f.separatorRow(rec, last); sep != nil {
			f.rows = append(f.rows, sep)
		}
	}
	f.rows = append(f.rows, &row{rec: rec})
	f.byID[rec.ID] = rec
}

// Bootstrap replaces the feed's contents with the initial page. It is also
// how a session performs a full reload.
func (f *Feed) Bootstrap(page *Page) {
	f.rows = nil
	f.byID = make(map[string]*record)
	f.pinnedID = ""
	f.cursor = ""
	if page != nil {
		for _, u := range page.Updates {
			if u.ID == "" || f.known(u.ID) {
				continue
			}
			f.appendTail(f.adopt(u))
		}
	}
	if last := f.tail(); last != nil {
		f.cursor = last.ID
	}
	f.hasMore = page.HasMore()
	f.bootstrapped = true
	f.log.Debug().Int("updates", f.Len()).Bool("has_more", f.hasMore).Msg("feed bootstrapped")
	f.emit(Change{Kind: ChangeReset})
	if !f.hasMore {
		f.emit(Change{Kind: ChangeExhausted})
	}
}

// ApplyLiveUpdates inserts pushed updates at the head in arrival order and
// returns the ones actually inserted. Known IDs are skipped. If the feed has
// nothing to anchor against, nothing is inserted and ErrReloadRequired is
// returned.
func (f *Feed) ApplyLiveUpdates(batch []Update) ([]Update, error) {
	if !f.bootstrapped || len(f.rows) == 0 {
		return nil, ErrReloadRequired
	}
	var inserted []Update
	for _, u := range batch {
		if u.ID == "" {
			continue
		}
		if f.known(u.ID) {
			f.log.Debug().Str("id", u.ID).Msg("skipping duplicate live update")
			continue
		}
		rec := f.adopt(u)
		f.insertHead(rec)
		snap := rec.snapshot()
		inserted = append(inserted, snap)
		f.emit(Change{Kind: ChangeInserted, ID: rec.ID, Position: AtHead, Update: snap})
	}
	return inserted, nil
}

// ApplyBackfillPage appends an older page at the tail. Duplicates and updates
// newer than the current tail are dropped. The cursor moves to the new tail.
func (f *Feed) ApplyBackfillPage(batch []Update, hasMore bool) []Update {
	var appended []Update
	for _, u := range batch {
		if u.ID == "" || f.known(u.ID) {
			continue
		}
		if last := f.tail(); last != nil && u.CreatedAt.After(last.CreatedAt) {
			f.log.Warn().Str("id", u.ID).Str("tail", last.ID).Msg("dropping backfilled update newer than tail")
			continue
		}
		rec := f.adopt(u)
		f.appendTail(rec)
		snap := rec.snapshot()
		appended = append(appended, snap)
		f.emit(Change{Kind: ChangeInserted, ID: rec.ID, Position: AtTail, Update: snap})
	}
	if last := f.tail(); last != nil {
		f.cursor = last.ID
	}
	f.hasMore = hasMore
	if !hasMore {
		f.emit(Change{Kind: ChangeExhausted})
	}
	return appended
}

// ============================================================================
// Mutations
// ============================================================================

func (f *Feed) indexOf(id string) int {
	for i, r := range f.rows {
		if r.rec != nil && r.rec.ID == id {
			return i
		}
	}
	return -1
}

// ApplyDelete removes an update and its trailing separator. Unknown IDs are
// remembered but otherwise ignored.
func (f *Feed) ApplyDelete(id string) bool {
	if id == "" {
		return false
	}
	f.deleted[id] = struct{}{}
	rec, ok := f.byID[id]
	if !ok {
		return false
	}
	i := f.indexOf(id)
	end := i + 1
	if end < len(f.rows) && f.rows[end].rec == nil {
		end++
	}
	f.rows = append(f.rows[:i], f.rows[end:]...)
	delete(f.byID, id)
	if f.pinnedID == id {
		f.pinnedID = ""
	}
	f.reseparate(i)
	f.emit(Change{Kind: ChangeRemoved, ID: id, Update: rec.snapshot()})
	return true
}

// reseparate fixes the separator between the records around index i after a
// removal at i.
func (f *Feed) reseparate(i int) {
	if i >= len(f.rows) {
		if i > 0 && f.rows[i-1].rec == nil {
			f.rows = f.rows[:i-1]
		}
		return
	}
	older := f.rows[i].rec
	above := i - 1
	hasSep := false
	if above >= 0 && f.rows[above].rec == nil {
		hasSep = true
		above--
	}
	if above < 0 {
		return
	}
	newer := f.rows[above].rec
	sep := f.separatorRow(older, newer)
	switch {
	case hasSep && sep == nil:
		f.rows = append(f.rows[:i-1], f.rows[i:]...)
	case hasSep:
		f.rows[i-1].sep = sep.sep
	case sep != nil:
		f.rows = append(f.rows[:i], append([]*row{sep}, f.rows[i:]...)...)
	}
}

// ApplyStrike marks an update stricken. Striking twice is not an error.
func (f *Feed) ApplyStrike(id string) bool {
	if id == "" {
		return false
	}
	if _, gone := f.deleted[id]; gone {
		return false
	}
	f.struck[id] = struct{}{}
	rec, ok := f.byID[id]
	if !ok || rec.Stricken {
		return false
	}
	rec.Stricken = true
	f.emit(Change{Kind: ChangeUpdated, ID: id, Update: rec.snapshot()})
	return true
}

// ApplyPin pins id and unpins whatever held the pin before. An empty id clears
// the pin. At most one update is ever pinned.
func (f *Feed) ApplyPin(id string) bool {
	if _, gone := f.deleted[id]; gone && id != "" {
		return false
	}
	if id == f.pinnedID {
		return false
	}
	if prev, ok := f.byID[f.pinnedID]; ok && prev.Pinned {
		prev.Pinned = false
		f.emit(Change{Kind: ChangeUpdated, ID: prev.ID, Update: prev.snapshot()})
	}
	f.pinnedID = id
	if rec, ok := f.byID[id]; ok {
		rec.Pinned = true
		f.emit(Change{Kind: ChangeUpdated, ID: id, Update: rec.snapshot()})
	}
	return true
}

// ApplySettingsChange updates thread metadata; nil fields are left alone.
func (f *Feed) ApplySettingsChange(s Settings) bool {
	changed := false
	if s.Title != nil && *s.Title != f.title {
		f.title = *s.Title
		changed = true
	}
	if s.Description != nil && *s.Description != f.description {
		f.description = *s.Description
		changed = true
	}
	if changed {
		f.emit(Change{Kind: ChangeSettings})
	}
	return changed
}

// ApplyActivity records the latest viewer count.
func (f *Feed) ApplyActivity(a Activity) {
	if a == f.activity {
		return
	}
	f.activity = a
	f.emit(Change{Kind: ChangeActivity})
}

// SetEmbeds attaches embed descriptors that became available after the
// update was created and marks it pending.
func (f *Feed) SetEmbeds(id string, embeds []Embed) bool {
	rec, ok := f.byID[id]
	if !ok || len(embeds) == 0 {
		return false
	}
	if rec.embeds == EmbedRendered && embedsEqual(rec.Embeds, embeds) {
		return false
	}
	rec.Embeds = append([]Embed(nil), embeds...)
	rec.embeds = EmbedPending
	f.emit(Change{Kind: ChangeUpdated, ID: id, Update: rec.snapshot()})
	return true
}

// PendingEmbeds returns the IDs of updates whose embeds await rendering, in
// row order.
func (f *Feed) PendingEmbeds() []string {
	var ids []string
	for _, r := range f.rows {
		if r.rec != nil && r.rec.embeds == EmbedPending {
			ids = append(ids, r.rec.ID)
		}
	}
	return ids
}

// MarkEmbedsRendered moves a pending update to rendered and returns its
// descriptors. It reports false if the update was not pending.
func (f *Feed) MarkEmbedsRendered(id string) ([]Embed, bool) {
	rec, ok := f.byID[id]
	if !ok || rec.embeds != EmbedPending {
		return nil, false
	}
	rec.embeds = EmbedRendered
	return append([]Embed(nil), rec.Embeds...), true
}

func embedsEqual(a, b []Embed) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
