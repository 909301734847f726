package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	livethread "github.com/livethread/livethread-go"
)

const (
	// linePixels converts terminal lines to the pixel units the session
	// uses for its near-bottom threshold.
	linePixels = 20

	headerRows   = 2
	footerRows   = 1
	noticeTTL    = 8 * time.Second
	scrollStep   = 1
	minBodyWidth = 20
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	separatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	authorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
	pinnedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	strickenStyle  = lipgloss.NewStyle().Strikethrough(true).Foreground(lipgloss.Color("8"))
	embedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

// ============================================================================
// Messages
// ============================================================================

type feedMsg struct {
	rows     []livethread.Row
	title    string
	activity livethread.Activity
	pinned   string
	loc      *time.Location
}

type statusMsg livethread.Status

type notifyMsg struct{ title, text string }

type clearNotifyMsg struct{}

type badgeMsg int

type sessionDoneMsg struct{ err error }

type tickMsg time.Time

// ============================================================================
// Viewport bridge
// ============================================================================

// visibleSet is the set of update IDs currently on screen. The model writes
// it; the session loop reads it during embed sweeps.
type visibleSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (v *visibleSet) IsVisible(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ids[id]
}

func (v *visibleSet) replace(ids map[string]bool) {
	v.mu.Lock()
	v.ids = ids
	v.mu.Unlock()
}

// programNotifier forwards notifications into the program.
type programNotifier struct{ send func(tea.Msg) }

func (n programNotifier) Notify(title, message string) { n.send(notifyMsg{title: title, text: message}) }
func (n programNotifier) ClearNotifications()         { n.send(clearNotifyMsg{}) }
func (n programNotifier) SetBadge(count int)          { n.send(badgeMsg(count)) }

// ============================================================================
// Model
// ============================================================================

type model struct {
	session *livethread.Session
	visible *visibleSet

	width, height int

	feed   feedMsg
	status livethread.Status
	unread int
	notice string
	noteAt time.Time
	err    error

	lines  []string
	owners []string
	offset int
}

func newModel(session *livethread.Session, visible *visibleSet) model {
	return model{
		session: session,
		visible: visible,
		status:  livethread.Status{State: livethread.StateDisconnected, Text: "loading..."},
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.relayout()
		return m, nil
	case feedMsg:
		m.feed = msg
		m.relayout()
		return m, tea.SetWindowTitle(m.windowTitle())
	case statusMsg:
		m.status = livethread.Status(msg)
		return m, nil
	case notifyMsg:
		m.notice = livethread.Ellipsize(msg.text, m.bodyWidth())
		m.noteAt = time.Now()
		return m, nil
	case clearNotifyMsg:
		m.notice = ""
		return m, nil
	case badgeMsg:
		m.unread = int(msg)
		return m, tea.SetWindowTitle(m.windowTitle())
	case sessionDoneMsg:
		m.err = msg.err
		return m, tea.Quit
	case tickMsg:
		if m.notice != "" && time.Since(m.noteAt) > noticeTTL {
			m.notice = ""
		}
		return m, tickCmd()
	case tea.KeyMsg:
		return m.updateKeys(msg)
	}
	if visible, ok := focusReport(msg); ok {
		m.session.SetVisible(visible)
	}
	return m, nil
}

// Focus reporting (DECSET 1004) makes the terminal send CSI I on focus and
// CSI O on blur. bubbletea has no message type for them and delivers them
// as unknown CSI sequences, which print as "?CSI[<bytes>]?".
const (
	enableFocusReporting  = "\x1b[?1004h"
	disableFocusReporting = "\x1b[?1004l"
	focusInReport         = "?CSI[73]?"
	focusOutReport        = "?CSI[79]?"
)

// focusReport reports whether msg is a terminal focus change and which way.
func focusReport(msg tea.Msg) (visible, ok bool) {
	s, isStringer := msg.(fmt.Stringer)
	if !isStringer {
		return false, false
	}
	switch s.String() {
	case focusInReport:
		return true, true
	case focusOutReport:
		return false, true
	}
	return false, false
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "j", "down":
		m.scrollTo(m.offset + scrollStep)
	case "k", "up":
		m.scrollTo(m.offset - scrollStep)
	case "pgdown", "ctrl+d", " ":
		m.scrollTo(m.offset + m.bodyHeight())
	case "pgup", "ctrl+u":
		m.scrollTo(m.offset - m.bodyHeight())
	case "g", "home":
		m.scrollTo(0)
	case "G", "end":
		m.scrollTo(len(m.lines))
	}
	return m, nil
}

func (m *model) scrollTo(offset int) {
	maxOffset := len(m.lines) - m.bodyHeight()
	if offset > maxOffset {
		offset = maxOffset
	}
	if offset < 0 {
		offset = 0
	}
	m.offset = offset
	m.publishViewport()
	m.session.Scroll(livethread.ScrollPosition{
		Offset:         m.offset * linePixels,
		ViewportHeight: m.bodyHeight() * linePixels,
		ContentHeight:  len(m.lines) * linePixels,
	})
}

func (m model) bodyHeight() int {
	h := m.height - headerRows - footerRows
	if h < 1 {
		return 1
	}
	return h
}

func (m model) bodyWidth() int {
	if m.width < minBodyWidth {
		return minBodyWidth
	}
	return m.width
}

func (m model) windowTitle() string {
	title := valueOrDefault(m.feed.title, "live thread")
	if m.unread > 0 {
		return fmt.Sprintf("(%d) %s", m.unread, title)
	}
	return title
}

// ============================================================================
// Layout
// ============================================================================

// relayout renders the rows into lines and tells the session which updates
// are on screen.
func (m *model) relayout() {
	m.lines = m.lines[:0]
	m.owners = m.owners[:0]
	width := m.bodyWidth()
	loc := m.feed.loc
	if loc == nil {
		loc = time.UTC
	}

	for _, row := range m.feed.rows {
		if row.Kind == livethread.RowSeparator {
			label := fmt.Sprintf("── %s ──", row.Separator.In(loc).Format("Jan 2 15:04"))
			m.add("", separatorStyle.Render(label))
			continue
		}
		u := row.Update
		header := dimStyle.Render(u.CreatedAt.In(loc).Format("15:04")) + " " + authorStyle.Render(valueOrDefault(u.Author, "[deleted]"))
		if u.ID == m.feed.pinned {
			header += " " + pinnedStyle.Render("[pinned]")
		}
		m.add(u.ID, header)

		body := renderBody(u)
		if u.Stricken {
			body = strickenStyle.Width(width).Render(body)
		} else {
			body = lipgloss.NewStyle().Width(width).Render(body)
		}
		for _, line := range strings.Split(body, "\n") {
			m.add(u.ID, line)
		}

		switch row.EmbedState {
		case livethread.EmbedPending:
			m.add(u.ID, embedStyle.Render(fmt.Sprintf("[%d embeds]", len(u.Embeds))))
		case livethread.EmbedRendered:
			for _, e := range u.Embeds {
				m.add(u.ID, embedStyle.Render(fmt.Sprintf("▶ %s (%dx%d)", e.URL, e.Width, e.Height)))
			}
		}
		m.add(u.ID, "")
	}

	if m.offset > len(m.lines)-m.bodyHeight() {
		m.offset = max(0, len(m.lines)-m.bodyHeight())
	}
	m.publishViewport()
}

func (m *model) add(owner, line string) {
	m.lines = append(m.lines, line)
	m.owners = append(m.owners, owner)
}

func (m *model) publishViewport() {
	ids := make(map[string]bool)
	end := min(len(m.owners), m.offset+m.bodyHeight())
	for i := m.offset; i < end; i++ {
		if id := m.owners[i]; id != "" {
			ids[id] = true
		}
	}
	m.visible.replace(ids)
	m.session.ViewportChanged()
}

func (m model) View() string {
	width := m.bodyWidth()

	title := titleStyle.Render(valueOrDefault(m.feed.title, "live thread"))
	if m.feed.activity.Count > 0 {
		title += dimStyle.Render(fmt.Sprintf("  %s viewers", m.feed.activity))
	}
	statusLine := dimStyle.Render(m.status.Text)
	if m.status.Error {
		statusLine = errStyle.Render(m.status.Text)
	}

	end := min(len(m.lines), m.offset+m.bodyHeight())
	body := make([]string, 0, m.bodyHeight())
	if m.offset < end {
		body = append(body, m.lines[m.offset:end]...)
	}
	for len(body) < m.bodyHeight() {
		body = append(body, "")
	}

	footer := dimStyle.Render("j/k scroll · g/G top/bottom · q quit")
	if m.notice != "" {
		footer = pinnedStyle.Render("new: ") + m.notice
	}
	if m.err != nil {
		footer = errStyle.Render("Error: " + m.err.Error())
	}

	parts := []string{
		lipgloss.NewStyle().MaxWidth(width).Render(title),
		lipgloss.NewStyle().MaxWidth(width).Render(statusLine),
	}
	parts = append(parts, body...)
	parts = append(parts, lipgloss.NewStyle().MaxWidth(width).Render(footer))
	return strings.Join(parts, "\n")
}

// ============================================================================
// Runner
// ============================================================================

// followFullscreen runs the session behind a fullscreen view until the
// reader quits or ctx is canceled.
func followFullscreen(ctx context.Context, cfg *Config, eventID string, opts []livethread.SessionOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	visible := &visibleSet{ids: make(map[string]bool)}
	var program *tea.Program
	send := func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	}
	bridge := programNotifier{send: send}

	session := livethread.NewSession(clientFromConfig(cfg, eventID), append(opts,
		livethread.WithViewport(visible),
		livethread.WithNotifier(bridge),
		livethread.WithBadge(bridge),
	)...)

	program = tea.NewProgram(newModel(session, visible), tea.WithAltScreen(), tea.WithContext(ctx))

	feed := session.Feed()
	snapshot := func() {
		send(feedMsg{
			rows:     feed.Rows(),
			title:    feed.Title(),
			activity: feed.Activity(),
			pinned:   feed.Pinned(),
			loc:      feed.Location(),
		})
	}
	session.Subscribe(livethread.ObserverFunc(func(livethread.Change) { snapshot() }))
	session.OnStatus(func(st livethread.Status) { send(statusMsg(st)) })

	done := make(chan error, 1)
	go func() {
		err := session.Run(ctx)
		done <- err
		send(sessionDoneMsg{err: err})
	}()

	fmt.Fprint(os.Stdout, enableFocusReporting)
	_, runErr := program.Run()
	fmt.Fprint(os.Stdout, disableFocusReporting)
	interrupted := ctx.Err() != nil
	cancel()
	if err := <-done; err != nil {
		return err
	}
	if runErr != nil && !interrupted {
		return fmt.Errorf("terminal ui: %w", runErr)
	}
	return nil
}
