package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	livethread "github.com/livethread/livethread-go"
)

var (
	followPlain    bool
	followInterval string
)

func init() {
	followCmd.Flags().BoolVar(&followPlain, "plain", false, "Print updates as lines instead of the fullscreen view")
	followCmd.Flags().StringVar(&followInterval, "heartbeat", "", "Heartbeat interval (e.g. 10m)")
	rootCmd.AddCommand(followCmd)
}

var followCmd = &cobra.Command{
	Use:   "follow <event-id>",
	Short: "Follow a live thread in real time",
	Long:  "Load a live thread, then stream new updates, strikes and deletions as they happen.\nFalls back to plain output when stdout is not a terminal.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := []livethread.SessionOption{
			livethread.WithEmbedOrigin(cfg.Default.EmbedOrigin),
		}
		if followInterval != "" {
			d, err := time.ParseDuration(followInterval)
			if err != nil {
				return fmt.Errorf("invalid heartbeat interval: %w", err)
			}
			opts = append(opts, livethread.WithHeartbeatInterval(d))
		}

		if followPlain || !isInteractive() {
			session := livethread.NewSession(clientFromConfig(cfg, args[0]), append(opts, livethread.WithLogger(logger))...)
			return followPlainText(ctx, session, os.Stdout)
		}

		if err := setupLogging(cfg.Log, true); err != nil {
			return err
		}
		return followFullscreen(ctx, cfg, args[0], append(opts, livethread.WithLogger(logger)))
	},
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// ============================================================================
// Plain output
// ============================================================================

// plainPrinter writes feed changes as lines. It runs on the session loop.
type plainPrinter struct {
	out     io.Writer
	feed    *livethread.Feed
	printed map[string]bool
	struck  map[string]bool
	pinned  string
}

func (p *plainPrinter) FeedChanged(c livethread.Change) {
	switch c.Kind {
	case livethread.ChangeReset:
		rows := p.feed.Rows()
		for i := len(rows) - 1; i >= 0; i-- {
			if rows[i].Kind == livethread.RowUpdate {
				p.printUpdate(rows[i].Update)
			}
		}
	case livethread.ChangeInserted:
		if c.Position == livethread.AtHead {
			p.printUpdate(c.Update)
		}
	case livethread.ChangeUpdated:
		if c.Update.Stricken && !p.struck[c.ID] {
			p.struck[c.ID] = true
			fmt.Fprintf(p.out, "[struck] %s\n", c.ID)
		}
		if pinned := p.feed.Pinned(); pinned != p.pinned {
			p.pinned = pinned
			fmt.Fprintf(p.out, "[pinned] %s\n", valueOrDefault(pinned, "(none)"))
		}
	case livethread.ChangeRemoved:
		fmt.Fprintf(p.out, "[deleted] %s\n", c.ID)
	case livethread.ChangeSettings:
		fmt.Fprintf(p.out, "== %s ==\n", p.feed.Title())
	}
}

func (p *plainPrinter) printUpdate(u livethread.Update) {
	if p.printed[u.ID] {
		return
	}
	p.printed[u.ID] = true
	if u.Stricken {
		p.struck[u.ID] = true
	}
	ts := u.CreatedAt.In(p.location()).Format("15:04")
	fmt.Fprintf(p.out, "%s %s %s\n", ts, valueOrDefault(u.Author, "[deleted]"), renderBody(u))
}

func (p *plainPrinter) location() *time.Location {
	if loc := p.feed.Location(); loc != nil {
		return loc
	}
	return time.UTC
}

func followPlainText(ctx context.Context, session *livethread.Session, out io.Writer) error {
	printer := &plainPrinter{out: out, feed: session.Feed(), printed: make(map[string]bool), struck: make(map[string]bool)}
	session.Subscribe(printer)
	session.OnStatus(func(st livethread.Status) {
		fmt.Fprintf(os.Stderr, "-- %s\n", st.Text)
	})
	return session.Run(ctx)
}
