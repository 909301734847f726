package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	livethread "github.com/livethread/livethread-go"
)

func init() {
	rootCmd.AddCommand(pinCmd, unpinCmd, strikeCmd, deleteCmd)
}

// moderate runs one moderation call with a short deadline.
func moderate(eventID string, fn func(ctx context.Context, c *livethread.Client) error) error {
	requireToken()
	client := newClient(eventID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := fn(ctx, client); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return nil
}

var pinCmd = &cobra.Command{
	Use:   "pin <event-id> <update-id>",
	Short: "Pin an update to the top of the thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := moderate(args[0], func(ctx context.Context, c *livethread.Client) error {
			return c.Pin(ctx, args[1])
		})
		if err != nil {
			return err
		}
		fmt.Printf("Pinned %s\n", args[1])
		return nil
	},
}

var unpinCmd = &cobra.Command{
	Use:   "unpin <event-id>",
	Short: "Clear the pinned update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := moderate(args[0], func(ctx context.Context, c *livethread.Client) error {
			return c.Unpin(ctx)
		})
		if err != nil {
			return err
		}
		fmt.Println("Unpinned")
		return nil
	},
}

var strikeCmd = &cobra.Command{
	Use:   "strike <event-id> <update-id>",
	Short: "Mark an update as incorrect",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := moderate(args[0], func(ctx context.Context, c *livethread.Client) error {
			return c.Strike(ctx, args[1])
		})
		if err != nil {
			return err
		}
		fmt.Printf("Struck %s\n", args[1])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <event-id> <update-id>",
	Short: "Delete an update",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := moderate(args[0], func(ctx context.Context, c *livethread.Client) error {
			return c.Delete(ctx, args[1])
		})
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[1])
		return nil
	},
}
