package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var aboutJSON bool

func init() {
	aboutCmd.Flags().BoolVar(&aboutJSON, "json", false, "Output thread metadata as JSON")
	rootCmd.AddCommand(aboutCmd)
}

var aboutCmd = &cobra.Command{
	Use:     "about <event-id>",
	Aliases: []string{"status"},
	Short:   "Show configuration and thread status",
	Long:    "Display the current configuration and fetch the thread's title, state and viewer count.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := clientFromConfig(cfg, args[0])

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		about, err := client.About(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if aboutJSON {
			return printJSON(about)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Pixel Domain: %s\n", valueOrDefault(cfg.Default.PixelDomain, "(default)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}

		fmt.Println()
		fmt.Println("Thread:")
		fmt.Printf("  Title:     %s\n", valueOrDefault(about.Title, "(untitled)"))
		fmt.Printf("  State:     %s\n", valueOrDefault(about.State, "unknown"))
		fmt.Printf("  Viewers:   %s\n", about.Viewers)
		fmt.Printf("  Timezone:  %s\n", valueOrDefault(about.Timezone, "UTC"))
		fmt.Printf("  WebSocket: %s\n", valueOrDefault(about.WebSocketURL, "(none)"))
		if desc := plainText(about.DescriptionHTML); desc != "" {
			fmt.Println()
			fmt.Println(desc)
		} else if about.Description != "" {
			fmt.Println()
			fmt.Println(about.Description)
		}
		return nil
	},
}
