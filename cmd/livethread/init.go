package main

import (
	"fmt"

	livethread "github.com/livethread/livethread-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [token]",
	Short: "Write ~/.livethread/config.toml",
	Long:  "Initialize the livethread CLI with default endpoints. The optional token is used for moderation commands.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if len(args) == 1 {
			cfg.Default.Token = args[0]
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = livethread.DefaultBaseURL
		}
		if cfg.Default.PixelDomain == "" {
			cfg.Default.PixelDomain = livethread.DefaultPixelDomain
		}
		if cfg.Default.EmbedOrigin == "" {
			cfg.Default.EmbedOrigin = livethread.DefaultEmbedOrigin
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
