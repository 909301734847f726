package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.livethread/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Token       string `toml:"token"`
	PixelDomain string `toml:"pixel_domain"`
	EmbedOrigin string `toml:"embed_origin"`
}

// ConfigLog holds logging settings.
type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.livethread, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".livethread")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "pixel_domain":
			cfg.Default.PixelDomain = value
		case "embed_origin":
			cfg.Default.EmbedOrigin = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, ok := logLevels[value]; !ok {
				return fmt.Errorf("unknown log level %q", value)
			}
			cfg.Log.Level = value
		case "format":
			if value != "console" && value != "json" {
				return fmt.Errorf("log format must be console or json")
			}
			cfg.Log.Format = value
		case "file":
			cfg.Log.File = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "livethread",
	Short: "Follow live threads from the terminal",
	Long:  "Command-line client for live threads.\nFollow a thread in real time, inspect it, and moderate updates.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return setupLogging(cfg.Log, false)
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
