package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.Nop()

var logLevels = map[string]zerolog.Level{
	"trace": zerolog.TraceLevel,
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
}

// setupLogging configures the process logger. In fullscreen mode logs go to
// a file so they do not draw over the screen.
func setupLogging(cfg ConfigLog, fullscreen bool) error {
	level, ok := logLevels[cfg.Level]
	if !ok {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if fullscreen || cfg.File != "" {
		path := cfg.File
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			path = filepath.Join(dir, "livethread.log")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		out = f
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
			NoColor:    out != os.Stderr,
		}
	}
	logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}
