package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-cantor/internal/config"
)

var version = "0.1.0-dev"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "cantor",
	Short:         "Render sung vocal tracks from scored lyrics",
	Long:          `cantor decodes a score, synthesizes each lyric, retargets it to the written pitch and mixes the phrases into WAV files.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig reads the configuration and builds the CLI logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, newLogger(os.Stderr, cfg), nil
}

// newLogger writes text to a terminal and JSON everywhere else.
func newLogger(w *os.File, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg)}
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func logLevel(cfg config.Config) slog.Level {
	if cfg.Debug {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Telemetry.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
