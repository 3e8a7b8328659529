package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsink/config"
)

var rootCmd = &cobra.Command{
	Use:           "mailsink",
	Short:         "Store incoming email as text files and attachments in per-recipient folders",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.RegisterPersistentFlags(rootCmd)
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// prepare loads the configuration for mode and installs the logger. The
// returned cleanup closes the log file.
func prepare(cmd *cobra.Command, mode config.Mode) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(cmd, mode)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	if mode != config.ModeStats {
		abs, err := filepath.Abs(cfg.Output)
		if err != nil {
			return config.Config{}, nil, nil, fmt.Errorf("resolve output directory: %w", err)
		}
		cfg.Output = abs
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.Log.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.Log.Dir != "" {
		if err := os.MkdirAll(cfg.Log.Dir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.Log.Dir, fmt.Sprintf("mailsink-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
