package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsink/config"
	"github.com/dhcgn/mailsink/httpapi"
	"github.com/dhcgn/mailsink/ingest"
	"github.com/dhcgn/mailsink/smtpd"
	"github.com/dhcgn/mailsink/storage"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept messages over SMTP and HTTP and store them as they arrive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd, config.ModeServe)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	config.RegisterServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

type listener interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// serve runs the enabled listeners until ctx ends or one of them fails.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	writer := storage.New(storage.Options{DryRun: cfg.DryRun}, logger)
	driver := ingest.NewDriver(ingest.Options{OutputRoot: cfg.Output}, writer, logger)
	pool := ingest.NewPool(driver, cfg.Workers, logger)
	defer pool.Close()

	var listeners []listener
	if cfg.SMTP.Addr != "" {
		listeners = append(listeners, smtpd.NewServer(smtpd.Options{
			Addr:            cfg.SMTP.Addr,
			Domain:          cfg.SMTP.Domain,
			MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
			MaxRecipients:   cfg.SMTP.MaxRecipients,
			ReadTimeout:     cfg.SMTP.ReadTimeout,
			WriteTimeout:    cfg.SMTP.WriteTimeout,
		}, pool, logger))
	}
	if cfg.HTTP.Addr != "" {
		listeners = append(listeners, httpapi.NewServer(httpapi.Options{
			Addr:         cfg.HTTP.Addr,
			Token:        cfg.HTTP.Token,
			MaxBodyBytes: cfg.HTTP.MaxBytes,
			RateLimit:    cfg.HTTP.RateLimit,
			Burst:        cfg.HTTP.Burst,
		}, pool, logger))
	}

	logger.Info("starting serve", "output", cfg.Output, "smtp", cfg.SMTP.Addr, "http", cfg.HTTP.Addr, "workers", cfg.Workers, "dryRun", cfg.DryRun)

	errCh := make(chan error, len(listeners))
	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l listener) {
			defer wg.Done()
			if err := l.ListenAndServe(); err != nil {
				errCh <- err
			}
		}(l)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", context.Cause(ctx))
	case runErr = <-errCh:
		logger.Error("listener failed", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, l := range listeners {
		if err := l.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("listener shutdown failed", "err", err)
		}
	}
	wg.Wait()

	return runErr
}
