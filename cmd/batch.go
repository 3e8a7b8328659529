package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailsink/config"
	"github.com/dhcgn/mailsink/filter"
	"github.com/dhcgn/mailsink/ingest"
	"github.com/dhcgn/mailsink/ledger"
	"github.com/dhcgn/mailsink/progress"
	"github.com/dhcgn/mailsink/runner"
	"github.com/dhcgn/mailsink/stats"
	"github.com/dhcgn/mailsink/storage"
)

// registerFunc adds the source stage to r and returns the expected message
// count, or zero when unknown.
type registerFunc func(r *runner.Runner) (int, error)

// runBatch runs one ledger-backed pass: reconcile, ingest every new or
// changed source, flush.
func runBatch(ctx context.Context, cfg config.Config, logger *slog.Logger, register registerFunc) (stats.Summary, error) {
	store, err := ledger.OpenStore(cfg.Ledger.Backend, cfg.Ledger.Path)
	if err != nil {
		return stats.Summary{}, err
	}
	l, err := ledger.Open(store, logger)
	if err != nil {
		_ = store.Close()
		return stats.Summary{}, fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if err := l.Close(); err != nil {
			logger.Warn("closing ledger failed", "err", err)
		}
	}()
	logger.Info("ledger loaded", "path", cfg.Ledger.Path, "backend", cfg.Ledger.Backend, "state", l.State().String(), "entries", l.Len())

	writer := storage.New(storage.Options{DryRun: cfg.DryRun}, logger)

	mode, err := ledger.ParseReconcileMode(cfg.Ledger.Reconcile)
	if err != nil {
		return stats.Summary{}, err
	}
	if l.ShouldReconcile(mode) {
		report, err := l.Reconcile(cfg.Output, writer)
		if err != nil {
			return stats.Summary{}, fmt.Errorf("reconcile: %w", err)
		}
		logger.Info("ledger reconciled", "checked", report.Checked, "dropped", len(report.Dropped), "markerRecordsRemoved", report.RecordsRemoved)
	}

	f, err := filter.New(cfg.Filter.Options())
	if err != nil {
		return stats.Summary{}, fmt.Errorf("create filter: %w", err)
	}

	r := runner.New(ctx, runner.Options{Ledger: l, Filter: f, DryRun: cfg.DryRun}, logger)
	driver := ingest.NewDriver(ingest.Options{OutputRoot: cfg.Output}, writer, logger)
	if _, err := ingest.NewStage(driver, r, logger); err != nil {
		r.CloseSource()
		_ = r.Start()
		return stats.Summary{}, err
	}

	total, err := register(r)
	if err != nil {
		r.CloseSource()
		_ = r.Start()
		return stats.Summary{}, err
	}

	bar := progress.New(total, cfg.Log.Level)
	reporter := progress.NewReporter(r, bar, logger)

	runErr := r.Start()
	summary := reporter.Summary()

	if cfg.Filter.Options().Active() {
		printFilterHits(f.Stats())
	}

	if !cfg.DryRun {
		if err := l.Flush(); err != nil {
			if runErr == nil {
				runErr = fmt.Errorf("flush ledger: %w", err)
			}
			logger.Error("flushing ledger failed", "err", err)
		}
	}

	if runErr != nil {
		return summary, runErr
	}
	if summary.Errors > 0 {
		return summary, fmt.Errorf("%d source(s) failed", summary.Errors)
	}
	return summary, nil
}

func printFilterHits(hits []filter.PatternHits) {
	if len(hits) == 0 {
		return
	}
	pterm.DefaultSection.Println("Filter hits")
	for _, h := range hits {
		if h.Hits > 0 {
			pterm.Printf("  ✓ %s %s: %d hits\n", h.Kind, h.Pattern, h.Hits)
		} else {
			pterm.Printf("  ✗ %s %s: 0 hits\n", h.Kind, h.Pattern)
		}
	}
}
