package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dhcgn/mailsink/ledger"
	"github.com/dhcgn/mailsink/runner"
	"github.com/dhcgn/mailsink/stats"
)

// Stage is the batch consumer of the runner's pending envelopes. A failed
// source is reported and left without a ledger entry; the scan continues.
type Stage struct {
	driver *Driver
	runner *runner.Runner
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewStage(driver *Driver, r *runner.Runner, logger *slog.Logger) (*Stage, error) {
	if driver == nil {
		return nil, fmt.Errorf("driver must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	stage := &Stage{
		driver: driver,
		runner: r,
		ledger: r.Ledger(),
		logger: logger,
	}
	r.AddStage("ingest", stage.run)
	return stage, nil
}

func (s *Stage) run(ctx context.Context) error {
	pending := s.runner.Pending()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-pending:
			if !ok {
				return nil
			}

			result, err := s.driver.Ingest(ctx, env)
			if err != nil {
				s.logger.Error("ingest failed", "source", env.Source, "permanent", Permanent(err), "err", err)
				s.runner.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeError, Source: env.Source, Err: err})
				continue
			}

			if s.ledger != nil {
				if err := s.ledger.Record(env.Source, result.IngestedAt, result.Folders, env.Digest); err != nil {
					s.runner.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeError, Source: env.Source, Err: err})
					continue
				}
			}

			evtType := stats.EventTypeIngested
			if s.runner.DryRun() {
				evtType = stats.EventTypeDryRun
			}
			s.runner.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: evtType, Source: env.Source, Detail: strings.Join(result.Folders, ",")})
		}
	}
}
