package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailsink/filter"
	"github.com/dhcgn/mailsink/ledger"
	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/stats"
)

var ErrSourceMissing = errors.New("envelope has no source identity")

type StageFunc func(context.Context) error

// Options wires the dedup bridge. A nil Ledger or Filter disables that check.
type Options struct {
	Ledger *ledger.Ledger
	Filter *filter.Filter
	DryRun bool
}

// Runner connects a source stage to an ingest stage through the dedup bridge
// and fans events out to stats subscribers.
type Runner struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sources chan model.Envelope
	pending chan model.Envelope
	events  chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSourcesOnce sync.Once
	closePendingOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(parent context.Context, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(parent)

	r := &Runner{
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		sources: make(chan model.Envelope, 32),
		pending: make(chan model.Envelope, 32),
		events:  make(chan stats.Event, 128),
	}

	r.AddStage("bridge", r.bridge)
	return r
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Ledger() *ledger.Ledger {
	return r.opts.Ledger
}

func (r *Runner) DryRun() bool {
	return r.opts.DryRun
}

func (r *Runner) SourceWriter() chan<- model.Envelope {
	return r.sources
}

func (r *Runner) CloseSource() {
	r.closeSourcesOnce.Do(func() {
		close(r.sources)
	})
}

func (r *Runner) Pending() <-chan model.Envelope {
	return r.pending
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start waits for every stage and subscriber and returns the first fatal error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// bridge drops filtered and already current sources before they reach the ingest stage.
func (r *Runner) bridge(ctx context.Context) error {
	defer r.closePending()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.sources:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Source: envelope.Source, Err: envelope.Err})
				continue
			}

			if envelope.Source == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: ErrSourceMissing})
				continue
			}
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, Source: envelope.Source})

			if !r.opts.Filter.AllowsMessage(envelope.Raw) {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFiltered, Source: envelope.Source})
				continue
			}

			if r.isCurrent(envelope) {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeCurrent, Source: envelope.Source})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.pending <- envelope:
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeEnqueued, Source: envelope.Source})
			}
		}
	}
}

// isCurrent is true when the ledger entry is intact and the content did not change.
func (r *Runner) isCurrent(envelope model.Envelope) bool {
	l := r.opts.Ledger
	if l == nil {
		return false
	}
	entry, ok := l.Lookup(envelope.Source)
	if !ok {
		return false
	}
	if entry.Digest != "" && envelope.Digest != "" && entry.Digest != envelope.Digest {
		r.logger.Debug("source content changed", "source", envelope.Source)
		return false
	}
	return l.IsCurrent(envelope.Source)
}

func (r *Runner) closePending() {
	r.closePendingOnce.Do(func() {
		close(r.pending)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
