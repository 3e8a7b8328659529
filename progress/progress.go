package progress

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailsink/stats"
)

// Bar manages a progress bar for tracking message processing.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a new progress bar if logLevel is "info".
func New(total int, logLevel string) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Ingesting messages").
			Start()

		bar.pb = pb

		pterm.Info.Printf("Messages found: %d\n", total)
		pterm.Println()
	}

	return bar
}

func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Done returns how many sources reached a final state.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Update advances the bar once per source outcome. Scanned and enqueued
// events are intermediate and only change the title.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		if b.pb != nil && evt.Source != "" {
			b.pb.UpdateTitle("Processing: " + shorten(evt.Source, 40))
		}
		return
	case stats.EventTypeEnqueued:
		return
	case stats.EventTypeError:
		if b.pb != nil && evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.Source, evt.Err)
		}
	}

	b.done++
	if b.pb != nil && b.pb.Current < b.total {
		b.pb.Increment()
	}
}

// shorten keeps the tail of s, which for paths is the file name.
func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return "..." + string(r[len(r)-max+3:])
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Processing complete!")
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter collects run statistics and, when the bar is enabled, drives it
// and prints a summary table at the end.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	stream.SubscribeStats("progress-stats", reporter.collectStats)
	return reporter
}

func (pr *Reporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				pr.finish()
				return nil
			}
			pr.collector.Apply(evt)
			if pr.bar.Enabled() {
				pr.bar.Update(evt)
			}
		}
	}
}

func (pr *Reporter) finish() {
	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if !pr.bar.Enabled() {
		pr.logger.Info("stats summary", append(summary.LogAttrs(), "duration", duration)...)
		for _, failure := range summary.Failures {
			pr.logger.Warn("source failed", "source", failure.Source, "err", failure.Err)
		}
		return
	}

	pr.bar.Stop()
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Ingested: %d\n", summary.Ingested)
	pterm.Info.Printf("Dry-run: %d\n", summary.DryRun)
	pterm.Info.Printf("Already current (skipped): %d\n", summary.Current)
	pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	for _, failure := range summary.Failures {
		pterm.Error.Printf("%s: %v\n", failure.Source, failure.Err)
	}
}
