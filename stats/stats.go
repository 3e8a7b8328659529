package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSource Stage = "source"
	StageIngest Stage = "ingest"
)

type EventType string

const (
	EventTypeScanned  EventType = "scanned"
	EventTypeFiltered EventType = "filtered"
	EventTypeCurrent  EventType = "current"
	EventTypeEnqueued EventType = "enqueued"
	EventTypeIngested EventType = "ingested"
	EventTypeDryRun   EventType = "dry_run"
	EventTypeError    EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Source string
	Err    error
	Detail string
}

// Failure is a source that could not be ingested during a run.
type Failure struct {
	Source string
	Err    error
}

type Summary struct {
	Scanned   int
	Filtered  int
	Current   int
	Enqueued  int
	Ingested  int
	DryRun    int
	Errors    int
	LastError error
	Failures  []Failure
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"current", s.Current,
		"enqueued", s.Enqueued,
		"ingested", s.Ingested,
		"dryRun", s.DryRun,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	summary.Failures = append([]Failure(nil), c.summary.Failures...)
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeCurrent:
		c.summary.Current++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeIngested:
		c.summary.Ingested++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
		c.summary.Failures = append(c.summary.Failures, Failure{Source: evt.Source, Err: evt.Err})
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
		for _, failure := range summary.Failures {
			r.logger.Warn("source failed", "source", failure.Source, "err", failure.Err)
		}
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is one value of a frequency table.
type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, ties broken by key.
// A limit <= 0 returns every key.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{Key: k, Value: v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
