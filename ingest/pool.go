package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/dhcgn/mailsink/model"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("ingest pool closed")

type job struct {
	ctx   context.Context
	env   model.Envelope
	reply chan outcome
}

type outcome struct {
	result Result
	err    error
}

// Pool runs live deliveries on a fixed set of workers so listeners never
// block on disk writes. No ledger is involved.
type Pool struct {
	driver *Driver
	logger *slog.Logger
	jobs   chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(driver *Driver, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pool{
		driver: driver,
		logger: logger,
		jobs:   make(chan job),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit hands env to a worker and waits for its result. A job that was
// picked up always runs to completion, even if ctx ends meanwhile.
func (p *Pool) Submit(ctx context.Context, env model.Envelope) (Result, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return Result{}, ErrPoolClosed
	}

	reply := make(chan outcome, 1)
	select {
	case p.jobs <- job{ctx: context.WithoutCancel(ctx), env: env, reply: reply}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return Result{}, ctx.Err()
	}

	select {
	case out := <-reply:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight ones.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		result, err := p.driver.Ingest(j.ctx, j.env)
		if err != nil {
			p.logger.Warn("live ingest failed", "source", j.env.Source, "permanent", Permanent(err), "err", err)
		} else {
			p.logger.Info("message stored", "source", j.env.Source, "folders", result.Folders)
		}
		j.reply <- outcome{result: result, err: err}
	}
}
