// Package runner executes message tasks on a fixed number of workers fed by
// a bounded backlog. Submissions beyond the backlog either wait or are
// rejected; nothing is queued without bound and nothing is dropped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	ErrBacklogFull = errors.New("worker backlog is full")
	ErrPoolClosed  = errors.New("worker pool is closed")
)

// Admission selects what Submit does when the backlog is full.
type Admission string

const (
	AdmissionBlock  Admission = "block"
	AdmissionReject Admission = "reject"
)

// ParseAdmission accepts "block" or "reject" (case-insensitive).
func ParseAdmission(s string) (Admission, error) {
	switch a := Admission(strings.ToLower(strings.TrimSpace(s))); a {
	case AdmissionBlock, AdmissionReject:
		return a, nil
	case "":
		return AdmissionBlock, nil
	default:
		return "", fmt.Errorf("unknown admission policy %q", s)
	}
}

// Task is one unit of work. ctx is cancelled only when Close gives up
// waiting.
type Task func(ctx context.Context)

type Options struct {
	Workers   int
	Backlog   int
	Admission Admission
}

type Pool struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	tasks chan Task
	group *errgroup.Group

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	inflight  atomic.Int64
	completed atomic.Int64
}

// NewPool starts opts.Workers workers. Workers and Backlog must be positive.
func NewPool(opts Options, logger *slog.Logger) (*Pool, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive")
	}
	if opts.Backlog < 0 {
		return nil, fmt.Errorf("backlog must not be negative")
	}
	if opts.Admission == "" {
		opts.Admission = AdmissionBlock
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:   opts,
		logger: logger.With("component", "runner"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan Task, opts.Backlog),
		group:  &errgroup.Group{},
		done:   make(chan struct{}),
	}

	for i := 0; i < opts.Workers; i++ {
		p.group.Go(p.worker)
	}
	go func() {
		_ = p.group.Wait()
		close(p.done)
	}()

	return p, nil
}

// Capacity is the number of tasks the pool holds before admission control
// applies: running plus queued.
func (p *Pool) Capacity() int {
	return p.opts.Workers + p.opts.Backlog
}

// Submit hands task to the pool following the configured admission policy.
// With AdmissionBlock it waits for backlog space until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.opts.Admission == AdmissionReject {
		return p.TrySubmit(task)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit: %w", ctx.Err())
	}
}

// TrySubmit queues task only if backlog space is free right now.
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.tasks)
}

// InFlight returns the number of tasks being executed.
func (p *Pool) InFlight() int {
	return int(p.inflight.Load())
}

// Completed returns the number of tasks that finished.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Close stops admission and waits for queued and running tasks. If ctx ends
// first, task contexts are cancelled and Close still waits for workers to
// return.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool drain interrupted", "queued", p.Queued(), "inflight", p.InFlight())
		p.cancel()
		<-p.done
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}

func (p *Pool) worker() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

func (p *Pool) run(task Task) {
	p.inflight.Add(1)
	defer func() {
		p.inflight.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r)
		}
	}()
	task(p.ctx)
}
