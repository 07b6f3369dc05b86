// Package workerpool bounds how many background authentication attempts run
// at once and how many may wait for a worker.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrClosed = errors.New("workerpool: shut down")
	ErrFull   = errors.New("workerpool: all workers busy and queue full")
)

// Task receives a context that is cancelled when the submitter's context is
// or when the pool shuts down.
type Task func(ctx context.Context)

type Pool struct {
	admitted chan struct{} // workers + queue
	running  chan struct{} // workers
	inFlight atomic.Int32
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	log.Debug("worker pool ready", "workers", workers, "queue", queue)
	return &Pool{
		admitted: make(chan struct{}, workers+queue),
		running:  make(chan struct{}, workers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// InFlight returns the number of admitted tasks that have not finished.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Go admits task without blocking. It fails with ErrFull when every worker
// and queue slot is taken, and ErrClosed after Shutdown.
func (p *Pool) Go(parent context.Context, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	select {
	case p.admitted <- struct{}{}:
	default:
		p.mu.Unlock()
		log.Warn("worker pool full, task rejected", "inFlight", p.InFlight())
		return ErrFull
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.mu.Unlock()

	go p.exec(parent, task)
	return nil
}

func (p *Pool) exec(parent context.Context, task Task) {
	defer func() {
		<-p.admitted
		p.inFlight.Add(-1)
		p.wg.Done()
	}()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(p.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	// A task cancelled while queued still runs, with its cancelled context,
	// so it can report the outcome.
	select {
	case p.running <- struct{}{}:
		defer func() { <-p.running }()
	case <-ctx.Done():
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(ctx)
}

// Shutdown stops admitting tasks and waits for admitted ones. If ctx ends
// first the remaining tasks are cancelled and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		log.Warn("worker pool shutdown timed out, cancelling tasks", "inFlight", p.InFlight())
		p.cancel()
		return ctx.Err()
	}
}
