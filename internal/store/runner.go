package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWriteTimeout bounds a single store write issued through Runner.
const DefaultWriteTimeout = 5 * time.Second

// ErrQueueFull is returned by Submit when the write queue is saturated. The caller reconciles at once.
var ErrQueueFull = errors.New("store: write queue full")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("store: runner closed")

// Result reports a failed write. Undo is the compensating action registered with the write; it must
// run on the event loop.
type Result struct {
	Op    string
	Actor string
	Err   error
	Undo  func()
}

// Write is one queued store operation.
type Write struct {
	Op string
	// Actor is the connection to notify if the write fails; empty for system writes.
	Actor string
	Do    func(ctx context.Context) error
	Undo  func()
}

// Runner applies writes off the event loop, one at a time in submission order, and posts failures to
// the results channel.
type Runner struct {
	jobs    chan Write
	results chan<- Result
	stop    chan struct{}
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner starts a runner with a queue of the given depth. timeout <= 0 uses DefaultWriteTimeout.
func NewRunner(results chan<- Result, queue int, timeout time.Duration, log *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if queue <= 0 {
		queue = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		jobs:    make(chan Write, queue),
		results: results,
		stop:    make(chan struct{}),
		timeout: timeout,
		log:     log,
	}
	r.wg.Add(1)
	go r.work()
	return r
}

// Submit queues w without blocking.
func (r *Runner) Submit(w Write) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.jobs <- w:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending is the number of queued writes.
func (r *Runner) Pending() int { return len(r.jobs) }

// Close stops accepting writes, drains the queue and waits for the worker. Failures during the drain
// are logged only.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	close(r.jobs)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) work() {
	defer r.wg.Done()
	for w := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := w.Do(ctx)
		cancel()
		if err == nil {
			continue
		}
		r.log.Warn("store: write failed", zap.String("op", w.Op), zap.String("actor", w.Actor), zap.Error(err))
		select {
		case r.results <- Result{Op: w.Op, Actor: w.Actor, Err: err, Undo: w.Undo}:
		case <-r.stop:
		}
	}
}
