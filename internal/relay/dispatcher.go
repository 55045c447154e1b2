package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrDispatcherClosed is returned by Submit once Drain has started.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher runs relay cycles off the receive loop on a bounded pool of
// goroutines. When every slot is busy, Submit blocks, which applies
// backpressure to the caller.
type Dispatcher struct {
	size     int64
	sem      *semaphore.Weighted
	closed   atomic.Bool
	drained  atomic.Bool
	inFlight atomic.Int64
	logger   *slog.Logger
}

func NewDispatcher(maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		size:   int64(maxConcurrent),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger,
	}
}

// Submit waits for a free slot and runs fn on its own goroutine. ctx bounds
// only the wait; fn receives a context that is not cancelled with ctx, so
// shutdown drains in-flight work instead of aborting it. A panic in fn is
// recovered and logged.
func (d *Dispatcher) Submit(ctx context.Context, fn func(context.Context)) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker: %w", err)
	}
	if d.closed.Load() {
		d.sem.Release(1)
		return ErrDispatcherClosed
	}

	d.inFlight.Add(1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatched task panic", "panic", r, "stack", string(debug.Stack()))
			}
			d.inFlight.Add(-1)
			d.sem.Release(1)
		}()
		fn(runCtx)
	}()
	return nil
}

// Drain stops accepting work and waits until every in-flight task has
// finished or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.closed.Store(true)
	if d.drained.Load() {
		return nil
	}
	if err := d.sem.Acquire(ctx, d.size); err != nil {
		return fmt.Errorf("drain: %d task(s) still running: %w", d.inFlight.Load(), err)
	}
	d.drained.Store(true)
	return nil
}

// InFlight returns the number of running tasks.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}
