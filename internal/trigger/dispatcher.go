package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"avs/internal/logging"
	"avs/internal/task"
)

// Runner executes one task against a checker address.
type Runner interface {
	Run(ctx context.Context, fileReference, checkerAddress string) (task.Summary, error)
}

// AddressResolver returns the current checker address (host:port).
type AddressResolver func() (string, error)

// Stats counts dispatched tasks.
type Stats struct {
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	NoWork    uint64 `json:"no_work"`
}

// Dispatcher runs requests from its sources one at a time.
type Dispatcher struct {
	runner   Runner
	resolve  AddressResolver
	logger   logging.Logger
	buffer   int
	observer func(Request, task.Summary, error)

	succeeded atomic.Uint64
	failed    atomic.Uint64
	noWork    atomic.Uint64
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logging.OrNop(logger) }
}

// WithObserver is called after every dispatched request.
func WithObserver(fn func(Request, task.Summary, error)) DispatcherOption {
	return func(d *Dispatcher) { d.observer = fn }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(runner Runner, resolve AddressResolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		runner:  runner,
		resolve: resolve,
		logger:  logging.NewComponentLogger("trigger"),
		buffer:  16,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts every source and handles their requests serially until ctx is
// done and all sources returned. A failing source or task does not stop the
// dispatcher.
func (d *Dispatcher) Run(ctx context.Context, sources ...Source) error {
	requests := make(chan Request, d.buffer)

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.logger.Info("Starting trigger source %s", src.Name())
			if err := src.Run(ctx, requests); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("Trigger source %s stopped: %v", src.Name(), err)
				return
			}
			d.logger.Debug("Trigger source %s finished", src.Name())
		}()
	}
	go func() {
		wg.Wait()
		close(requests)
	}()

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			_, _ = d.Dispatch(ctx, req)
		case <-ctx.Done():
			return nil
		}
	}
}

// Dispatch runs one request synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (task.Summary, error) {
	if req.Fallback {
		d.logger.Warn("Task from %s carried an undecodable file reference, using %q", req.Origin, req.FileReference)
	}

	addr, err := d.resolve()
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("Task %q: resolve checker: %v", req.FileReference, err)
		d.notify(req, task.Summary{FileReference: req.FileReference}, err)
		return task.Summary{}, err
	}

	summary, err := d.runner.Run(ctx, req.FileReference, addr)
	switch {
	case err != nil:
		d.failed.Add(1)
		d.logger.Error("Task %q from %s failed: %v", req.FileReference, req.Origin, err)
	case summary.NoWork:
		d.noWork.Add(1)
		d.logger.Info("Task %q: no files to process", req.FileReference)
	default:
		d.succeeded.Add(1)
		d.logger.Info("Task %q: processed %d, submitted %d, skipped %d",
			req.FileReference, summary.ProcessedCount, summary.Submitted, summary.Skipped)
	}
	d.notify(req, summary, err)
	return summary, err
}

func (d *Dispatcher) notify(req Request, summary task.Summary, err error) {
	if d.observer != nil {
		d.observer(req, summary, err)
	}
}

// Stats returns counters of dispatched tasks.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		NoWork:    d.noWork.Load(),
	}
}
