// Package worker gives each interpreter Context a goroutine of its own. A
// Context is single-threaded: a Worker serializes every request onto its
// Context, and a Pool spreads independent jobs over several Workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/objcore/collector"
	"github.com/chazu/objcore/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("objcore.worker")

// ErrStopped is returned for requests made after Stop.
var ErrStopped = errors.New("worker stopped")

// Func is a unit of work run on a Worker's Context.
type Func func(ctx *vm.Context) error

// request represents a unit of work to be executed on the worker goroutine.
type request struct {
	fn   Func
	std  context.Context
	done chan error
}

// Worker serializes all access to one Context through a single goroutine.
// The goroutine holds the Context's token only while a request runs, so
// an attached collector sweeps between requests and at safepoints.
type Worker struct {
	ctx       *vm.Context
	requests  chan request
	quit      chan struct{}
	stopped   chan struct{}
	collector *collector.Collector
}

// Option configures a Worker.
type Option func(*Worker)

// WithCollector attaches a cycle collector sweeping at interval.
func WithCollector(interval time.Duration) Option {
	return func(w *Worker) {
		w.collector = collector.New(w.ctx, interval)
	}
}

// New creates a Worker with a fresh Context and starts its goroutine.
func New(opts vm.Options, options ...Option) *Worker {
	w := &Worker{
		ctx:      vm.NewContext(opts),
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range options {
		o(w)
	}
	go w.loop()
	if w.collector != nil {
		w.collector.Start()
	}
	log.Infof("worker for context %s started", w.ctx.ID)
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req)
		case <-w.quit:
			return
		}
	}
}

// execute runs one request with the token held. Recoverable panics from
// Go code come back as errors after the frames and stack slots the request
// left behind are unwound; invariant violations are not recovered.
func (w *Worker) execute(req request) (err error) {
	w.ctx.Enter()
	defer w.ctx.Leave()
	w.ctx.WithContext(req.std)
	defer w.ctx.WithContext(context.Background())

	depth, sp := w.ctx.Depth(), w.ctx.SP()
	defer func() {
		if r := recover(); r != nil {
			if fatal, ok := r.(*vm.FatalError); ok {
				log.Criticalf("worker for context %s: %v", w.ctx.ID, fatal)
				panic(fatal)
			}
			if w.ctx.Depth() > depth {
				w.ctx.UnwindTo(vm.FrameHandle(depth))
			}
			if n := w.ctx.SP() - sp; n > 0 {
				w.ctx.Drop(n)
			}
			err = fmt.Errorf("panic in worker request: %v", r)
		}
	}()
	return w.ctx.Catch(func() error { return req.fn(w.ctx) })
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes. Cancelling c aborts a running request at its next safepoint.
func (w *Worker) Do(c context.Context, fn Func) error {
	req := request{fn: fn, std: c, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return ErrStopped
	case <-c.Done():
		return c.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-w.stopped:
		return ErrStopped
	}
}

// Stats returns the Context's counters.
func (w *Worker) Stats(c context.Context) (vm.Stats, error) {
	var stats vm.Stats
	err := w.Do(c, func(ctx *vm.Context) error {
		stats = ctx.Stats()
		return nil
	})
	return stats, err
}

// Collector returns the attached collector, or nil.
func (w *Worker) Collector() *collector.Collector { return w.collector }

// ID returns the Context's identifier.
func (w *Worker) ID() string { return w.ctx.ID.String() }

// Stop shuts down the collector and the worker goroutine. Requests already
// queued are dropped.
func (w *Worker) Stop() {
	select {
	case <-w.quit:
		return
	default:
	}
	if w.collector != nil {
		w.collector.Stop()
	}
	close(w.quit)
	<-w.stopped
	log.Infof("worker for context %s stopped", w.ctx.ID)
}
