package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chazu/objcore/config"
	"golang.org/x/sync/errgroup"
)

// Pool runs independent jobs on a fixed set of Workers. Programs and
// objects are owned by the Context that created them; a job must not share
// them with jobs that may land on another Worker.
type Pool struct {
	workers []*Worker
	next    atomic.Uint64
}

// NewPool starts n Workers, each built by newWorker.
func NewPool(n int, newWorker func() *Worker) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = newWorker()
	}
	return p
}

// FromConfig starts a Pool sized and configured by c.
func FromConfig(c *config.Config) *Pool {
	opts := c.VMOptions()
	var options []Option
	if c.Collector.Enabled {
		options = append(options, WithCollector(c.SweepInterval()))
	}
	return NewPool(c.Scheduler.Workers, func() *Worker {
		return New(opts, options...)
	})
}

// Size returns the number of Workers.
func (p *Pool) Size() int { return len(p.workers) }

// Worker returns Worker i.
func (p *Pool) Worker(i int) *Worker { return p.workers[i] }

// Do runs fn on the next Worker in turn.
func (p *Pool) Do(c context.Context, fn Func) error {
	i := p.next.Add(1) - 1
	return p.workers[i%uint64(len(p.workers))].Do(c, fn)
}

// Run runs every job, job i on Worker i mod Size, with at most Size jobs
// in flight. The first failure cancels the jobs still waiting or running
// and is returned.
func (p *Pool) Run(c context.Context, jobs []Func) error {
	g, gctx := errgroup.WithContext(c)
	g.SetLimit(len(p.workers))
	for i, job := range jobs {
		w := p.workers[i%len(p.workers)]
		g.Go(func() error {
			if err := w.Do(gctx, job); err != nil {
				return fmt.Errorf("job %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop stops every Worker.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}
