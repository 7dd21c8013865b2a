// Package collector reclaims reference cycles that reference counting
// alone never frees. It works only through the enumerate-references
// contract of package vm: a sweep counts, for every node reachable from the
// tracked objects, how many of its references come from inside the graph.
// Nodes with references from outside (stacks, frames, program constants,
// Go code) are roots; tracked objects not reachable from a root are
// garbage and are destructed, which breaks their cycles.
package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/objcore/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("objcore.collector")

// DefaultInterval is the default sweep interval.
const DefaultInterval = 30 * time.Second

// ---------------------------------------------------------------------------
// Collector: periodic cycle sweeps for one Context
// ---------------------------------------------------------------------------

// Stats holds statistics from a single sweep.
type Stats struct {
	Objects       int // tracked objects scanned
	Nodes         int // objects, arrays, closures and scopes visited
	Roots         int
	Garbage       int // unreachable objects destructed
	Freed         int // garbage objects whose storage was reclaimed
	SweepDuration time.Duration
	Timestamp     time.Time
}

// Collector periodically sweeps one Context. The sweep goroutine takes the
// Context's token, so it runs only while the owner is parked at a safepoint
// or between calls.
type Collector struct {
	ctx      *vm.Context
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	sweepCount atomic.Uint64
	lastStats  atomic.Pointer[Stats]
}

// New creates a collector for ctx. A non-positive interval means
// DefaultInterval.
func New(ctx *vm.Context, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Collector{
		ctx:      ctx,
		interval: interval,
	}
	c.enabled.Store(true)
	return c
}

// Start begins the periodic sweep goroutine. Calling Start on a running
// collector does nothing.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.loop(c.stop, c.stopped)
	log.Infof("collector for context %s started (every %s)", c.ctx.ID, c.interval)
}

// Stop halts the sweep goroutine and waits for it to finish. It is safe to
// call Stop on a collector that is not running.
func (c *Collector) Stop() {
	c.mu.Lock()
	stopCh := c.stop
	stoppedCh := c.stopped
	c.stop = nil
	c.stopped = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
		log.Infof("collector for context %s stopped", c.ctx.ID)
	}
}

// SetEnabled enables or disables sweeping. A disabled collector keeps its
// goroutine but skips sweeps.
func (c *Collector) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// IsEnabled returns whether sweeping is enabled.
func (c *Collector) IsEnabled() bool { return c.enabled.Load() }

// Interval returns the sweep interval.
func (c *Collector) Interval() time.Duration { return c.interval }

// SweepCount returns the number of sweeps performed.
func (c *Collector) SweepCount() uint64 { return c.sweepCount.Load() }

// LastStats returns the statistics of the most recent sweep, or nil.
func (c *Collector) LastStats() *Stats { return c.lastStats.Load() }

// SweepNow sweeps immediately. The caller must own the Context: hold its
// token or be the only goroutine using it.
func (c *Collector) SweepNow() *Stats {
	return c.sweep()
}

func (c *Collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !c.enabled.Load() {
				continue
			}
			c.ctx.Enter()
			c.sweep()
			c.ctx.Leave()
		}
	}
}

// sweep runs one trial-deletion pass.
func (c *Collector) sweep() *Stats {
	start := time.Now()
	stats := &Stats{Timestamp: start}

	objects := c.ctx.Objects()
	stats.Objects = len(objects)

	// Count internal references.
	internal := make(map[vm.Node]int32)
	seen := make(map[vm.Node]bool)
	var order []vm.Node
	work := make([]vm.Node, 0, len(objects))
	for _, o := range objects {
		work = append(work, o)
	}
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		order = append(order, n)
		vm.Edges(n, func(m vm.Node) {
			internal[m]++
			if !seen[m] {
				work = append(work, m)
			}
		})
	}
	stats.Nodes = len(order)

	// Mark everything reachable from a node with outside references.
	live := make(map[vm.Node]bool)
	for _, n := range order {
		if n.Refs() <= internal[n] {
			continue
		}
		stats.Roots++
		if live[n] {
			continue
		}
		work = append(work[:0], n)
		for len(work) > 0 {
			m := work[len(work)-1]
			work = work[:len(work)-1]
			if live[m] {
				continue
			}
			live[m] = true
			vm.Edges(m, func(k vm.Node) {
				if !live[k] {
					work = append(work, k)
				}
			})
		}
	}

	var garbage []*vm.Object
	for _, o := range objects {
		if !live[o] && !o.Destructed() {
			garbage = append(garbage, o)
		}
	}
	stats.Garbage = len(garbage)

	// Destructing drops each object's storage references, which unwinds the
	// cycles; counts reaching zero free the rest.
	for _, o := range garbage {
		if !o.Freed() {
			c.ctx.Destruct(o)
		}
	}
	for _, o := range garbage {
		if o.Freed() {
			stats.Freed++
		}
	}

	stats.SweepDuration = time.Since(start)
	c.sweepCount.Add(1)
	c.lastStats.Store(stats)
	if stats.Garbage > 0 {
		log.Infof("sweep of context %s: %d garbage objects, %d freed in %s",
			c.ctx.ID, stats.Garbage, stats.Freed, stats.SweepDuration)
	}
	return stats
}
