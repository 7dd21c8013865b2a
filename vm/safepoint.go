package vm

import (
	"runtime"

	"github.com/sasha-s/go-deadlock"
)

// ---------------------------------------------------------------------------
// Token: the right to run a Context
// ---------------------------------------------------------------------------

// Token is held by the goroutine currently running a Context. Natives that
// block release it with Context.Blocking. Several Contexts may share one
// token to run interleaved on a single logical thread.
type Token struct {
	mu deadlock.Mutex
}

// NewToken returns an unheld token.
func NewToken() *Token { return &Token{} }

// Acquire blocks until the token is free and takes it.
func (t *Token) Acquire() { t.mu.Lock() }

// Release hands the token back.
func (t *Token) Release() { t.mu.Unlock() }

// Enter acquires the Context's token for the calling goroutine.
func (ctx *Context) Enter() {
	ctx.token.Acquire()
	ctx.held = true
}

// Leave releases the Context's token.
func (ctx *Context) Leave() {
	if !ctx.held {
		fatalf("context %s left without holding its token", ctx.ID)
	}
	ctx.held = false
	ctx.token.Release()
}

// Holding reports whether the token was taken through Enter.
func (ctx *Context) Holding() bool { return ctx.held }

// Blocking runs fn with the token released. fn must not touch the Context.
func (ctx *Context) Blocking(fn func()) {
	if !ctx.held {
		fn()
		return
	}
	ctx.Leave()
	defer ctx.Enter()
	fn()
}

// ---------------------------------------------------------------------------
// Scheduler hook
// ---------------------------------------------------------------------------

// Scheduler is told when a Context reaches a safepoint with a handoff
// pending. The token is released for the duration of Yield.
type Scheduler interface {
	Yield(ctx *Context)
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(ctx *Context)

// Yield calls f(ctx).
func (f SchedulerFunc) Yield(ctx *Context) { f(ctx) }

// goScheduler leaves scheduling to the Go runtime.
type goScheduler struct{}

func (goScheduler) Yield(*Context) { runtime.Gosched() }

// RequestYield asks the Context to hand off at its next safepoint. It may
// be called from any goroutine.
func (ctx *Context) RequestYield() {
	ctx.yieldRequested.Store(true)
}

// Safepoint services cancellation and pending handoffs. It runs on every
// bytecode call and periodically inside redirect chains; natives that loop
// may call it too. Cancellation comes back as a KindCancelled error, which
// the caller raises like any other runtime error.
func (ctx *Context) Safepoint() error {
	ctx.stats.Safepoints++
	if err := ctx.stdctx.Err(); err != nil {
		rerr := ctx.newError(KindCancelled, "execution cancelled: %v", err)
		rerr.cause = err
		return rerr
	}
	ctx.sinceYield++
	if !ctx.yieldRequested.Swap(false) && ctx.sinceYield < ctx.opts.SafepointInterval {
		return nil
	}
	ctx.sinceYield = 0
	ctx.stats.Yields++
	if ctx.held {
		ctx.Leave()
		ctx.scheduler.Yield(ctx)
		ctx.Enter()
	} else {
		ctx.scheduler.Yield(ctx)
	}
	return nil
}
