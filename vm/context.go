package vm

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Context: one logical thread of execution
// ---------------------------------------------------------------------------

// Executor is the external bytecode loop. Execute runs the frame h that
// Apply just pushed and must finish it with ctx.Return(h, result) before
// returning nil. Nested calls it makes go through Apply again.
type Executor interface {
	Execute(ctx *Context, h FrameHandle) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx *Context, h FrameHandle) error

// Execute calls f(ctx, h).
func (f ExecutorFunc) Execute(ctx *Context, h FrameHandle) error { return f(ctx, h) }

// Options configures a Context. Zero fields take the defaults of
// DefaultOptions.
type Options struct {
	InitialStack      int // evaluation stack slots allocated up front
	MaxFrames         int // frame stack bound, 0 for unlimited
	MaxRedirects      int // redirect hops allowed within one Apply, 0 for unlimited
	SafepointInterval int // calls between forced yields
	TraceFrames       bool

	Executor  Executor
	Scheduler Scheduler
	Token     *Token
	Context   context.Context // cancellation observed at safepoints
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		InitialStack:      1024,
		MaxFrames:         10000,
		SafepointInterval: 1024,
	}
}

// Stats counts dispatcher and lifetime events of one Context.
type Stats struct {
	NativeCalls       uint64
	BytecodeCalls     uint64
	Constructions     uint64
	Redirects         uint64
	Safepoints        uint64
	Yields            uint64
	FramesPushed      uint64
	FramesPopped      uint64
	FramesUnwound     uint64
	ObjectsDestructed uint64
	ObjectsFreed      uint64
}

// Context owns a frame stack, an evaluation stack and the objects created
// through it. Only the goroutine holding its token may touch it. It is the
// unit a scheduler hands between workers; there is no global current frame.
type Context struct {
	ID uuid.UUID

	opts   Options
	token  *Token
	held   bool
	stack  evalStack
	frames []Frame
	heap   *heap

	executor  Executor
	scheduler Scheduler
	stdctx    context.Context

	yieldRequested atomic.Bool
	sinceYield     int

	stats Stats
}

// NewContext creates a Context with its own stacks and heap.
func NewContext(opts Options) *Context {
	def := DefaultOptions()
	if opts.InitialStack <= 0 {
		opts.InitialStack = def.InitialStack
	}
	if opts.MaxFrames < 0 {
		opts.MaxFrames = 0
	} else if opts.MaxFrames == 0 {
		opts.MaxFrames = def.MaxFrames
	}
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}
	if opts.SafepointInterval <= 0 {
		opts.SafepointInterval = def.SafepointInterval
	}
	ctx := &Context{
		ID:        uuid.New(),
		opts:      opts,
		token:     opts.Token,
		stack:     newEvalStack(opts.InitialStack),
		frames:    make([]Frame, 0, 64),
		heap:      newHeap(),
		executor:  opts.Executor,
		scheduler: opts.Scheduler,
		stdctx:    opts.Context,
	}
	if ctx.token == nil {
		ctx.token = NewToken()
	}
	if ctx.scheduler == nil {
		ctx.scheduler = goScheduler{}
	}
	if ctx.stdctx == nil {
		ctx.stdctx = context.Background()
	}
	log.Debugf("new context %s", ctx.ID)
	return ctx
}

// Options returns the effective options.
func (ctx *Context) Options() Options { return ctx.opts }

// Stats returns a copy of the event counters.
func (ctx *Context) Stats() Stats { return ctx.stats }

// SetExecutor installs the bytecode loop.
func (ctx *Context) SetExecutor(e Executor) { ctx.executor = e }

// WithContext replaces the cancellation context observed at safepoints.
func (ctx *Context) WithContext(c context.Context) {
	if c == nil {
		c = context.Background()
	}
	ctx.stdctx = c
}

// Done reports whether the Context is idle: no frames and an empty stack.
func (ctx *Context) Done() bool {
	return len(ctx.frames) == 0 && ctx.stack.sp == 0
}

// ---------------------------------------------------------------------------
// Heap: objects created through this Context
// ---------------------------------------------------------------------------

type heap struct {
	objects map[*Object]struct{}
	nextID  uint64
}

func newHeap() *heap {
	return &heap{objects: make(map[*Object]struct{})}
}

func (h *heap) track(o *Object) {
	h.nextID++
	o.id = h.nextID
	o.heap = h
	h.objects[o] = struct{}{}
}

func (h *heap) untrack(o *Object) {
	delete(h.objects, o)
	o.heap = nil
}

// Objects returns the objects that have not been freed, oldest first.
// Destructed objects still referenced are included.
func (ctx *Context) Objects() []*Object {
	objs := make([]*Object, 0, len(ctx.heap.objects))
	for o := range ctx.heap.objects {
		objs = append(objs, o)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].id < objs[j].id })
	return objs
}

// LiveObjects returns the number of objects that have not been freed.
func (ctx *Context) LiveObjects() int { return len(ctx.heap.objects) }

// ---------------------------------------------------------------------------
// Error boundaries
// ---------------------------------------------------------------------------

// protect runs fn and turns a Throw or Raise panic into the returned error.
// Any other panic, including *FatalError, passes through.
func (ctx *Context) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(thrown)
			if !ok {
				panic(r)
			}
			err = t.err
		}
	}()
	return fn()
}

// Catch runs fn as a catch point. If fn fails, every frame it left on the
// frame stack is unwound top-down, each cleaned up once, and the evaluation
// stack is cut back to its height on entry.
func (ctx *Context) Catch(fn func() error) error {
	depth := len(ctx.frames)
	sp := ctx.stack.sp
	err := ctx.protect(fn)
	if err == nil {
		return nil
	}
	if len(ctx.frames) > depth {
		ctx.UnwindTo(FrameHandle(depth))
	}
	if ctx.stack.sp > sp {
		ctx.truncate(sp)
	}
	return err
}

// Dispose releases the reference a thrown error holds on its value.
func (e *RuntimeError) Dispose(ctx *Context) {
	v := e.Value
	e.Value = Undefined
	v.release(ctx)
}

// ---------------------------------------------------------------------------
// Synchronous calls
// ---------------------------------------------------------------------------

// run drives a freshly pushed bytecode frame to completion.
func (ctx *Context) run(h FrameHandle) error {
	if ctx.executor == nil {
		err := ctx.newError(KindNoExecutor, "no executor to run %s", ctx.frameName(h))
		ctx.UnwindTo(h)
		return err
	}
	err := ctx.protect(func() error {
		return ctx.executor.Execute(ctx, h)
	})
	if err != nil {
		if len(ctx.frames) > int(h) {
			ctx.UnwindTo(h)
		}
		return err
	}
	if len(ctx.frames) > int(h) {
		fatalf("executor finished with frame %d still on the stack", h)
	}
	return nil
}

func (ctx *Context) frameName(h FrameHandle) string {
	return ctx.Frame(h).describe()
}

// complete finishes a call whose arguments were pushed at base: it runs a
// pushed frame and pops the result. The result reference moves to the
// caller.
func (ctx *Context) complete(c Completion, err error) (Value, error) {
	if err != nil {
		return Undefined, err
	}
	if c.Kind == FramePushed {
		if err := ctx.run(c.Frame); err != nil {
			return Undefined, err
		}
	}
	return ctx.Pop(), nil
}

// Call invokes reference index fun of o with args and waits for the
// result, running bytecode through the executor. The caller owns the
// returned value's reference.
func (ctx *Context) Call(o *Object, fun int, args ...Value) (Value, error) {
	for _, a := range args {
		ctx.Push(a)
	}
	return ctx.complete(ctx.Apply(o, fun, len(args)))
}

// CallByName is Call with the function looked up by name.
func (ctx *Context) CallByName(o *Object, name string, args ...Value) (Value, error) {
	if o.prog == nil {
		return Undefined, ctx.newError(KindDestructedObject, "call of %s on destructed object %s", name, o)
	}
	fun := o.prog.Find(name)
	if fun < 0 {
		return Undefined, ctx.newError(KindUndefinedFunction, "%s has no function %s", o, name)
	}
	return ctx.Call(o, fun, args...)
}

// CallValue calls any callable value with args.
func (ctx *Context) CallValue(fn Value, args ...Value) (Value, error) {
	for _, a := range args {
		ctx.Push(a)
	}
	return ctx.complete(ctx.ApplyValue(fn, len(args)))
}

// Clone creates an instance of prog, running its create function with
// args if it has one. The caller owns the returned object's reference.
func (ctx *Context) Clone(prog *Program, args ...Value) (*Object, error) {
	for _, a := range args {
		ctx.Push(a)
	}
	base := ctx.stack.sp - len(args)
	if err := ctx.construct(prog, nil, base, len(args)); err != nil {
		return nil, err
	}
	return ctx.Pop().Object(), nil
}
