package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame: activation record of one in-progress call
// ---------------------------------------------------------------------------

// FrameHandle indexes a Frame in its Context's frame stack.
type FrameHandle int

// NoFrame is the handle of no frame.
const NoFrame FrameHandle = -1

// FrameState is the lifecycle position of a frame.
type FrameState uint8

const (
	FrameAllocated FrameState = iota // built, not yet pushed
	FrameActive
	FrameSuspended // a nested call is running above it
	FrameReturning // off the stack, releasing what it held
	FrameFreed
)

var frameStateNames = [...]string{"allocated", "active", "suspended", "returning", "freed"}

func (s FrameState) String() string {
	if int(s) < len(frameStateNames) {
		return frameStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FrameKind distinguishes bytecode frames from the short-lived frames
// wrapped around native calls for backtraces.
type FrameKind uint8

const (
	FrameBytecode FrameKind = iota
	FrameNative
)

// Frame is the state of one call. Locals live on the evaluation stack at
// [Locals, Locals+NumLocals); arguments are the first NumArgs of them.
type Frame struct {
	Prev       FrameHandle // calling frame
	Kind       FrameKind
	State      FrameState
	Current    *Object // counted
	Context    int     // inherit index in Current's program that defines Fun
	Fun        int     // reference index in Current's program
	NumArgs    int
	NumLocals  int
	Locals     int // stack index of local 0
	Expendible int // lowest stack slot nested code may pop or reuse
	PC         int
	SaveSP     int    // stack height to restore on return
	Scope      *Scope // enclosing frame scope for function literals, counted

	offset int      // function header offset in prog.Code
	prog   *Program // defining program, counted
	parent *Object  // lexical parent, counted
	own    *Scope   // this frame's scope once captured by a closure
	name   string   // native function name
}

// Program returns the program that defines the running function.
func (f *Frame) Program() *Program { return f.prog }

// Header decodes the running function's header. Native frames return the
// zero header.
func (f *Frame) Header() FunctionHeader {
	if f.Kind != FrameBytecode {
		return FunctionHeader{}
	}
	h, _ := DecodeHeader(f.prog.Code, f.offset)
	return h
}

func (f *Frame) functionName() string {
	if f.name != "" {
		return f.name
	}
	return f.Current.functionName(f.Fun)
}

func (f *Frame) describe() string {
	if f.Current == nil {
		return f.functionName()
	}
	return f.Current.String() + "->" + f.functionName()
}

// ---------------------------------------------------------------------------
// Frame stack
// ---------------------------------------------------------------------------

// Frame returns the frame for h. The pointer is valid until the next push.
func (ctx *Context) Frame(h FrameHandle) *Frame {
	if h < 0 || int(h) >= len(ctx.frames) {
		fatalf("frame handle %d outside frame stack of %d", h, len(ctx.frames))
	}
	return &ctx.frames[h]
}

// Current returns the handle of the active frame, or NoFrame.
func (ctx *Context) Current() FrameHandle {
	return FrameHandle(len(ctx.frames) - 1)
}

// Depth returns the number of frames on the frame stack.
func (ctx *Context) Depth() int { return len(ctx.frames) }

// pushFrame appends f, suspends the previous top and takes the references
// the frame holds: current object, defining program, lexical parent and
// enclosing scope.
func (ctx *Context) pushFrame(f Frame) (FrameHandle, error) {
	if f.State != FrameAllocated {
		fatalf("push of frame in state %v", f.State)
	}
	if ctx.opts.MaxFrames > 0 && len(ctx.frames) >= ctx.opts.MaxFrames {
		return NoFrame, ctx.newError(KindStackOverflow, "stack overflow: %d frames", len(ctx.frames))
	}
	if f.Expendible < f.Locals {
		fatalf("expendible %d below locals %d", f.Expendible, f.Locals)
	}
	if n := len(ctx.frames); n > 0 {
		ctx.frames[n-1].State = FrameSuspended
	}
	f.Prev = ctx.Current()
	f.State = FrameActive

	if f.Current != nil {
		f.Current.addRef()
	}
	if f.prog != nil {
		f.prog.AddRef()
	}
	if f.parent != nil {
		f.parent.addRef()
	}
	if f.Scope != nil {
		f.Scope.refs++
	}

	ctx.frames = append(ctx.frames, f)
	ctx.stats.FramesPushed++
	h := ctx.Current()
	if ctx.opts.TraceFrames {
		log.Debugf("push frame %d %s", h, f.describe())
	}
	return h, nil
}

// popFrame runs the cleanup of the top frame exactly once: removes it from
// the frame stack, detaches a captured scope, truncates the evaluation
// stack to the frame's saved height and releases every reference taken at
// push. Releases may run destructors, so the frame leaves the stack first.
func (ctx *Context) popFrame(h FrameHandle) {
	n := len(ctx.frames)
	if n == 0 || int(h) != n-1 {
		fatalf("pop of frame %d, top is %d", h, n-1)
	}
	f := ctx.frames[h]
	if f.State != FrameActive {
		fatalf("pop of frame %d in state %v", h, f.State)
	}
	if ctx.opts.TraceFrames {
		log.Debugf("pop frame %d %s", h, f.describe())
	}
	ctx.frames[h] = Frame{State: FrameFreed}
	ctx.frames = ctx.frames[:n-1]
	if n > 1 {
		ctx.frames[n-2].State = FrameActive
	}
	ctx.stats.FramesPopped++

	f.State = FrameReturning
	if f.own != nil {
		f.own.detach(ctx, &f)
	}
	ctx.truncate(f.SaveSP)

	if f.Scope != nil {
		f.Scope.release(ctx)
	}
	if f.parent != nil {
		f.parent.release(ctx)
	}
	if f.prog != nil {
		f.prog.Release(ctx)
	}
	if f.Current != nil {
		f.Current.release(ctx)
	}
}

// Return pops frame h, which must be the top frame, and pushes result in
// place of the call's argument window. result's reference moves to the
// stack.
func (ctx *Context) Return(h FrameHandle, result Value) {
	ctx.popFrame(h)
	ctx.stack.pushMove(result)
}

// UnwindTo pops every frame from the top down to and including h, running
// each frame's cleanup once.
func (ctx *Context) UnwindTo(h FrameHandle) {
	for ctx.Current() >= h && len(ctx.frames) > 0 {
		ctx.popFrame(ctx.Current())
		ctx.stats.FramesUnwound++
	}
}

// ---------------------------------------------------------------------------
// Backtraces
// ---------------------------------------------------------------------------

// BacktraceEntry describes one frame.
type BacktraceEntry struct {
	Program  string
	Function string
	PC       int
	Native   bool
}

func (e BacktraceEntry) String() string {
	if e.Native {
		return fmt.Sprintf("%s->%s (native)", e.Program, e.Function)
	}
	return fmt.Sprintf("%s->%s pc=%d", e.Program, e.Function, e.PC)
}

// Backtrace lists the frame stack, outermost frame first.
func (ctx *Context) Backtrace() []BacktraceEntry {
	bt := make([]BacktraceEntry, 0, len(ctx.frames))
	for i := range ctx.frames {
		f := &ctx.frames[i]
		name := ""
		if f.prog != nil {
			name = f.prog.Name
		}
		bt = append(bt, BacktraceEntry{
			Program:  name,
			Function: f.functionName(),
			PC:       f.PC,
			Native:   f.Kind == FrameNative,
		})
	}
	return bt
}
