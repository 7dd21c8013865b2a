package vm

import "fmt"

// ---------------------------------------------------------------------------
// Scope: closure view of a frame's locals
// ---------------------------------------------------------------------------

// Scope gives function literals access to the locals of the frame that was
// active when they were created. While that frame runs, reads go to the
// evaluation stack. When it returns with the scope still referenced, the
// reserved locals move to the heap.
type Scope struct {
	Parent *Scope // enclosing scope, counted

	ctx    *Context
	refs   int32
	frame  FrameHandle // live frame, NoFrame once detached
	base   int         // stack index of local 0 while live
	locals []Value     // heap copy once detached
	n      int
}

// Live reports whether the scope's frame is still on the frame stack.
func (s *Scope) Live() bool { return s.frame != NoFrame }

// Len returns the number of locals visible through the scope.
func (s *Scope) Len() int { return s.n }

// Refs returns the current reference count.
func (s *Scope) Refs() int32 { return s.refs }

// Local returns local i, borrowed.
func (s *Scope) Local(i int) Value {
	if i < 0 || i >= s.n {
		fatalf("scope local %d outside %d locals", i, s.n)
	}
	if s.Live() {
		return s.ctx.stack.slots[s.base+i]
	}
	return s.locals[i]
}

// SetLocal assigns local i.
func (s *Scope) SetLocal(i int, v Value) {
	if i < 0 || i >= s.n {
		fatalf("scope local %d outside %d locals", i, s.n)
	}
	if s.Live() {
		Assign(s.ctx, &s.ctx.stack.slots[s.base+i], v)
		return
	}
	Assign(s.ctx, &s.locals[i], v)
}

// Up returns the scope depth levels out, or nil.
func (s *Scope) Up(depth int) *Scope {
	for ; s != nil && depth > 0; depth-- {
		s = s.Parent
	}
	return s
}

// EachReference reports the counted values of a detached scope.
func (s *Scope) EachReference(fn func(Value)) {
	for _, v := range s.locals {
		if isCounted(v) {
			fn(v)
		}
	}
}

func (s *Scope) String() string {
	if s.Live() {
		return fmt.Sprintf("scope(frame %d, %d locals)", s.frame, s.n)
	}
	return fmt.Sprintf("scope(detached, %d locals)", s.n)
}

// CaptureScope returns the scope of frame h, creating it on first use.
// The caller owns one reference on the returned scope.
func (ctx *Context) CaptureScope(h FrameHandle) *Scope {
	f := ctx.Frame(h)
	if f.Kind != FrameBytecode {
		fatalf("scope capture of native frame %d", h)
	}
	if f.own == nil {
		f.own = &Scope{
			Parent: f.Scope,
			ctx:    ctx,
			refs:   1, // held by the frame
			frame:  h,
			base:   f.Locals,
			n:      f.NumLocals,
		}
		if f.Scope != nil {
			f.Scope.refs++
		}
	}
	f.own.refs++
	return f.own
}

// detach is run when the scope's frame is popped. If closures still hold
// the scope, the locals they may read move to the heap: the frame's
// reserved locals, or all of them when nothing was reserved.
func (s *Scope) detach(ctx *Context, f *Frame) {
	if s.refs > 1 {
		keep := f.Expendible - f.Locals
		if keep == 0 {
			keep = f.NumLocals
		}
		s.locals = make([]Value, keep)
		for i := range s.locals {
			s.locals[i] = Retain(ctx.stack.slots[f.Locals+i])
		}
		s.n = keep
	}
	s.frame = NoFrame
	s.release(ctx)
}

func (s *Scope) release(ctx *Context) {
	s.refs--
	if s.refs > 0 {
		return
	}
	if s.refs < 0 {
		fatalf("scope released below zero references")
	}
	locals := s.locals
	s.locals = nil
	s.n = 0
	for _, v := range locals {
		v.release(ctx)
	}
	if s.Parent != nil {
		parent := s.Parent
		s.Parent = nil
		parent.release(ctx)
	}
}

// ---------------------------------------------------------------------------
// Closure: a function literal bound to its scope
// ---------------------------------------------------------------------------

// Closure is a callable that runs fun of Object with Scope as the new
// frame's enclosing scope.
type Closure struct {
	Object *Object // counted
	Fun    int
	Scope  *Scope // counted
	refs   int32
}

// MakeClosure creates a function literal value for reference index fun,
// bound to the scope of frame h. The returned value owns its reference.
func (ctx *Context) MakeClosure(h FrameHandle, fun int) Value {
	f := ctx.Frame(h)
	obj := f.Current
	scope := ctx.CaptureScope(h)
	obj.addRef()
	return Value{kind: KindClosure, ref: &Closure{Object: obj, Fun: fun, Scope: scope, refs: 1}}
}

// Refs returns the current reference count.
func (c *Closure) Refs() int32 { return c.refs }

// EachReference reports the closure's object and its detached locals.
func (c *Closure) EachReference(fn func(Value)) {
	fn(Value{kind: KindObject, ref: c.Object})
	for s := c.Scope; s != nil; s = s.Parent {
		s.EachReference(fn)
	}
}

func (c *Closure) release(ctx *Context) {
	c.refs--
	if c.refs > 0 {
		return
	}
	if c.refs < 0 {
		fatalf("closure released below zero references")
	}
	scope, obj := c.Scope, c.Object
	c.Scope, c.Object = nil, nil
	scope.release(ctx)
	obj.release(ctx)
}
