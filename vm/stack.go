package vm

// ---------------------------------------------------------------------------
// Evaluation stack
// ---------------------------------------------------------------------------

// evalStack is the growable stack of value slots shared by every frame of
// one Context. Each occupied slot owns one reference.
type evalStack struct {
	slots []Value
	sp    int // next free slot
}

func newEvalStack(size int) evalStack {
	if size <= 0 {
		size = 1024
	}
	return evalStack{slots: make([]Value, size)}
}

func (s *evalStack) grow(n int) {
	if s.sp+n <= len(s.slots) {
		return
	}
	size := len(s.slots) * 2
	for size < s.sp+n {
		size *= 2
	}
	slots := make([]Value, size)
	copy(slots, s.slots[:s.sp])
	s.slots = slots
}

// pushMove stores v without taking a reference; the caller's reference
// moves into the slot.
func (s *evalStack) pushMove(v Value) {
	s.grow(1)
	s.slots[s.sp] = v
	s.sp++
}

// SP returns the index of the next free stack slot.
func (ctx *Context) SP() int { return ctx.stack.sp }

// Push pushes v, taking a new reference on it.
func (ctx *Context) Push(v Value) {
	v.addRef()
	ctx.stack.pushMove(v)
}

// PushMove pushes v, taking over the caller's reference.
func (ctx *Context) PushMove(v Value) {
	ctx.stack.pushMove(v)
}

// Pop removes the top value. Its reference moves to the caller.
func (ctx *Context) Pop() Value {
	s := &ctx.stack
	if s.sp <= ctx.floor() {
		fatalf("stack underflow at %d (floor %d)", s.sp, ctx.floor())
	}
	s.sp--
	v := s.slots[s.sp]
	s.slots[s.sp] = Undefined
	return v
}

// Peek returns the value n slots below the top (0 is the top), borrowed.
func (ctx *Context) Peek(n int) Value {
	s := &ctx.stack
	if n < 0 || n >= s.sp {
		fatalf("peek %d outside stack of %d", n, s.sp)
	}
	return s.slots[s.sp-1-n]
}

// At returns stack slot i, borrowed.
func (ctx *Context) At(i int) Value {
	if i < 0 || i >= ctx.stack.sp {
		fatalf("stack slot %d outside stack of %d", i, ctx.stack.sp)
	}
	return ctx.stack.slots[i]
}

// SetAt assigns stack slot i.
func (ctx *Context) SetAt(i int, v Value) {
	if i < 0 || i >= ctx.stack.sp {
		fatalf("stack slot %d outside stack of %d", i, ctx.stack.sp)
	}
	Assign(ctx, &ctx.stack.slots[i], v)
}

// Drop releases the top n values.
func (ctx *Context) Drop(n int) {
	to := ctx.stack.sp - n
	if n < 0 || to < ctx.floor() {
		fatalf("drop %d crosses expendible boundary %d", n, ctx.floor())
	}
	ctx.truncate(to)
}

// Window returns the raw slots [from, SP). It is valid until the next push.
func (ctx *Context) Window(from int) []Value {
	return ctx.stack.slots[from:ctx.stack.sp]
}

// truncate releases every value at or above index to.
func (ctx *Context) truncate(to int) {
	s := &ctx.stack
	for s.sp > to {
		s.sp--
		v := s.slots[s.sp]
		s.slots[s.sp] = Undefined
		v.release(ctx)
	}
}

// floor is the lowest slot the active frame lets callers pop or reuse.
func (ctx *Context) floor() int {
	if len(ctx.frames) == 0 {
		return 0
	}
	return ctx.frames[len(ctx.frames)-1].Expendible
}
