package vm

// CallOperator is the identifier called when an object itself is in call
// position.
const CallOperator = "`()"

// CreateFunction is run on every new instance that defines it, with the
// construction arguments.
const CreateFunction = "create"

// DestructFunction is run during phase 1 of destruction.
const DestructFunction = "_destruct"

// redirectSafepointEvery bounds the work done between safepoints inside a
// long redirect chain.
const redirectSafepointEvery = 16

// CompletionKind tells the caller of Apply what happened.
type CompletionKind uint8

const (
	// Returned means the call finished; its result replaced the argument
	// window on the evaluation stack.
	Returned CompletionKind = iota
	// FramePushed means a bytecode frame is active and the bytecode loop
	// must run it.
	FramePushed
)

func (k CompletionKind) String() string {
	if k == FramePushed {
		return "frame-pushed"
	}
	return "returned"
}

// Completion is the outcome of a successful Apply.
type Completion struct {
	Kind  CompletionKind
	Frame FrameHandle // the pushed frame when Kind is FramePushed
}

// target is what the dispatch loop is about to call: either a reference
// index of an object or a callable value still to be resolved.
type target struct {
	obj   *Object
	fun   int
	scope *Scope
	value Value
}

// ---------------------------------------------------------------------------
// Apply
// ---------------------------------------------------------------------------

// Apply calls reference index fun of o with the top argc stack values as
// arguments.
//
// Native functions, constructors and redirects finish synchronously: the
// argument window is replaced by the result and the frame stack is as it
// was. A bytecode function leaves exactly one new active frame; the caller
// hands it to the bytecode loop, which ends it with Return.
//
// On error the argument window is released and the frame stack is as it
// was. An out-of-range fun is a fatal invariant violation.
func (ctx *Context) Apply(o *Object, fun int, argc int) (Completion, error) {
	base := ctx.argBase(argc)
	return ctx.dispatch(target{obj: o, fun: fun}, base, argc)
}

// ApplyValue calls a callable value with the top argc stack values.
func (ctx *Context) ApplyValue(fn Value, argc int) (Completion, error) {
	base := ctx.argBase(argc)
	return ctx.dispatch(target{value: fn}, base, argc)
}

// ApplyInherited calls a function whose index was compiled relative to the
// program that defines the running function of frame h.
func (ctx *Context) ApplyInherited(h FrameHandle, local int, argc int) (Completion, error) {
	f := ctx.Frame(h)
	o := f.Current
	if o == nil || o.prog == nil {
		base := ctx.argBase(argc)
		return ctx.fail(base, ctx.newError(KindDestructedObject, "inherited call on destructed object %s", o))
	}
	return ctx.Apply(o, o.prog.InheritedIndex(f.Context, local), argc)
}

func (ctx *Context) argBase(argc int) int {
	base := ctx.stack.sp - argc
	if argc < 0 || base < ctx.floor() {
		fatalf("argument window of %d crosses expendible boundary %d (sp %d)", argc, ctx.floor(), ctx.stack.sp)
	}
	return base
}

// fail drops the argument window at base and returns err.
func (ctx *Context) fail(base int, err error) (Completion, error) {
	ctx.truncate(base)
	return Completion{}, err
}

// dispatch is the single resolution loop. Variables and constants in call
// position, function values and closures send it round again instead of
// recursing, so redirect chains never grow the Go stack.
func (ctx *Context) dispatch(t target, base, argc int) (Completion, error) {
	for hops := 0; ; {
		if t.obj == nil {
			v := t.value
			switch v.kind {
			case KindFunction:
				t = target{obj: v.ref.(*Object), fun: int(v.bits)}
			case KindClosure:
				c := v.ref.(*Closure)
				t = target{obj: c.Object, fun: c.Fun, scope: c.Scope}
			case KindObject:
				o := v.ref.(*Object)
				if o.prog == nil {
					return ctx.fail(base, ctx.newError(KindDestructedObject, "call of destructed object %s", o))
				}
				fun := o.prog.Find(CallOperator)
				if fun < 0 {
					return ctx.fail(base, ctx.newError(KindNotCallable, "%s has no %s", o, CallOperator))
				}
				t = target{obj: o, fun: fun}
			case KindProgram:
				if err := ctx.construct(v.ref.(*Program), nil, base, argc); err != nil {
					return Completion{}, err
				}
				return Completion{Kind: Returned}, nil
			case KindNative:
				fn := v.ref.(*NativeFunction)
				return ctx.callNative(nil, -1, 0, fn.Name, fn.Fn, base, argc)
			default:
				return ctx.fail(base, ctx.newError(KindNotCallable, "call of non-function %s", v))
			}
		}

		o := t.obj
		prog := o.prog
		if prog == nil {
			return ctx.fail(base, ctx.newError(KindDestructedObject, "call on destructed object %s", o))
		}
		if !prog.Finished() {
			return ctx.fail(base, ctx.newError(KindUnfinishedProgram, "call into unfinished %s", prog))
		}
		inh, id := prog.resolve(t.fun)

		var next Value
		switch body := id.Body.(type) {
		case NativeBody:
			if body.Fn == nil {
				return ctx.fail(base, ctx.newError(KindUndefinedFunction, "call to undefined function %s->%s", o, id.Name))
			}
			return ctx.callNative(o, t.fun, inh, id.Name, body.Fn, base, argc)

		case BytecodeBody:
			if body.Offset == NoBody {
				return ctx.fail(base, ctx.newError(KindUndefinedFunction, "call to undefined function %s->%s", o, id.Name))
			}
			return ctx.callBytecode(o, t.fun, inh, body.Offset, t.scope, base, argc)

		case ConstantBody:
			next = prog.Inherits[inh].Prog.Constants[body.Index]
			if next.kind == KindProgram {
				cls := next.ref.(*Program)
				var parent *Object
				if cls.UsesParent() {
					parent = o
				}
				if err := ctx.construct(cls, parent, base, argc); err != nil {
					return Completion{}, err
				}
				return Completion{Kind: Returned}, nil
			}

		case VariableBody:
			next = o.storage[prog.Inherits[inh].StorageOffset+body.Offset]

		default:
			fatalf("identifier %s of %s has no body kind", id.Name, prog.Inherits[inh].Prog)
		}

		hops++
		ctx.stats.Redirects++
		if ctx.opts.MaxRedirects > 0 && hops > ctx.opts.MaxRedirects {
			return ctx.fail(base, ctx.newError(KindRedirectLimit, "more than %d redirects calling %s->%s", ctx.opts.MaxRedirects, o, id.Name))
		}
		if hops%redirectSafepointEvery == 0 {
			if err := ctx.Safepoint(); err != nil {
				return ctx.fail(base, err)
			}
		}
		if ctx.opts.TraceFrames {
			log.Debugf("redirect %s->%s to %s", o, id.Name, next)
		}
		t = target{value: next}
	}
}

// ---------------------------------------------------------------------------
// Native calls
// ---------------------------------------------------------------------------

// callNative runs fn over the raw argument window inside a native frame
// that exists only for backtraces. Whatever happens, the frame is gone when
// it returns.
func (ctx *Context) callNative(o *Object, fun, inh int, name string, fn NativeFunc, base, argc int) (Completion, error) {
	var prog *Program
	if o != nil {
		prog = o.prog.Inherits[inh].Prog
	}
	h, err := ctx.pushFrame(Frame{
		Kind:       FrameNative,
		Current:    o,
		Context:    inh,
		Fun:        fun,
		NumArgs:    argc,
		NumLocals:  argc,
		Locals:     base,
		Expendible: base + argc,
		SaveSP:     base,
		prog:       prog,
		name:       name,
	})
	if err != nil {
		return ctx.fail(base, err)
	}
	ctx.stats.NativeCalls++

	var result Value
	err = ctx.protect(func() error {
		var err error
		result, err = fn(ctx, ctx.stack.slots[base:base+argc])
		return err
	})
	if err != nil {
		result.release(ctx)
		rerr, ok := err.(*RuntimeError)
		if !ok {
			rerr = ctx.newError(KindThrown, "%s: %v", name, err)
			rerr.cause = err
		}
		ctx.UnwindTo(h)
		return Completion{}, rerr
	}
	if ctx.Current() != h {
		fatalf("native %s returned with %d frames above it", name, int(ctx.Current()-h))
	}
	ctx.Return(h, result)
	return Completion{Kind: Returned}, nil
}

// ---------------------------------------------------------------------------
// Bytecode calls
// ---------------------------------------------------------------------------

// callBytecode adjusts the argument window to the function header, fills
// the remaining locals and pushes the new frame.
func (ctx *Context) callBytecode(o *Object, fun, inh, offset int, scope *Scope, base, argc int) (Completion, error) {
	prog := o.prog.Inherits[inh].Prog
	hdr, err := DecodeHeader(prog.Code, offset)
	if err != nil {
		fatalf("%s: %v", prog, err)
	}
	if err := hdr.Validate(); err != nil {
		fatalf("%s->%s: %v", prog, o.functionName(fun), err)
	}

	ctx.adjustArgs(hdr, base, argc)
	locals := int(hdr.NumLocals)
	ctx.stack.grow(base + locals - ctx.stack.sp)
	for ctx.stack.sp < base+locals {
		ctx.stack.pushMove(Undefined)
	}

	if err := ctx.Safepoint(); err != nil {
		return ctx.fail(base, err)
	}
	h, err := ctx.pushFrame(Frame{
		Kind:       FrameBytecode,
		Current:    o,
		Context:    inh,
		Fun:        fun,
		NumArgs:    hdr.AdjustedArgs(),
		NumLocals:  locals,
		Locals:     base,
		Expendible: base + int(hdr.ClosureReserve),
		PC:         offset + HeaderSize,
		SaveSP:     base,
		Scope:      scope,
		offset:     offset,
		prog:       prog,
		parent:     o.parent,
	})
	if err != nil {
		return ctx.fail(base, err)
	}
	ctx.stats.BytecodeCalls++
	return Completion{Kind: FramePushed, Frame: h}, nil
}

// adjustArgs pads, truncates or collects the argc values at base so that
// exactly AdjustedArgs slots remain. A variadic function's surplus becomes
// a list in the slot after its declared arguments.
func (ctx *Context) adjustArgs(hdr FunctionHeader, base, argc int) {
	want := int(hdr.NumArgs)
	s := &ctx.stack
	if argc > want {
		if hdr.Variadic {
			extra := make([]Value, argc-want)
			copy(extra, s.slots[base+want:s.sp])
			for i := base + want; i < s.sp; i++ {
				s.slots[i] = Undefined
			}
			s.sp = base + want
			s.pushMove(ArrayValue(adoptArray(extra)))
			return
		}
		ctx.truncate(base + want)
		return
	}
	for i := argc; i < want; i++ {
		s.pushMove(Undefined)
	}
	if hdr.Variadic {
		s.pushMove(ArrayValue(adoptArray(nil)))
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// construct clones prog and, if it defines create, runs it to completion
// with the argument window. The new object replaces the window.
func (ctx *Context) construct(prog *Program, parent *Object, base, argc int) error {
	o, err := ctx.clone(prog, parent)
	if err != nil {
		ctx.truncate(base)
		return err
	}
	ctx.stats.Constructions++

	if fun := prog.Find(CreateFunction); fun >= 0 {
		c, err := ctx.Apply(o, fun, argc)
		if err == nil && c.Kind == FramePushed {
			err = ctx.run(c.Frame)
		}
		if err != nil {
			ctx.destruct(o)
			o.release(ctx)
			return err
		}
		ctx.Pop().release(ctx)
	} else {
		ctx.truncate(base)
	}
	ctx.stack.pushMove(ObjectValue(o))
	return nil
}
