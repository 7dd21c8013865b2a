package vm

import "testing"

// ---------------------------------------------------------------------------
// Scopes and closures
// ---------------------------------------------------------------------------

// closureProgram has an outer function with two locals, the first reserved
// for closures, and an inner function literal reading it through its scope.
func closureProgram(t *testing.T) (p *Program, outer, inner int) {
	t.Helper()
	b := NewProgramBuilder("P")
	outer = mustIndex(t)(b.AddFunction("outer", "", FunctionHeader{NumLocals: 2, NumArgs: 1, ClosureReserve: 1}, nil))
	inner = mustIndex(t)(b.AddFunction("inner", "", header(0, 0), nil))
	return mustFinish(t, b), outer, inner
}

// TestClosureReadsLiveAndDetachedLocals verifies a closure sees the
// enclosing frame's locals while it runs and keeps the reserved ones after
// it returns.
func TestClosureReadsLiveAndDetachedLocals(t *testing.T) {
	p, outer, inner := closureProgram(t)

	var live bool
	e := newTestExecutor()
	e.define("P", "outer", func(ctx *Context, h FrameHandle) (Value, error) {
		fn := ctx.MakeClosure(h, inner)
		// A closure called while outer is active reads the stack.
		v, err := ctx.CallValue(fn)
		if err != nil {
			Release(ctx, fn)
			return Undefined, err
		}
		Release(ctx, v)
		return fn, nil
	})
	e.define("P", "inner", func(ctx *Context, h FrameHandle) (Value, error) {
		s := ctx.Frame(h).Scope
		live = s.Live()
		return Retain(s.Local(0)), nil
	})
	ctx := newTestContext(e)
	o, _ := ctx.Clone(p)

	arr := NewArray(Int(1))
	fn, err := ctx.Call(o, outer, ArrayValue(arr))
	if err != nil {
		t.Fatal(err)
	}
	if !live {
		t.Error("scope was not live during outer")
	}
	c := fn.Closure()
	if c == nil {
		t.Fatalf("got %v, want closure", fn)
	}
	if c.Scope.Live() || c.Scope.Len() != 1 {
		t.Errorf("scope live %v len %d, want detached with 1 local", c.Scope.Live(), c.Scope.Len())
	}
	if arr.Refs() != 2 {
		t.Errorf("got array refs %d, want 2 (caller + scope)", arr.Refs())
	}

	v, err := ctx.CallValue(fn)
	if err != nil {
		t.Fatal(err)
	}
	if live {
		t.Error("scope still live after outer returned")
	}
	if v.Array() != arr {
		t.Errorf("got %v, want the captured array", v)
	}
	Release(ctx, v)

	Release(ctx, fn)
	if arr.Refs() != 1 {
		t.Errorf("got array refs %d after closure release, want 1", arr.Refs())
	}
	if o.Refs() != 1 {
		t.Errorf("got object refs %d, want 1", o.Refs())
	}
	arr.release(ctx)
	ctx.ReleaseObject(o)
}

// TestScopeWithoutClosureIsReleased verifies a captured scope nobody keeps
// is dropped with its frame.
func TestScopeWithoutClosureIsReleased(t *testing.T) {
	p, outer, _ := closureProgram(t)

	var scope *Scope
	e := newTestExecutor()
	e.define("P", "outer", func(ctx *Context, h FrameHandle) (Value, error) {
		scope = ctx.CaptureScope(h)
		scope.SetLocal(1, Int(9))
		if got := frameLocals(ctx, h)[1]; got.Int() != 9 {
			t.Errorf("stack local = %v, want 9", got)
		}
		scope.release(ctx)
		return Undefined, nil
	})
	ctx := newTestContext(e)
	o, _ := ctx.Clone(p)
	if _, err := ctx.Call(o, outer); err != nil {
		t.Fatal(err)
	}
	if scope.Refs() != 0 || scope.Len() != 0 {
		t.Errorf("scope refs %d len %d, want 0 and 0", scope.Refs(), scope.Len())
	}
	ctx.ReleaseObject(o)
}

// TestScopeChain verifies nested function literals link their scopes.
func TestScopeChain(t *testing.T) {
	b := NewProgramBuilder("P")
	outer := mustIndex(t)(b.AddFunction("outer", "", FunctionHeader{NumLocals: 1, ClosureReserve: 1}, nil))
	middle := mustIndex(t)(b.AddFunction("middle", "", FunctionHeader{NumLocals: 1, ClosureReserve: 1}, nil))
	inner := mustIndex(t)(b.AddFunction("inner", "", header(0, 0), nil))
	p := mustFinish(t, b)

	e := newTestExecutor()
	e.define("P", "outer", func(ctx *Context, h FrameHandle) (Value, error) {
		frameLocals(ctx, h)[0] = String("outer")
		m := ctx.MakeClosure(h, middle)
		defer Release(ctx, m)
		return ctx.CallValue(m)
	})
	e.define("P", "middle", func(ctx *Context, h FrameHandle) (Value, error) {
		frameLocals(ctx, h)[0] = String("middle")
		return ctx.MakeClosure(h, inner), nil
	})
	e.define("P", "inner", func(ctx *Context, h FrameHandle) (Value, error) {
		s := ctx.Frame(h).Scope
		return String(s.Local(0).Str() + "/" + s.Up(1).Local(0).Str()), nil
	})
	ctx := newTestContext(e)
	o, _ := ctx.Clone(p)

	fn, err := ctx.Call(o, outer)
	if err != nil {
		t.Fatal(err)
	}
	v, err := ctx.CallValue(fn)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str() != "middle/outer" {
		t.Errorf("got %v, want \"middle/outer\"", v)
	}
	Release(ctx, fn)
	ctx.ReleaseObject(o)
	if ctx.LiveObjects() != 0 {
		t.Errorf("got %d live objects, want 0", ctx.LiveObjects())
	}
}
