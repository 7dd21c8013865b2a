package vm

import (
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// Test bytecode loop
// ---------------------------------------------------------------------------

// script is the body of a bytecode function as seen by the test executor.
// The returned value's reference moves to the caller's stack.
type script func(ctx *Context, h FrameHandle) (Value, error)

// testExecutor plays the external bytecode loop: instead of decoding
// opcodes it runs the Go body registered for "Program.function".
type testExecutor struct {
	bodies map[string]script
	calls  []string
	frames []Frame // snapshot of each frame on entry
	locals [][]Value
}

func newTestExecutor() *testExecutor {
	return &testExecutor{bodies: make(map[string]script)}
}

func (e *testExecutor) define(prog, fun string, s script) {
	e.bodies[prog+"."+fun] = s
}

func (e *testExecutor) Execute(ctx *Context, h FrameHandle) error {
	f := ctx.Frame(h)
	key := f.Program().Name + "." + f.functionName()
	e.calls = append(e.calls, key)
	e.frames = append(e.frames, *f)
	e.locals = append(e.locals, append([]Value(nil), frameLocals(ctx, h)...))

	body, ok := e.bodies[key]
	if !ok {
		return fmt.Errorf("no body for %s", key)
	}
	v, err := body(ctx, h)
	if err != nil {
		return err
	}
	ctx.Return(h, v)
	return nil
}

func frameLocals(ctx *Context, h FrameHandle) []Value {
	f := ctx.Frame(h)
	return ctx.stack.slots[f.Locals : f.Locals+f.NumLocals]
}

// returnLocal returns local i of the running frame.
func returnLocal(i int) script {
	return func(ctx *Context, h FrameHandle) (Value, error) {
		return Retain(frameLocals(ctx, h)[i]), nil
	}
}

// returnConst returns v.
func returnConst(v Value) script {
	return func(ctx *Context, h FrameHandle) (Value, error) {
		return Retain(v), nil
	}
}

// ---------------------------------------------------------------------------
// Program construction helpers
// ---------------------------------------------------------------------------

func header(locals, args int) FunctionHeader {
	return FunctionHeader{NumLocals: uint16(locals), NumArgs: uint16(args)}
}

func variadic(locals, args int) FunctionHeader {
	return FunctionHeader{NumLocals: uint16(locals), NumArgs: uint16(args), Variadic: true}
}

func mustFinish(t *testing.T, b *ProgramBuilder) *Program {
	t.Helper()
	p, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return p
}

// mustIndex returns a checker for builder calls returning an index.
func mustIndex(t *testing.T) func(int, error) int {
	return func(idx int, err error) int {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return idx
	}
}

func newTestContext(e Executor) *Context {
	return NewContext(Options{Executor: e})
}

// expectFatal runs fn and requires it to panic with a *FatalError.
func expectFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if _, ok := r.(*FatalError); !ok {
			t.Fatalf("got panic %v, want *FatalError", r)
		}
	}()
	fn()
}

// counter is a native that counts its calls and returns its argument count.
type counter struct {
	calls int
	args  [][]Value
}

func (c *counter) native(ctx *Context, args []Value) (Value, error) {
	c.calls++
	c.args = append(c.args, append([]Value(nil), args...))
	return Int(int64(len(args))), nil
}
