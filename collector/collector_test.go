package collector

import (
	"testing"
	"time"

	"github.com/chazu/objcore/vm"
)

// nodeProgram returns a program with one variable, "next", and its
// reference index.
func nodeProgram(t *testing.T) (*vm.Program, int) {
	t.Helper()
	b := vm.NewProgramBuilder("Node")
	next, err := b.AddVariable("next", "")
	if err != nil {
		t.Fatal(err)
	}
	p, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return p, next
}

func newNode(t *testing.T, ctx *vm.Context, p *vm.Program) *vm.Object {
	t.Helper()
	o, err := ctx.Clone(p)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func link(t *testing.T, ctx *vm.Context, from *vm.Object, next int, v vm.Value) {
	t.Helper()
	if err := ctx.Set(from, next, v); err != nil {
		t.Fatal(err)
	}
}

// makeCycle links a and b to each other and drops the caller's references.
func makeCycle(t *testing.T, ctx *vm.Context, p *vm.Program, next int) (a, b *vm.Object) {
	t.Helper()
	a, b = newNode(t, ctx, p), newNode(t, ctx, p)
	link(t, ctx, a, next, vm.ObjectValue(b))
	link(t, ctx, b, next, vm.ObjectValue(a))
	ctx.ReleaseObject(a)
	ctx.ReleaseObject(b)
	return a, b
}

// TestSweepFreesCycle verifies an unreachable two-object cycle is freed.
func TestSweepFreesCycle(t *testing.T) {
	p, next := nodeProgram(t)
	ctx := vm.NewContext(vm.Options{})
	a, b := makeCycle(t, ctx, p, next)
	if ctx.LiveObjects() != 2 {
		t.Fatalf("got %d live objects before sweep, want 2", ctx.LiveObjects())
	}

	stats := New(ctx, 0).SweepNow()
	if stats.Objects != 2 || stats.Garbage != 2 || stats.Freed != 2 || stats.Roots != 0 {
		t.Errorf("got %+v, want 2 objects, 2 garbage, 2 freed, 0 roots", stats)
	}
	if !a.Freed() || !b.Freed() || ctx.LiveObjects() != 0 {
		t.Errorf("cycle not freed: a %v b %v live %d", a.Freed(), b.Freed(), ctx.LiveObjects())
	}
}

// TestSweepKeepsRootedObjects verifies outside references keep a cycle and
// everything it reaches alive.
func TestSweepKeepsRootedObjects(t *testing.T) {
	p, next := nodeProgram(t)
	ctx := vm.NewContext(vm.Options{})

	a, b := newNode(t, ctx, p), newNode(t, ctx, p)
	link(t, ctx, a, next, vm.ObjectValue(b))
	link(t, ctx, b, next, vm.ObjectValue(a))
	ctx.ReleaseObject(b) // a is still held by the test

	// A second cycle held only through the evaluation stack.
	c, d := makeCycle(t, ctx, p, next)
	ctx.Push(vm.ObjectValue(c))

	stats := New(ctx, 0).SweepNow()
	if stats.Garbage != 0 || stats.Roots != 2 {
		t.Errorf("got %+v, want no garbage and 2 roots", stats)
	}
	for _, o := range []*vm.Object{a, b, c, d} {
		if o.Destructed() {
			t.Errorf("%s destructed while reachable", o)
		}
	}

	ctx.Drop(1)
	ctx.ReleaseObject(a)
	stats = New(ctx, 0).SweepNow()
	if stats.Garbage != 4 || ctx.LiveObjects() != 0 {
		t.Errorf("got %+v with %d live, want 4 garbage and none live", stats, ctx.LiveObjects())
	}
}

// TestSweepFollowsArrays verifies cycles passing through arrays are found.
func TestSweepFollowsArrays(t *testing.T) {
	p, next := nodeProgram(t)
	ctx := vm.NewContext(vm.Options{})

	o := newNode(t, ctx, p)
	arr := vm.NewArray(vm.Int(1), vm.ObjectValue(o))
	link(t, ctx, o, next, vm.ArrayValue(arr))
	vm.Release(ctx, vm.ArrayValue(arr))
	ctx.ReleaseObject(o)
	if o.Freed() || arr.Refs() != 1 {
		t.Fatalf("cycle collapsed early: freed %v array refs %d", o.Freed(), arr.Refs())
	}

	stats := New(ctx, 0).SweepNow()
	if stats.Nodes != 2 || stats.Garbage != 1 || !o.Freed() || arr.Refs() != 0 {
		t.Errorf("got %+v freed %v array refs %d", stats, o.Freed(), arr.Refs())
	}
}

// TestSweepRunsDestructors verifies garbage objects get their _destruct
// call before their storage is dropped.
func TestSweepRunsDestructors(t *testing.T) {
	var destructed int
	b := vm.NewProgramBuilder("Node")
	next, _ := b.AddVariable("next", "")
	b.AddNative(vm.DestructFunction, "", func(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
		destructed++
		return vm.Undefined, nil
	})
	p, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	ctx := vm.NewContext(vm.Options{})
	makeCycle(t, ctx, p, next)

	New(ctx, 0).SweepNow()
	if destructed != 2 {
		t.Errorf("got %d destructor calls, want 2", destructed)
	}
}

// TestCollectorLoop verifies the background goroutine sweeps while the
// owner is not holding the token.
func TestCollectorLoop(t *testing.T) {
	p, next := nodeProgram(t)
	ctx := vm.NewContext(vm.Options{})
	makeCycle(t, ctx, p, next)

	c := New(ctx, 5*time.Millisecond)
	c.Start()
	c.Start()
	deadline := time.Now().Add(5 * time.Second)
	for c.SweepCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Stop()
	c.Stop()

	if c.SweepCount() == 0 {
		t.Fatal("no sweep within 5s")
	}
	if ctx.LiveObjects() != 0 {
		t.Errorf("got %d live objects, want 0", ctx.LiveObjects())
	}
	if last := c.LastStats(); last == nil || last.Timestamp.IsZero() {
		t.Errorf("got last stats %+v", last)
	}
}

func TestCollectorSettings(t *testing.T) {
	c := New(vm.NewContext(vm.Options{}), 0)
	if c.Interval() != DefaultInterval {
		t.Errorf("got interval %s, want %s", c.Interval(), DefaultInterval)
	}
	if !c.IsEnabled() {
		t.Error("new collector is disabled")
	}
	c.SetEnabled(false)
	if c.IsEnabled() {
		t.Error("SetEnabled(false) had no effect")
	}
	if c.LastStats() != nil || c.SweepCount() != 0 {
		t.Error("stats present before any sweep")
	}
	c.Stop()
}
