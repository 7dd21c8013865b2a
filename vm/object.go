package vm

import (
	"fmt"
)

// objectState tracks the two-phase destruction protocol.
type objectState uint8

const (
	objectLive objectState = iota
	objectDestructing
	objectDestructed // phase 1 done: program reference nulled
	objectFreed      // phase 2 done: storage released
)

// Object is a live instance of a Program. It owns a storage block of
// Program.StorageNeeded slots, a counted reference to its program and an
// optional counted reference to its lexical parent.
type Object struct {
	prog    *Program
	storage []Value
	parent  *Object
	refs    int32
	state   objectState
	id      uint64
	name    string
	heap    *heap
}

// Program returns the object's program, or nil once it is destructed.
func (o *Object) Program() *Program { return o.prog }

// Parent returns the lexical parent object, if any.
func (o *Object) Parent() *Object { return o.parent }

// Refs returns the current reference count.
func (o *Object) Refs() int32 { return o.refs }

// Destructed reports whether phase 1 of destruction has completed.
func (o *Object) Destructed() bool { return o.prog == nil }

// Freed reports whether the object's storage has been released.
func (o *Object) Freed() bool { return o.state == objectFreed }

// ID returns a number unique among objects of one Context.
func (o *Object) ID() uint64 { return o.id }

func (o *Object) String() string {
	if o.prog == nil {
		return fmt.Sprintf("destructed(%s)#%d", o.name, o.id)
	}
	return fmt.Sprintf("%s#%d", o.name, o.id)
}

func (o *Object) functionName(fun int) string {
	if o == nil || o.prog == nil {
		return fmt.Sprintf("<%d>", fun)
	}
	if n := o.prog.IdentifierName(fun); n != "" {
		return n
	}
	return fmt.Sprintf("<%d>", fun)
}

// EachReference reports every counted value the object holds: its storage
// and its lexical parent. The program reference is not reported; programs
// never take part in cycles.
func (o *Object) EachReference(fn func(Value)) {
	if o.parent != nil {
		fn(Value{kind: KindObject, ref: o.parent})
	}
	for _, v := range o.storage {
		if isCounted(v) {
			fn(v)
		}
	}
}

// ---------------------------------------------------------------------------
// Storage access through references
// ---------------------------------------------------------------------------

// variableSlot resolves a variable reference to its storage index. Calls on
// a destructed object fail before touching storage.
func (ctx *Context) variableSlot(o *Object, fun int) (int, error) {
	if o.prog == nil {
		return -1, ctx.newError(KindDestructedObject, "variable access on destructed object %s", o)
	}
	inh, id := o.prog.resolve(fun)
	body, ok := id.Body.(VariableBody)
	if !ok {
		return -1, ctx.newError(KindNotVariable, "%s is not a variable", id.Name)
	}
	return o.prog.Inherits[inh].StorageOffset + body.Offset, nil
}

// Get returns the variable at reference index fun. The value is borrowed.
func (ctx *Context) Get(o *Object, fun int) (Value, error) {
	slot, err := ctx.variableSlot(o, fun)
	if err != nil {
		return Undefined, err
	}
	return o.storage[slot], nil
}

// Set assigns the variable at reference index fun.
func (ctx *Context) Set(o *Object, fun int, v Value) error {
	slot, err := ctx.variableSlot(o, fun)
	if err != nil {
		return err
	}
	Assign(ctx, &o.storage[slot], v)
	return nil
}

// ---------------------------------------------------------------------------
// Creation
// ---------------------------------------------------------------------------

// clone allocates an instance of prog and runs init callbacks for every
// inherited layer, base first. The returned object carries one reference
// owned by the caller.
func (ctx *Context) clone(prog *Program, parent *Object) (*Object, error) {
	if prog.freed {
		fatalf("clone of freed %s", prog)
	}
	if !prog.Finished() {
		return nil, ctx.newError(KindUnfinishedProgram, "cannot clone unfinished %s", prog)
	}
	o := &Object{
		prog:    prog,
		storage: make([]Value, prog.StorageNeeded),
		parent:  parent,
		refs:    1,
		name:    prog.Name,
	}
	prog.AddRef()
	if parent != nil {
		parent.addRef()
	}
	ctx.heap.track(o)

	err := ctx.protect(func() error {
		for i := len(prog.Inherits) - 1; i >= 0; i-- {
			inh := &prog.Inherits[i]
			if len(inh.Prog.onInit) == 0 {
				continue
			}
			lo, hi := prog.storageWindow(i)
			for _, fn := range inh.Prog.onInit {
				fn(ctx, o, o.storage[lo:hi])
			}
		}
		return nil
	})
	if err != nil {
		ctx.destruct(o)
		o.release(ctx)
		return nil, err
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Reference counting and two-phase destruction
// ---------------------------------------------------------------------------

func (o *Object) addRef() {
	if o.state == objectFreed {
		fatalf("reference taken on freed object %s", o)
	}
	o.refs++
}

// release drops a reference. At zero the object is destructed (phase 1)
// if that has not happened yet, and then freed (phase 2) unless a
// destructor resurrected it.
func (o *Object) release(ctx *Context) {
	o.refs--
	if o.refs > 0 {
		return
	}
	if o.refs < 0 || o.state == objectFreed {
		fatalf("object %s released below zero references", o)
	}
	if o.prog != nil {
		o.refs++
		ctx.destruct(o)
		o.refs--
		if o.refs > 0 {
			return
		}
	}
	ctx.free(o)
}

// AddRef takes a reference on o.
func (ctx *Context) AddRef(o *Object) { o.addRef() }

// ReleaseObject drops a reference on o.
func (ctx *Context) ReleaseObject(o *Object) { o.release(ctx) }

// Destruct runs phase 1 of destruction on o now. Storage is released only
// when the last reference goes away.
func (ctx *Context) Destruct(o *Object) {
	o.addRef()
	ctx.destruct(o)
	o.release(ctx)
}

// destruct is phase 1: run the _destruct function, null the program
// reference, run exit callbacks from the most-derived layer to the base and
// drop every reference held in storage. The caller holds a reference.
func (ctx *Context) destruct(o *Object) {
	if o.state != objectLive {
		return
	}
	o.state = objectDestructing
	prog := o.prog

	if fun := prog.Find(DestructFunction); fun >= 0 {
		if err := ctx.Catch(func() error {
			_, err := ctx.Call(o, fun)
			return err
		}); err != nil {
			log.Warningf("error in _destruct of %s: %v", o, err)
		}
	}

	o.prog = nil
	err := ctx.protect(func() error {
		for i := range prog.Inherits {
			inh := &prog.Inherits[i]
			if len(inh.Prog.onExit) == 0 {
				continue
			}
			lo, hi := prog.storageWindow(i)
			for _, fn := range inh.Prog.onExit {
				fn(ctx, o, o.storage[lo:hi])
			}
		}
		return nil
	})
	if err != nil {
		log.Warningf("error in exit callback of %s: %v", o, err)
	}

	for i := range o.storage {
		v := o.storage[i]
		o.storage[i] = Undefined
		v.release(ctx)
	}
	if parent := o.parent; parent != nil {
		o.parent = nil
		parent.release(ctx)
	}
	prog.Release(ctx)

	o.state = objectDestructed
	ctx.stats.ObjectsDestructed++
	log.Debugf("destructed %s", o)
}

// free is phase 2: the last reference is gone.
func (ctx *Context) free(o *Object) {
	o.storage = nil
	o.state = objectFreed
	if o.heap != nil {
		o.heap.untrack(o)
	}
	ctx.stats.ObjectsFreed++
}
