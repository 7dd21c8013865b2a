package vm

// Array is a counted, mutable list of values. Each element owns one
// reference.
type Array struct {
	refs  int32
	elems []Value
}

// NewArray builds an array from elems, taking a reference on each element.
// The returned array carries one reference owned by the caller.
func NewArray(elems ...Value) *Array {
	a := &Array{refs: 1, elems: make([]Value, len(elems))}
	for i, e := range elems {
		e.addRef()
		a.elems[i] = e
	}
	return a
}

// adoptArray builds an array that takes over the references held by elems.
func adoptArray(elems []Value) *Array {
	return &Array{refs: 1, elems: elems}
}

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.elems) }

// At returns element i without taking a reference.
func (a *Array) At(i int) Value { return a.elems[i] }

// Set replaces element i.
func (a *Array) Set(ctx *Context, i int, v Value) {
	Assign(ctx, &a.elems[i], v)
}

// Refs returns the current reference count.
func (a *Array) Refs() int32 { return a.refs }

// EachReference reports every counted value held by the array.
func (a *Array) EachReference(fn func(Value)) {
	for _, e := range a.elems {
		if isCounted(e) {
			fn(e)
		}
	}
}

func (a *Array) release(ctx *Context) {
	a.refs--
	if a.refs > 0 {
		return
	}
	if a.refs < 0 {
		fatalf("array released below zero references")
	}
	elems := a.elems
	a.elems = nil
	for _, e := range elems {
		e.release(ctx)
	}
}

// isCounted reports whether v carries a counted reference.
func isCounted(v Value) bool {
	switch v.kind {
	case KindArray, KindObject, KindFunction, KindProgram, KindClosure:
		return true
	}
	return false
}
