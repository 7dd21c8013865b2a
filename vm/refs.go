package vm

// ---------------------------------------------------------------------------
// Reference graph
// ---------------------------------------------------------------------------

// Node is a counted heap entity that can take part in a reference cycle:
// *Object, *Array, *Closure or *Scope. Programs are acyclic and are never
// nodes.
type Node interface {
	Refs() int32
}

// NodeOf returns the node a value holds a reference on, or nil.
func NodeOf(v Value) Node {
	switch v.kind {
	case KindObject, KindFunction:
		return v.ref.(*Object)
	case KindArray:
		return v.ref.(*Array)
	case KindClosure:
		return v.ref.(*Closure)
	}
	return nil
}

// Edges calls fn once for every reference n holds on another node. A node
// referenced twice is reported twice. The sum of edges into a node never
// exceeds its reference count; the difference is held from outside the
// graph (stacks, frames, program constants, Go code).
func Edges(n Node, fn func(Node)) {
	each := func(v Value) {
		if m := NodeOf(v); m != nil {
			fn(m)
		}
	}
	switch n := n.(type) {
	case *Object:
		n.EachReference(each)
	case *Array:
		n.EachReference(each)
	case *Closure:
		if n.Object != nil {
			fn(n.Object)
		}
		if n.Scope != nil {
			fn(n.Scope)
		}
	case *Scope:
		if n.Parent != nil {
			fn(n.Parent)
		}
		n.EachReference(each)
	}
}
