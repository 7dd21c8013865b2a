package vm

import "fmt"

// ---------------------------------------------------------------------------
// Program: compiled, immutable class definition
// ---------------------------------------------------------------------------

// ProgramFlags hold the build status of a Program.
type ProgramFlags uint8

const (
	ProgramPass1Done ProgramFlags = 1 << iota
	ProgramFinished
	ProgramUsesParent // instances cloned through a constant get a lexical parent
)

// RefFlags annotate a Reference.
type RefFlags uint8

const (
	RefInherited  RefFlags = 1 << iota // copied from an ancestor's table
	RefOverridden                      // redirected to a newer definition
	RefHidden                          // not reachable by name (super references)
)

// Reference maps a call-site index to the inherit that defines the member
// and the identifier inside that inherit's program.
type Reference struct {
	InheritOffset    int
	IdentifierOffset int
	Flags            RefFlags
}

// Inherit describes one directly or transitively inherited program and
// where its identifiers and storage sit inside the composite program.
// Inherits[0] always describes the program itself.
type Inherit struct {
	Depth            int
	IdentifierLevel  int // base of this ancestor's reference indices
	ParentIdentifier int // lexical enclosing-class link, -1 if none
	ParentOffset     int // lexical levels to the enclosing class, -1 if none
	StorageOffset    int // first storage slot of this ancestor's variables
	Prog             *Program
	Parent           *Object
	Name             string
}

// ObjectEvent is an init or exit callback run for one inherited layer.
// storage is the layer's own window of the object's storage.
type ObjectEvent func(ctx *Context, o *Object, storage []Value)

// Program holds the flattened identifier, reference and inherit tables of a
// class. It is immutable once finished and shared by reference count.
type Program struct {
	Name          string
	Flags         ProgramFlags
	Identifiers   []Identifier
	References    []Reference
	Inherits      []Inherit
	Constants     []Value
	Code          []byte
	StorageNeeded int // storage slots of a complete instance

	names  map[string]int
	onInit []ObjectEvent
	onExit []ObjectEvent
	refs   int32
	freed  bool
}

// Finished reports whether the program may be instantiated and called.
func (p *Program) Finished() bool {
	return p.Flags&ProgramFinished != 0
}

// UsesParent reports whether instances created through a constant keep a
// reference to the object that resolved the constant.
func (p *Program) UsesParent() bool {
	return p.Flags&ProgramUsesParent != 0
}

// Find returns the most-derived reference index for name, or -1.
func (p *Program) Find(name string) int {
	if idx, ok := p.names[name]; ok {
		return idx
	}
	return -1
}

// NumReferences returns the bound on call-site indices.
func (p *Program) NumReferences() int {
	return len(p.References)
}

// resolve maps a call-site index to the inherit that defines it and the
// identifier in that inherit's program. An out-of-range index is fatal.
func (p *Program) resolve(fun int) (int, *Identifier) {
	if fun < 0 || fun >= len(p.References) {
		fatalf("reference index %d out of range in %s (%d references)", fun, p.Name, len(p.References))
	}
	ref := &p.References[fun]
	inh := &p.Inherits[ref.InheritOffset]
	return ref.InheritOffset, &inh.Prog.Identifiers[ref.IdentifierOffset]
}

// Resolve maps a call-site index to its defining inherit and identifier.
// It is a constant number of array indexings.
func (p *Program) Resolve(fun int) (*Inherit, *Identifier) {
	inh, id := p.resolve(fun)
	return &p.Inherits[inh], id
}

// InheritedIndex translates a reference index compiled relative to the
// ancestor at inherit inh into an index of p. An index outside that
// ancestor's own table is fatal.
func (p *Program) InheritedIndex(inh, local int) int {
	if inh < 0 || inh >= len(p.Inherits) {
		fatalf("inherit %d out of range in %s", inh, p.Name)
	}
	in := &p.Inherits[inh]
	if n := in.Prog.NumReferences(); local < 0 || local >= n {
		fatalf("reference index %d out of range in inherited %s (%d references)", local, in.Prog.Name, n)
	}
	return in.IdentifierLevel + local
}

// IdentifierName returns the name behind a reference index, or "" if the
// index is out of range.
func (p *Program) IdentifierName(fun int) string {
	if fun < 0 || fun >= len(p.References) {
		return ""
	}
	_, id := p.resolve(fun)
	return id.Name
}

// storageWindow returns the storage range of inherit i.
func (p *Program) storageWindow(i int) (int, int) {
	inh := &p.Inherits[i]
	return inh.StorageOffset, inh.StorageOffset + inh.Prog.StorageNeeded
}

func (p *Program) String() string {
	return fmt.Sprintf("program(%s)", p.Name)
}

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

// Refs returns the current reference count.
func (p *Program) Refs() int32 { return p.refs }

// Freed reports whether the last reference has been dropped.
func (p *Program) Freed() bool { return p.freed }

// AddRef takes a reference on p.
func (p *Program) AddRef() {
	if p.freed {
		fatalf("reference taken on freed %s", p)
	}
	p.refs++
}

// Release drops a reference on p. Programs are acyclic, so the last release
// frees it and releases everything it holds.
func (p *Program) Release(ctx *Context) {
	p.refs--
	if p.refs > 0 {
		return
	}
	if p.refs < 0 || p.freed {
		fatalf("%s released below zero references", p)
	}
	p.freed = true
	log.Debugf("freeing %s", p)

	inherits := p.Inherits
	p.Inherits = inherits[:1]
	for i := range inherits {
		inh := &inherits[i]
		if inh.Parent != nil {
			parent := inh.Parent
			inh.Parent = nil
			parent.release(ctx)
		}
		if i > 0 {
			inh.Prog.Release(ctx)
		}
	}
	constants := p.Constants
	p.Constants = nil
	for _, c := range constants {
		c.release(ctx)
	}
}
