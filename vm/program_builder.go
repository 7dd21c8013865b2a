package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// ProgramBuilder: flattens inheritance into a finished Program
// ---------------------------------------------------------------------------

// ProgramBuilder assembles a Program. All graph walking over ancestors
// happens here, once: inherited tables are concatenated with renumbered
// identifier levels and storage offsets, and same-named inherited
// references are redirected to the newest definition.
//
// Inherits must be declared before any identifier of the program itself.
type ProgramBuilder struct {
	p          *Program
	own        map[string]int // name -> own identifier index
	ownStarted bool
	done       bool
}

// NewProgramBuilder starts a new, unfinished program.
func NewProgramBuilder(name string) *ProgramBuilder {
	p := &Program{
		Name:  name,
		names: make(map[string]int),
		refs:  1,
	}
	p.Inherits = []Inherit{{
		ParentIdentifier: -1,
		ParentOffset:     -1,
		Prog:             p,
		Name:             name,
	}}
	return &ProgramBuilder{p: p, own: make(map[string]int)}
}

// Program returns the program under construction without finishing it.
// The builder's reference moves to the caller.
func (b *ProgramBuilder) Program() *Program {
	b.done = true
	return b.p
}

var errBuilderDone = errors.New("program builder already finished")

// Inherit appends parent and all of its ancestors to the inherit table and
// returns the inherit index of parent.
func (b *ProgramBuilder) Inherit(parent *Program, name string) (int, error) {
	return b.InheritWithParent(parent, name, nil)
}

// InheritWithParent is Inherit for a nested class that keeps a reference
// to the object it was taken from.
func (b *ProgramBuilder) InheritWithParent(parent *Program, name string, parentObj *Object) (int, error) {
	p := b.p
	switch {
	case b.done:
		return -1, errBuilderDone
	case b.ownStarted:
		return -1, fmt.Errorf("%s: inherit %q after own identifiers", p.Name, name)
	case parent == nil:
		return -1, fmt.Errorf("%s: inherit %q of nil program", p.Name, name)
	case !parent.Finished():
		return -1, fmt.Errorf("%s: cannot inherit unfinished %s", p.Name, parent.Name)
	}

	base := len(p.Inherits)
	level := len(p.References)
	storage := p.StorageNeeded

	for i, src := range parent.Inherits {
		inh := src
		inh.Depth = src.Depth + 1
		inh.IdentifierLevel = src.IdentifierLevel + level
		inh.StorageOffset = src.StorageOffset + storage
		if i == 0 {
			if name != "" {
				inh.Name = name
			}
			if parentObj != nil {
				inh.Parent = parentObj
			}
		}
		inh.Prog.AddRef()
		if inh.Parent != nil {
			inh.Parent.addRef()
		}
		p.Inherits = append(p.Inherits, inh)
	}
	for _, src := range parent.References {
		ref := src
		ref.InheritOffset += base
		ref.Flags |= RefInherited
		p.References = append(p.References, ref)
	}
	for n, idx := range parent.names {
		p.names[n] = idx + level
	}
	p.StorageNeeded += parent.StorageNeeded
	return base, nil
}

// define adds an identifier of the program itself and redirects every
// visible reference of the same name to it.
func (b *ProgramBuilder) define(id Identifier) (int, error) {
	p := b.p
	if b.done {
		return -1, errBuilderDone
	}
	if _, dup := b.own[id.Name]; dup {
		return -1, fmt.Errorf("%s: redefinition of %q", p.Name, id.Name)
	}
	b.ownStarted = true

	idIdx := len(p.Identifiers)
	p.Identifiers = append(p.Identifiers, id)
	b.own[id.Name] = idIdx

	for i := range p.References {
		ref := &p.References[i]
		if ref.Flags&RefHidden != 0 {
			continue
		}
		inh := &p.Inherits[ref.InheritOffset]
		if inh.Prog.Identifiers[ref.IdentifierOffset].Name != id.Name {
			continue
		}
		*ref = Reference{
			InheritOffset:    0,
			IdentifierOffset: idIdx,
			Flags:            ref.Flags | RefOverridden,
		}
	}

	refIdx := len(p.References)
	p.References = append(p.References, Reference{IdentifierOffset: idIdx})
	p.names[id.Name] = refIdx
	return refIdx, nil
}

// AddVariable declares a storage slot and returns its reference index.
func (b *ProgramBuilder) AddVariable(name, typ string) (int, error) {
	off := b.p.StorageNeeded
	idx, err := b.define(Identifier{Name: name, Type: typ, Body: VariableBody{Offset: off}})
	if err != nil {
		return -1, err
	}
	b.p.StorageNeeded++
	return idx, nil
}

// AddFunction appends a bytecode function (header followed by body) to the
// program's code and declares it.
func (b *ProgramBuilder) AddFunction(name, typ string, h FunctionHeader, body []byte) (int, error) {
	if err := h.Validate(); err != nil {
		return -1, fmt.Errorf("%s: function %q: %w", b.p.Name, name, err)
	}
	off := len(b.p.Code)
	idx, err := b.define(Identifier{Name: name, Type: typ, Body: BytecodeBody{Offset: off}})
	if err != nil {
		return -1, err
	}
	b.p.Code = h.AppendTo(b.p.Code)
	b.p.Code = append(b.p.Code, body...)
	return idx, nil
}

// SetCode replaces the program's bytecode. Used by loaders together with
// AddFunctionAt.
func (b *ProgramBuilder) SetCode(code []byte) {
	b.p.Code = append([]byte(nil), code...)
}

// AddFunctionAt declares a bytecode function whose header is already in the
// program's code at offset. The header is checked by Finish.
func (b *ProgramBuilder) AddFunctionAt(name, typ string, offset int) (int, error) {
	return b.define(Identifier{Name: name, Type: typ, Body: BytecodeBody{Offset: offset}})
}

// AddPrototype declares a function without a body. Calling it raises
// ErrUndefinedFunction.
func (b *ProgramBuilder) AddPrototype(name, typ string) (int, error) {
	return b.define(Identifier{Name: name, Type: typ, Body: BytecodeBody{Offset: NoBody}})
}

// AddNative declares a native function.
func (b *ProgramBuilder) AddNative(name, typ string, fn NativeFunc) (int, error) {
	return b.define(Identifier{Name: name, Type: typ, Body: NativeBody{Fn: fn}})
}

// AddConstant adds v to the constant pool and declares it under name.
// The program takes its own reference on v.
func (b *ProgramBuilder) AddConstant(name string, v Value) (int, error) {
	slot := len(b.p.Constants)
	idx, err := b.define(Identifier{Name: name, Type: v.Kind().String(), Body: ConstantBody{Index: slot}})
	if err != nil {
		return -1, err
	}
	b.p.Constants = append(b.p.Constants, Retain(v))
	return idx, nil
}

// AddClass declares a constant holding a program. Calling it constructs an
// instance.
func (b *ProgramBuilder) AddClass(name string, prog *Program) (int, error) {
	return b.AddConstant(name, ProgramValue(prog))
}

// AddSuperReference adds a hidden reference to the definition of name as
// seen by the ancestor at inherit inh, bypassing any override. It is how a
// call to Ancestor::name is compiled.
func (b *ProgramBuilder) AddSuperReference(inh int, name string) (int, error) {
	p := b.p
	if b.done {
		return -1, errBuilderDone
	}
	if inh <= 0 || inh >= len(p.Inherits) {
		return -1, fmt.Errorf("%s: no inherit %d", p.Name, inh)
	}
	anc := p.Inherits[inh].Prog
	local := anc.Find(name)
	if local < 0 {
		return -1, fmt.Errorf("%s: %s has no identifier %q", p.Name, anc.Name, name)
	}
	src := anc.References[local]
	refIdx := len(p.References)
	p.References = append(p.References, Reference{
		InheritOffset:    inh + src.InheritOffset,
		IdentifierOffset: src.IdentifierOffset,
		Flags:            RefInherited | RefHidden,
	})
	return refIdx, nil
}

// NestedIn marks the program as a class nested inside another, reached
// through identifier parentIdentifier of the enclosing program. Instances
// created through a constant keep the resolving object as lexical parent.
func (b *ProgramBuilder) NestedIn(parentIdentifier int) {
	b.p.Inherits[0].ParentIdentifier = parentIdentifier
	b.p.Inherits[0].ParentOffset = 1
	b.p.Flags |= ProgramUsesParent
}

// OnInit registers a callback run when an instance is created, for this
// program's storage layer.
func (b *ProgramBuilder) OnInit(fn ObjectEvent) {
	b.p.onInit = append(b.p.onInit, fn)
}

// OnExit registers a callback run when an instance is destructed, for this
// program's storage layer.
func (b *ProgramBuilder) OnExit(fn ObjectEvent) {
	b.p.onExit = append(b.p.onExit, fn)
}

// Finish validates the flattened tables and marks the program finished.
// The builder's reference moves to the caller.
func (b *ProgramBuilder) Finish() (*Program, error) {
	if b.done {
		return nil, errBuilderDone
	}
	p := b.p
	p.Flags |= ProgramPass1Done
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.Flags |= ProgramFinished
	b.done = true
	return p, nil
}

// validate checks the table invariants a finished program guarantees.
func (p *Program) validate() error {
	for i := range p.Inherits {
		lo, hi := p.storageWindow(i)
		if lo < 0 || hi > p.StorageNeeded {
			return fmt.Errorf("%s: inherit %d storage [%d,%d) outside %d slots", p.Name, i, lo, hi, p.StorageNeeded)
		}
	}
	for i, ref := range p.References {
		if ref.InheritOffset < 0 || ref.InheritOffset >= len(p.Inherits) {
			return fmt.Errorf("%s: reference %d inherit offset %d out of range", p.Name, i, ref.InheritOffset)
		}
		if ref.IdentifierOffset < 0 || ref.IdentifierOffset >= len(p.Inherits[ref.InheritOffset].Prog.Identifiers) {
			return fmt.Errorf("%s: reference %d identifier offset %d out of range", p.Name, i, ref.IdentifierOffset)
		}
	}
	for _, id := range p.Identifiers {
		switch body := id.Body.(type) {
		case BytecodeBody:
			if body.Offset == NoBody {
				continue
			}
			h, err := DecodeHeader(p.Code, body.Offset)
			if err != nil {
				return fmt.Errorf("%s: function %q: %w", p.Name, id.Name, err)
			}
			if err := h.Validate(); err != nil {
				return fmt.Errorf("%s: function %q: %w", p.Name, id.Name, err)
			}
		case ConstantBody:
			if body.Index < 0 || body.Index >= len(p.Constants) {
				return fmt.Errorf("%s: constant %q index %d out of range", p.Name, id.Name, body.Index)
			}
		case VariableBody:
			if body.Offset < 0 || body.Offset >= p.StorageNeeded {
				return fmt.Errorf("%s: variable %q offset %d out of range", p.Name, id.Name, body.Offset)
			}
		}
	}
	return nil
}
