package image

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/objcore/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("objcore.image")

// ErrNotFound is returned by a Resolver for unknown names.
var ErrNotFound = errors.New("image: not found")

// Resolver supplies what an image refers to by name.
type Resolver interface {
	// Program returns a finished program. The reference is borrowed.
	Program(name string) (*vm.Program, error)
	// Native returns the native function for member name of program.
	Native(program, name string) (vm.NativeFunc, error)
}

// Setup is run on the builder of a loaded program before its members are
// declared, to reattach init and exit callbacks.
type Setup func(b *vm.ProgramBuilder)

// Load decodes image bytes and builds the program.
func Load(data []byte, r Resolver) (*vm.Program, error) {
	img, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return img.Build(r)
}

// Build rebuilds a finished program from the image. Reference indices,
// storage offsets and constant indices match the encoded program's.
func (img *Image) Build(r Resolver) (*vm.Program, error) {
	b := vm.NewProgramBuilder(img.Name)
	// Releases on the failure paths go through a context of their own so a
	// freed program never dereferences a missing one.
	scratch := vm.NewContext(vm.Options{InitialStack: 1})
	fail := func(err error) (*vm.Program, error) {
		b.Program().Release(scratch)
		return nil, fmt.Errorf("image: %s: %w", img.Name, err)
	}

	direct := make([]int, len(img.Inherits))
	for i, in := range img.Inherits {
		parent, err := r.Program(in.Program)
		if err != nil {
			return fail(fmt.Errorf("inherit %s: %w", in.Program, err))
		}
		idx, err := b.Inherit(parent, in.Name)
		if err != nil {
			return fail(err)
		}
		direct[i] = idx
	}

	if reg, ok := r.(*Registry); ok {
		reg.setup(img.Name, b)
	}

	consts := make([]vm.Value, len(img.Constants))
	defer func() {
		for _, c := range consts {
			vm.Release(scratch, c)
		}
	}()
	for i, c := range img.Constants {
		v, err := decodeConstant(scratch, c, r)
		if err != nil {
			return fail(fmt.Errorf("constant %d: %w", i, err))
		}
		consts[i] = v
	}

	b.SetCode(img.Code)
	for _, m := range img.Members {
		var err error
		switch m.Kind {
		case MemberVariable:
			_, err = b.AddVariable(m.Name, m.Type)
		case MemberBytecode:
			_, err = b.AddFunctionAt(m.Name, m.Type, m.Offset)
		case MemberNative:
			var fn vm.NativeFunc
			fn, err = r.Native(img.Name, m.Name)
			if err == nil {
				_, err = b.AddNative(m.Name, m.Type, fn)
			}
		case MemberConstant:
			if m.Constant < 0 || m.Constant >= len(consts) {
				err = fmt.Errorf("member %s: constant %d out of range", m.Name, m.Constant)
				break
			}
			_, err = b.AddConstant(m.Name, consts[m.Constant])
		case MemberSuper:
			if m.Inherit < 0 || m.Inherit >= len(direct) {
				err = fmt.Errorf("super %s: inherit %d out of range", m.Name, m.Inherit)
				break
			}
			_, err = b.AddSuperReference(direct[m.Inherit], m.Name)
		default:
			err = fmt.Errorf("member %s: unknown kind %d", m.Name, m.Kind)
		}
		if err != nil {
			return fail(err)
		}
	}
	if img.Nested {
		b.NestedIn(img.ParentIdentifier)
	}
	p, err := b.Finish()
	if err != nil {
		return fail(err)
	}
	log.Debugf("loaded %s (%d references)", p.Name, p.NumReferences())
	return p, nil
}

// decodeConstant rebuilds a constant. The caller owns the returned
// reference.
func decodeConstant(ctx *vm.Context, c Constant, r Resolver) (vm.Value, error) {
	switch c.Kind {
	case ConstUndefined:
		return vm.Undefined, nil
	case ConstInt:
		return vm.Int(c.Int), nil
	case ConstFloat:
		return vm.Float(c.Float), nil
	case ConstString:
		return vm.String(c.String), nil
	case ConstProgram:
		p, err := r.Program(c.String)
		if err != nil {
			return vm.Undefined, err
		}
		return vm.Retain(vm.ProgramValue(p)), nil
	case ConstNative:
		fn, err := r.Native("", c.String)
		if err != nil {
			return vm.Undefined, err
		}
		return vm.NativeValue(&vm.NativeFunction{Name: c.String, Fn: fn}), nil
	case ConstArray:
		elems := make([]vm.Value, 0, len(c.Array))
		release := func() {
			for _, e := range elems {
				vm.Release(ctx, e)
			}
		}
		for _, ec := range c.Array {
			e, err := decodeConstant(ctx, ec, r)
			if err != nil {
				release()
				return vm.Undefined, err
			}
			elems = append(elems, e)
		}
		v := vm.ArrayValue(vm.NewArray(elems...))
		release()
		return v, nil
	}
	return vm.Undefined, fmt.Errorf("unknown constant kind %d", c.Kind)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry is a Resolver backed by maps. Programs built by LoadInto are
// added to it, so images can be loaded in dependency order.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	natives  map[string]vm.NativeFunc
	setups   map[string][]Setup
	scratch  *vm.Context // releases replaced and closed programs
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scratch:  vm.NewContext(vm.Options{InitialStack: 1}),
		programs: make(map[string]*vm.Program),
		natives:  make(map[string]vm.NativeFunc),
		setups:   make(map[string][]Setup),
	}
}

func nativeKey(program, name string) string {
	if program == "" {
		return name
	}
	return program + "." + name
}

// AddProgram registers p under its name, taking a reference on it.
func (r *Registry) AddProgram(p *vm.Program) {
	p.AddRef()
	r.Adopt(p)
}

// Adopt registers p under its name, taking over the caller's reference.
func (r *Registry) Adopt(p *vm.Program) {
	r.mu.Lock()
	old := r.programs[p.Name]
	r.programs[p.Name] = p
	r.mu.Unlock()
	if old != nil {
		old.Release(r.scratch)
	}
}

// AddNative registers a native function for member name of program. An
// empty program registers a free native usable as a constant.
func (r *Registry) AddNative(program, name string, fn vm.NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.natives[nativeKey(program, name)] = fn
}

// AddSetup registers a builder hook for program.
func (r *Registry) AddSetup(program string, fn Setup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups[program] = append(r.setups[program], fn)
}

// Program implements Resolver.
func (r *Registry) Program(name string) (*vm.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	if !ok {
		return nil, fmt.Errorf("program %s: %w", name, ErrNotFound)
	}
	return p, nil
}

// Native implements Resolver.
func (r *Registry) Native(program, name string) (vm.NativeFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.natives[nativeKey(program, name)]
	if !ok {
		return nil, fmt.Errorf("native %s: %w", nativeKey(program, name), ErrNotFound)
	}
	return fn, nil
}

// Names returns the registered program names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.programs))
	for n := range r.programs {
		names = append(names, n)
	}
	return names
}

func (r *Registry) setup(program string, b *vm.ProgramBuilder) {
	r.mu.RLock()
	fns := r.setups[program]
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(b)
	}
}

// LoadInto builds an image and registers the result. The registry holds
// one reference; the caller owns the other.
func (r *Registry) LoadInto(data []byte) (*vm.Program, error) {
	p, err := Load(data, r)
	if err != nil {
		return nil, err
	}
	r.AddProgram(p)
	return p, nil
}

// Close drops the registry's program references.
func (r *Registry) Close() {
	r.mu.Lock()
	progs := r.programs
	r.programs = make(map[string]*vm.Program)
	r.mu.Unlock()
	for _, p := range progs {
		p.Release(r.scratch)
	}
}
