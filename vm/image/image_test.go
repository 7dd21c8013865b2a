package image

import (
	"errors"
	"reflect"
	"testing"

	"github.com/chazu/objcore/vm"
)

// must unwraps a (value, error) pair, panicking on error so the test fails.
func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func double(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	return vm.Int(args[0].Int() * 2), nil
}

func hello(ctx *vm.Context, args []vm.Value) (vm.Value, error) {
	return vm.String("hello"), nil
}

// buildPrograms returns Base, Item and Derived, where Derived inherits Base,
// overrides m, keeps a super reference to Base's m and holds Item as a
// nested class constant.
func buildPrograms(t *testing.T) (base, item, derived *vm.Program) {
	t.Helper()
	bb := vm.NewProgramBuilder("Base")
	must(bb.AddVariable("x", "int"))
	must(bb.AddFunction("m", "function(:int)", vm.FunctionHeader{NumLocals: 1, NumArgs: 1}, []byte{0xAA}))
	must(bb.AddNative("double", "function(int:int)", double))
	base = must(bb.Finish())

	ib := vm.NewProgramBuilder("Item")
	ib.NestedIn(0)
	must(ib.AddVariable("v", ""))
	item = must(ib.Finish())

	db := vm.NewProgramBuilder("Derived")
	inh := must(db.Inherit(base, ""))
	must(db.AddVariable("y", "string"))
	must(db.AddFunction("m", "function(:int)", vm.FunctionHeader{NumLocals: 2, NumArgs: 1, Variadic: false}, []byte{0xBB}))
	must(db.AddSuperReference(inh, "m"))
	must(db.AddPrototype("later", "function(:void)"))
	must(db.AddClass("Item", item))
	must(db.AddConstant("table", vm.ArrayValue(vm.NewArray(vm.Int(1), vm.Float(2.5), vm.String("three")))))
	must(db.AddConstant("greet", vm.NativeValue(&vm.NativeFunction{Name: "hello", Fn: hello})))
	derived = must(db.Finish())
	return base, item, derived
}

func newRegistry(base, item *vm.Program) *Registry {
	r := NewRegistry()
	r.AddProgram(base)
	r.AddProgram(item)
	r.AddNative("Base", "double", double)
	r.AddNative("", "hello", hello)
	return r
}

// TestImageRebuildsTables verifies a loaded program has the same
// reference, storage and constant layout as the encoded one.
func TestImageRebuildsTables(t *testing.T) {
	base, item, derived := buildPrograms(t)
	data := must(Encode(derived))

	r := newRegistry(base, item)
	defer r.Close()
	got := must(Load(data, r))

	if got.Name != derived.Name || got.StorageNeeded != derived.StorageNeeded {
		t.Errorf("got %s storage %d, want %s storage %d", got.Name, got.StorageNeeded, derived.Name, derived.StorageNeeded)
	}
	if !reflect.DeepEqual(got.References, derived.References) {
		t.Errorf("references differ:\ngot  %+v\nwant %+v", got.References, derived.References)
	}
	if !reflect.DeepEqual(got.Code, derived.Code) {
		t.Errorf("got code % x, want % x", got.Code, derived.Code)
	}
	if len(got.Constants) != len(derived.Constants) {
		t.Fatalf("got %d constants, want %d", len(got.Constants), len(derived.Constants))
	}
	for i := range got.Constants {
		if got.Constants[i].String() != derived.Constants[i].String() {
			t.Errorf("constant %d: got %v, want %v", i, got.Constants[i], derived.Constants[i])
		}
	}
	for fun := 0; fun < derived.NumReferences(); fun++ {
		if a, b := got.IdentifierName(fun), derived.IdentifierName(fun); a != b {
			t.Errorf("reference %d: got %q, want %q", fun, a, b)
		}
	}
	if got.Constants[0].Program() != item {
		t.Error("class constant not resolved to the registered program")
	}
}

// TestImageLoadedProgramRuns verifies natives resolved at load time are
// callable through the dispatcher.
func TestImageLoadedProgramRuns(t *testing.T) {
	base, item, derived := buildPrograms(t)
	r := newRegistry(base, item)
	defer r.Close()
	got := must(Load(must(Encode(derived)), r))

	ctx := vm.NewContext(vm.Options{})
	o := must(ctx.Clone(got))
	v := must(ctx.CallByName(o, "double", vm.Int(21)))
	if v.Int() != 42 {
		t.Errorf("got %v, want 42", v)
	}
	v = must(ctx.CallByName(o, "greet"))
	if v.Str() != "hello" {
		t.Errorf("got %v, want \"hello\"", v)
	}
	c := must(ctx.CallByName(o, "Item"))
	if c.Object().Parent() != o {
		t.Error("nested class lost its lexical parent")
	}
	vm.Release(ctx, c)
	ctx.ReleaseObject(o)
}

// TestImageEncodingIsCanonical verifies encoding is deterministic so the
// content hash can key stored images.
func TestImageEncodingIsCanonical(t *testing.T) {
	_, _, derived := buildPrograms(t)
	a := must(Encode(derived))
	b := must(Encode(derived))
	if Hash(a) != Hash(b) {
		t.Error("two encodings of one program hash differently")
	}
	img := must(Unmarshal(a))
	if len(img.Inherits) != 1 || img.Inherits[0].Program != "Base" {
		t.Errorf("got inherits %+v, want [Base]", img.Inherits)
	}
	var kinds []MemberKind
	for _, m := range img.Members {
		kinds = append(kinds, m.Kind)
	}
	want := []MemberKind{MemberVariable, MemberBytecode, MemberSuper, MemberBytecode, MemberConstant, MemberConstant, MemberConstant}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("got member kinds %v, want %v", kinds, want)
	}
	if img.Members[3].Offset != vm.NoBody {
		t.Errorf("prototype offset %d, want %d", img.Members[3].Offset, vm.NoBody)
	}
}

// TestImageErrors covers the load and encode failure paths.
func TestImageErrors(t *testing.T) {
	base, item, derived := buildPrograms(t)
	data := must(Encode(derived))

	t.Run("missing inherit", func(t *testing.T) {
		r := NewRegistry()
		if _, err := Load(data, r); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("missing native", func(t *testing.T) {
		r := NewRegistry()
		r.AddProgram(item)
		bb := vm.NewProgramBuilder("N")
		must(bb.AddNative("f", "", double))
		n := must(bb.Finish())
		if _, err := Load(must(Encode(n)), r); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
		r.Close()
	})

	t.Run("unfinished program", func(t *testing.T) {
		if _, err := Encode(vm.NewProgramBuilder("U").Program()); err == nil {
			t.Error("got nil error, want unfinished error")
		}
	})

	t.Run("object constant", func(t *testing.T) {
		ctx := vm.NewContext(vm.Options{})
		o := must(ctx.Clone(base))
		b := vm.NewProgramBuilder("O")
		must(b.AddConstant("o", vm.ObjectValue(o)))
		p := must(b.Finish())
		if _, err := Encode(p); err == nil {
			t.Error("got nil error, want unencodable constant error")
		}
		p.Release(ctx)
		ctx.ReleaseObject(o)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := must(Marshal(&Image{Version: 9, Name: "X"}))
		if _, err := Unmarshal(bad); err == nil {
			t.Error("got nil error, want version error")
		}
	})
}

// TestRegistrySetupReattachesCallbacks verifies builder hooks run for
// loaded programs.
func TestRegistrySetupReattachesCallbacks(t *testing.T) {
	b := vm.NewProgramBuilder("S")
	must(b.AddVariable("v", ""))
	p := must(b.Finish())

	r := NewRegistry()
	defer r.Close()
	inits := 0
	r.AddSetup("S", func(b *vm.ProgramBuilder) {
		b.OnInit(func(ctx *vm.Context, o *vm.Object, storage []vm.Value) { inits++ })
	})
	loaded := must(r.LoadInto(must(Encode(p))))
	if got := must(r.Program("S")); got != loaded {
		t.Error("LoadInto did not register the program")
	}

	ctx := vm.NewContext(vm.Options{})
	o := must(ctx.Clone(loaded))
	ctx.ReleaseObject(o)
	if inits != 1 {
		t.Errorf("got %d init calls, want 1", inits)
	}
}

func TestImageRequires(t *testing.T) {
	_, _, derived := buildPrograms(t)
	img := must(FromProgram(derived))
	if got, want := img.Requires(), []string{"Base", "Item"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestBuildFailureReleasesConstants verifies a failed build drops the
// program references its decoded constants took.
func TestBuildFailureReleasesConstants(t *testing.T) {
	base, item, _ := buildPrograms(t)
	r := newRegistry(base, item)
	defer r.Close()
	refs := item.Refs()

	img := &Image{
		Version: Version,
		Name:    "Broken",
		Constants: []Constant{
			{Kind: ConstArray, Array: []Constant{{Kind: ConstProgram, String: "Item"}, {Kind: ConstInt, Int: 1}}},
			{Kind: ConstProgram, String: "Item"},
			{Kind: ConstNative, String: "missing"},
		},
	}
	if _, err := img.Build(r); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if got := item.Refs(); got != refs {
		t.Errorf("got %d references on Item, want %d", got, refs)
	}
}

// TestRegistryAdoptTakesReference verifies Adopt keeps the caller's
// reference and replacing a program releases the old one.
func TestRegistryAdoptTakesReference(t *testing.T) {
	b := vm.NewProgramBuilder("A")
	must(b.AddVariable("v", ""))
	first := must(b.Finish())
	b = vm.NewProgramBuilder("A")
	second := must(b.Finish())

	r := NewRegistry()
	r.Adopt(first)
	if first.Refs() != 1 {
		t.Errorf("got %d references, want 1", first.Refs())
	}
	r.Adopt(second)
	if !first.Freed() {
		t.Error("replaced program was not freed")
	}
	r.Close()
	if !second.Freed() {
		t.Error("Close did not free the adopted program")
	}
}
