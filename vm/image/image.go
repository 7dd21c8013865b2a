// Package image encodes finished Programs as portable CBOR images and
// rebuilds them. An image records only what the compiler produced for the
// program itself: its direct inherits by name, its own members in
// reference order, its constant pool and its bytecode. Ancestors, native
// functions and init/exit callbacks are supplied again at load time by a
// Resolver.
package image

import (
	"crypto/sha256"
	"fmt"

	"github.com/chazu/objcore/vm"
	"github.com/fxamacker/cbor/v2"
)

// Version is the image format version written by Encode.
const Version = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MemberKind is the body kind of an image member.
type MemberKind uint8

const (
	MemberVariable MemberKind = 1
	MemberBytecode MemberKind = 2
	MemberNative   MemberKind = 3
	MemberConstant MemberKind = 4
	MemberSuper    MemberKind = 5 // hidden reference to an ancestor's definition
)

// ConstantKind tags an encoded constant.
type ConstantKind uint8

const (
	ConstUndefined ConstantKind = 0
	ConstInt       ConstantKind = 1
	ConstFloat     ConstantKind = 2
	ConstString    ConstantKind = 3
	ConstArray     ConstantKind = 4
	ConstProgram   ConstantKind = 5 // by program name
	ConstNative    ConstantKind = 6 // by native name
)

// Image is the encoded form of one Program.
type Image struct {
	Version          uint8      `cbor:"1,keyasint"`
	Name             string     `cbor:"2,keyasint"`
	Inherits         []Inherit  `cbor:"3,keyasint,omitempty"`
	Members          []Member   `cbor:"4,keyasint,omitempty"`
	Constants        []Constant `cbor:"5,keyasint,omitempty"`
	Code             []byte     `cbor:"6,keyasint,omitempty"`
	Nested           bool       `cbor:"7,keyasint,omitempty"`
	ParentIdentifier int        `cbor:"8,keyasint,omitempty"`
}

// Inherit names a direct ancestor.
type Inherit struct {
	Program string `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint,omitempty"` // local name when renamed
}

// Member is one own reference of the program, in reference order.
type Member struct {
	Kind     MemberKind `cbor:"1,keyasint"`
	Name     string     `cbor:"2,keyasint"`
	Type     string     `cbor:"3,keyasint,omitempty"`
	Offset   int        `cbor:"4,keyasint,omitempty"` // bytecode header offset, vm.NoBody for prototypes
	Constant int        `cbor:"5,keyasint,omitempty"` // constant pool index
	Inherit  int        `cbor:"6,keyasint,omitempty"` // direct inherit ordinal of a super reference
}

// Constant is an encoded constant pool entry.
type Constant struct {
	Kind   ConstantKind `cbor:"1,keyasint"`
	Int    int64        `cbor:"2,keyasint,omitempty"`
	Float  float64      `cbor:"3,keyasint,omitempty"`
	String string       `cbor:"4,keyasint,omitempty"`
	Array  []Constant   `cbor:"5,keyasint,omitempty"`
}

// Marshal serializes an Image to canonical CBOR bytes.
func Marshal(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// Unmarshal deserializes an Image from CBOR bytes.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("image: unsupported version %d", img.Version)
	}
	return &img, nil
}

// Hash returns the content hash of encoded image bytes.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Encode converts a finished program to image bytes.
func Encode(p *vm.Program) ([]byte, error) {
	img, err := FromProgram(p)
	if err != nil {
		return nil, err
	}
	return Marshal(img)
}

// ---------------------------------------------------------------------------
// Program -> Image
// ---------------------------------------------------------------------------

// FromProgram extracts the image of a finished program.
func FromProgram(p *vm.Program) (*Image, error) {
	if !p.Finished() {
		return nil, fmt.Errorf("image: %s is not finished", p.Name)
	}
	img := &Image{
		Version: Version,
		Name:    p.Name,
		Code:    append([]byte(nil), p.Code...),
	}
	self := p.Inherits[0]
	if p.UsesParent() {
		img.Nested = true
		img.ParentIdentifier = self.ParentIdentifier
	}

	// Direct inherits are the depth-1 rows; their references come first.
	var direct []int
	inherited := 0
	for i, inh := range p.Inherits {
		if inh.Depth != 1 {
			continue
		}
		if inh.Parent != nil {
			return nil, fmt.Errorf("image: %s: inherit %s is bound to an object", p.Name, inh.Name)
		}
		direct = append(direct, i)
		img.Inherits = append(img.Inherits, Inherit{Program: inh.Prog.Name, Name: renamed(inh)})
		inherited += inh.Prog.NumReferences()
	}

	for i, c := range p.Constants {
		ec, err := encodeConstant(c)
		if err != nil {
			return nil, fmt.Errorf("image: %s: constant %d: %w", p.Name, i, err)
		}
		img.Constants = append(img.Constants, ec)
	}

	for fun := inherited; fun < len(p.References); fun++ {
		ref := p.References[fun]
		if ref.Flags&vm.RefHidden != 0 {
			ord := directOrdinal(direct, ref.InheritOffset)
			_, id := p.Resolve(fun)
			img.Members = append(img.Members, Member{Kind: MemberSuper, Name: id.Name, Inherit: ord})
			continue
		}
		if ref.InheritOffset != 0 {
			return nil, fmt.Errorf("image: %s: reference %d is not an own member", p.Name, fun)
		}
		id := p.Identifiers[ref.IdentifierOffset]
		m := Member{Name: id.Name, Type: id.Type}
		switch body := id.Body.(type) {
		case vm.VariableBody:
			m.Kind = MemberVariable
		case vm.BytecodeBody:
			m.Kind = MemberBytecode
			m.Offset = body.Offset
		case vm.NativeBody:
			m.Kind = MemberNative
		case vm.ConstantBody:
			m.Kind = MemberConstant
			m.Constant = body.Index
		}
		img.Members = append(img.Members, m)
	}
	return img, nil
}

func renamed(inh vm.Inherit) string {
	if inh.Name == inh.Prog.Name {
		return ""
	}
	return inh.Name
}

// directOrdinal returns the position in direct of the direct inherit whose
// subtree contains inherit index idx.
func directOrdinal(direct []int, idx int) int {
	ord := 0
	for i, d := range direct {
		if d <= idx {
			ord = i
		}
	}
	return ord
}

func encodeConstant(v vm.Value) (Constant, error) {
	switch v.Kind() {
	case vm.KindUndefined:
		return Constant{Kind: ConstUndefined}, nil
	case vm.KindInt:
		return Constant{Kind: ConstInt, Int: v.Int()}, nil
	case vm.KindFloat:
		return Constant{Kind: ConstFloat, Float: v.Float()}, nil
	case vm.KindString:
		return Constant{Kind: ConstString, String: v.Str()}, nil
	case vm.KindProgram:
		return Constant{Kind: ConstProgram, String: v.Program().Name}, nil
	case vm.KindNative:
		return Constant{Kind: ConstNative, String: v.Native().Name}, nil
	case vm.KindArray:
		a := v.Array()
		c := Constant{Kind: ConstArray, Array: make([]Constant, a.Len())}
		for i := range c.Array {
			ec, err := encodeConstant(a.At(i))
			if err != nil {
				return Constant{}, err
			}
			c.Array[i] = ec
		}
		return c, nil
	}
	return Constant{}, fmt.Errorf("%s values cannot be stored in an image", v.Kind())
}

// Requires returns the names of the programs the image resolves at load
// time: its inherits and the programs held by its constants. Each name is
// listed once, in first-use order.
func (img *Image) Requires() []string {
	var names []string
	seen := make(map[string]bool)
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, in := range img.Inherits {
		add(in.Program)
	}
	var walk func(c Constant)
	walk = func(c Constant) {
		switch c.Kind {
		case ConstProgram:
			add(c.String)
		case ConstArray:
			for _, e := range c.Array {
				walk(e)
			}
		}
	}
	for _, c := range img.Constants {
		walk(c)
	}
	return names
}
