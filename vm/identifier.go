package vm

// Identifier is a named member declared inside one specific Program.
type Identifier struct {
	Name string
	Type string // type signature, opaque to the dispatcher
	Body Body
}

// Body is the payload of an identifier. It is a closed sum type with four
// cases: NativeBody, BytecodeBody, ConstantBody and VariableBody. The
// dispatcher matches on it in exactly one place.
type Body interface {
	isBody()
}

// NativeFunc implements a native function. args is the raw argument window
// on the evaluation stack; it is only valid until the function pushes onto
// the stack. The returned value carries a reference owned by the caller, so
// passing an argument through requires Retain(args[i]).
type NativeFunc func(ctx *Context, args []Value) (Value, error)

// NativeFunction is a named native callable that can live in a Value.
type NativeFunction struct {
	Name string
	Fn   NativeFunc
}

// NativeBody calls a Go function synchronously.
type NativeBody struct {
	Fn NativeFunc
}

// BytecodeBody points at a function header in the defining program's code.
// Offset is NoBody for a prototype without a definition.
type BytecodeBody struct {
	Offset int
}

// ConstantBody indexes the defining program's constant pool.
type ConstantBody struct {
	Index int
}

// VariableBody is a storage slot relative to the defining program's
// storage window.
type VariableBody struct {
	Offset int
}

func (NativeBody) isBody()   {}
func (BytecodeBody) isBody() {}
func (ConstantBody) isBody() {}
func (VariableBody) isBody() {}

// IsFunction reports whether the identifier has a native or bytecode body.
func (id *Identifier) IsFunction() bool {
	switch id.Body.(type) {
	case NativeBody, BytecodeBody:
		return true
	}
	return false
}

// IsVariable reports whether the identifier is a storage slot.
func (id *Identifier) IsVariable() bool {
	_, ok := id.Body.(VariableBody)
	return ok
}

// IsConstant reports whether the identifier names a constant.
func (id *Identifier) IsConstant() bool {
	_, ok := id.Body.(ConstantBody)
	return ok
}

// Defined reports whether a function identifier has a body.
func (id *Identifier) Defined() bool {
	switch b := id.Body.(type) {
	case NativeBody:
		return b.Fn != nil
	case BytecodeBody:
		return b.Offset != NoBody
	}
	return true
}
