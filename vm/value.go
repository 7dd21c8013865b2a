package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the type tag of a Value slot.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
	KindProgram
	KindFunction
	KindNative
	KindClosure
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindInt:       "int",
	KindFloat:     "float",
	KindString:    "string",
	KindArray:     "array",
	KindObject:    "object",
	KindProgram:   "program",
	KindFunction:  "function",
	KindNative:    "native",
	KindClosure:   "closure",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a tagged union used on the evaluation stack, in object storage
// and in constant pools.
//
// Payload layout by kind:
//   - Int: bits holds the two's complement integer
//   - Float: bits holds the IEEE 754 pattern
//   - String: ref holds the string
//   - Array: ref holds *Array
//   - Object: ref holds *Object
//   - Program: ref holds *Program
//   - Function: ref holds *Object, bits holds the reference index
//   - Native: ref holds *NativeFunction
//   - Closure: ref holds *Closure
//
// The zero Value is undefined.
type Value struct {
	kind Kind
	bits uint64
	ref  any
}

// Undefined is the value of missing arguments and fresh locals.
var Undefined = Value{}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// Int returns an integer value.
func Int(n int64) Value {
	return Value{kind: KindInt, bits: uint64(n)}
}

// Float returns a floating point value.
func Float(f float64) Value {
	return Value{kind: KindFloat, bits: math.Float64bits(f)}
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, ref: s}
}

// ArrayValue wraps an array. The caller's reference on a moves into the value.
func ArrayValue(a *Array) Value {
	if a == nil {
		return Undefined
	}
	return Value{kind: KindArray, ref: a}
}

// ObjectValue wraps an object. The caller's reference on o moves into the value.
func ObjectValue(o *Object) Value {
	if o == nil {
		return Undefined
	}
	return Value{kind: KindObject, ref: o}
}

// ProgramValue wraps a program. The caller's reference on p moves into the value.
func ProgramValue(p *Program) Value {
	if p == nil {
		return Undefined
	}
	return Value{kind: KindProgram, ref: p}
}

// FunctionValue is a callable pointing at reference index fun of o.
// The caller's reference on o moves into the value.
func FunctionValue(o *Object, fun int) Value {
	if o == nil {
		return Undefined
	}
	return Value{kind: KindFunction, bits: uint64(fun), ref: o}
}

// NativeValue wraps a free native function.
func NativeValue(fn *NativeFunction) Value {
	if fn == nil {
		return Undefined
	}
	return Value{kind: KindNative, ref: fn}
}

// ---------------------------------------------------------------------------
// Access
// ---------------------------------------------------------------------------

// Kind returns the type tag.
func (v Value) Kind() Kind { return v.kind }

// IsUndefined reports whether v is the undefined value.
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// Int returns the integer payload, or 0 if v is not an int.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		return 0
	}
	return int64(v.bits)
}

// Float returns the float payload, or 0 if v is not a float.
func (v Value) Float() float64 {
	if v.kind != KindFloat {
		return 0
	}
	return math.Float64frombits(v.bits)
}

// Str returns the string payload, or "" if v is not a string.
func (v Value) Str() string {
	s, _ := v.ref.(string)
	return s
}

// Array returns the array payload, or nil.
func (v Value) Array() *Array {
	a, _ := v.ref.(*Array)
	return a
}

// Object returns the object payload for objects and functions, or nil.
func (v Value) Object() *Object {
	if v.kind != KindObject && v.kind != KindFunction {
		return nil
	}
	return v.ref.(*Object)
}

// Program returns the program payload, or nil.
func (v Value) Program() *Program {
	p, _ := v.ref.(*Program)
	return p
}

// Function returns the object and reference index of a function value.
func (v Value) Function() (*Object, int) {
	if v.kind != KindFunction {
		return nil, -1
	}
	return v.ref.(*Object), int(v.bits)
}

// Closure returns the closure payload, or nil.
func (v Value) Closure() *Closure {
	c, _ := v.ref.(*Closure)
	return c
}

// Native returns the native function payload, or nil.
func (v Value) Native() *NativeFunction {
	n, _ := v.ref.(*NativeFunction)
	return n
}

// Identical reports whether a and b hold the same payload.
// Reference kinds compare by identity.
func Identical(a, b Value) bool {
	if a.kind != b.kind || a.bits != b.bits {
		return false
	}
	switch a.kind {
	case KindString:
		return a.Str() == b.Str()
	default:
		return a.ref == b.ref
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "UNDEFINED"
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.Str())
	case KindArray:
		a := v.Array()
		parts := make([]string, len(a.elems))
		for i, e := range a.elems {
			parts[i] = e.String()
		}
		return "({" + strings.Join(parts, ", ") + "})"
	case KindObject:
		return v.Object().String()
	case KindProgram:
		return "program(" + v.Program().Name + ")"
	case KindFunction:
		o, fun := v.Function()
		return fmt.Sprintf("%s->%s", o, o.functionName(fun))
	case KindNative:
		return "native(" + v.Native().Name + ")"
	case KindClosure:
		c := v.Closure()
		return fmt.Sprintf("closure(%s->%s)", c.Object, c.Object.functionName(c.Fun))
	}
	return v.kind.String()
}

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

// addRef takes a counted reference on whatever v points at.
func (v Value) addRef() {
	switch v.kind {
	case KindArray:
		v.ref.(*Array).refs++
	case KindObject, KindFunction:
		v.ref.(*Object).addRef()
	case KindProgram:
		v.ref.(*Program).AddRef()
	case KindClosure:
		v.ref.(*Closure).refs++
	}
}

// release drops a counted reference on whatever v points at.
func (v Value) release(ctx *Context) {
	switch v.kind {
	case KindArray:
		v.ref.(*Array).release(ctx)
	case KindObject, KindFunction:
		v.ref.(*Object).release(ctx)
	case KindProgram:
		v.ref.(*Program).Release(ctx)
	case KindClosure:
		v.ref.(*Closure).release(ctx)
	}
}

// Assign stores src into *dst, taking the new reference before dropping the
// old one so self-assignment and reentrant destructors are safe.
func Assign(ctx *Context, dst *Value, src Value) {
	src.addRef()
	old := *dst
	*dst = src
	old.release(ctx)
}

// Retain returns v after taking a counted reference on it.
func Retain(v Value) Value {
	v.addRef()
	return v
}

// Release drops a counted reference held by v.
func Release(ctx *Context, v Value) {
	v.release(ctx)
}
