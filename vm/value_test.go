package vm

import "testing"

// ---------------------------------------------------------------------------
// Value slots
// ---------------------------------------------------------------------------

func TestValueKinds(t *testing.T) {
	p := mustFinish(t, NewProgramBuilder("P"))
	tests := []struct {
		v    Value
		kind Kind
		str  string
	}{
		{Undefined, KindUndefined, "UNDEFINED"},
		{Int(-3), KindInt, "-3"},
		{Float(1.5), KindFloat, "1.5"},
		{String("hi"), KindString, `"hi"`},
		{ArrayValue(NewArray(Int(1), String("a"))), KindArray, `({1, "a"})`},
		{ProgramValue(p), KindProgram, "program(P)"},
		{NativeValue(&NativeFunction{Name: "f"}), KindNative, "native(f)"},
	}
	for _, tt := range tests {
		if tt.v.Kind() != tt.kind {
			t.Errorf("%v: got kind %v, want %v", tt.v, tt.v.Kind(), tt.kind)
		}
		if got := tt.v.String(); got != tt.str {
			t.Errorf("got %q, want %q", got, tt.str)
		}
	}
	if Kind(200).String() != "kind(200)" {
		t.Errorf("got %q for unknown kind", Kind(200).String())
	}
}

func TestValueAccessorsOnWrongKind(t *testing.T) {
	v := String("x")
	if v.Int() != 0 || v.Float() != 0 || v.Array() != nil || v.Object() != nil || v.Program() != nil {
		t.Error("accessor returned payload for the wrong kind")
	}
	if o, fun := v.Function(); o != nil || fun != -1 {
		t.Errorf("got %v %d, want nil -1", o, fun)
	}
	if ObjectValue(nil) != Undefined || ArrayValue(nil) != Undefined || FunctionValue(nil, 0) != Undefined {
		t.Error("nil payload did not give undefined")
	}
}

func TestIdentical(t *testing.T) {
	a := NewArray()
	tests := []struct {
		a, b Value
		want bool
	}{
		{Int(1), Int(1), true},
		{Int(1), Float(1), false},
		{String("a"), String("a"), true},
		{String("a"), String("b"), false},
		{ArrayValue(a), ArrayValue(a), true},
		{ArrayValue(a), ArrayValue(NewArray()), false},
		{Undefined, Undefined, true},
	}
	for _, tt := range tests {
		if got := Identical(tt.a, tt.b); got != tt.want {
			t.Errorf("Identical(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

// TestAssignSelfAssignment verifies the new reference is taken before the
// old one is dropped.
func TestAssignSelfAssignment(t *testing.T) {
	ctx := NewContext(Options{})
	a := NewArray(Int(1))
	slot := ArrayValue(a)
	Assign(ctx, &slot, slot)
	if a.Refs() != 1 || a.Len() != 1 {
		t.Errorf("got refs %d len %d, want 1 and 1", a.Refs(), a.Len())
	}
	Assign(ctx, &slot, Undefined)
	if a.Refs() != 0 || a.Len() != 0 {
		t.Errorf("got refs %d len %d, want freed", a.Refs(), a.Len())
	}
}

// TestArrayOwnsElements verifies arrays hold one reference per element.
func TestArrayOwnsElements(t *testing.T) {
	ctx := NewContext(Options{})
	inner := NewArray()
	outer := NewArray(ArrayValue(inner), ArrayValue(inner))
	if inner.Refs() != 3 {
		t.Fatalf("got refs %d, want 3", inner.Refs())
	}
	outer.Set(ctx, 1, Int(0))
	if inner.Refs() != 2 {
		t.Errorf("got refs %d after Set, want 2", inner.Refs())
	}
	var n int
	outer.EachReference(func(Value) { n++ })
	if n != 1 {
		t.Errorf("got %d counted elements, want 1", n)
	}
	outer.release(ctx)
	if inner.Refs() != 1 {
		t.Errorf("got refs %d after release, want 1", inner.Refs())
	}
	inner.release(ctx)
	expectFatal(t, func() { inner.release(ctx) })
}
