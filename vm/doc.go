// Package vm implements the dispatch and activation-frame core of a
// class-based object runtime.
//
// This package contains:
//   - Tagged value slots and the growable evaluation stack
//   - Programs with flattened Inherit/Reference/Identifier tables
//   - Objects with two-phase destruction and reference counting
//   - The Frame Stack, closure scopes and error unwinding
//   - The dispatcher (Apply) and its four callable kinds
//   - Interpreter contexts, the logical token and safepoints
//
// Bytecode is never executed here. A bytecode call pushes a Frame and hands
// control to an Executor supplied by the surrounding runtime.
package vm
