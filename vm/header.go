package vm

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the prologue at the start of every bytecode
// function. A new frame's program counter starts right after it.
const HeaderSize = 8

// NoBody marks a bytecode function that was declared but never defined.
const NoBody = -1

const headerFlagVariadic = 1 << 0

// FunctionHeader is the prologue of a bytecode function:
//
//	num_locals      u16
//	num_args        u16
//	closure_reserve u16
//	flags           u8   (bit 0: variadic)
//	pad             u8
//
// All fields are little-endian.
type FunctionHeader struct {
	NumLocals      uint16
	NumArgs        uint16
	ClosureReserve uint16
	Variadic       bool
}

// AdjustedArgs is the number of argument slots after arity adjustment:
// NumArgs, plus one trailing list slot for variadic functions.
func (h FunctionHeader) AdjustedArgs() int {
	if h.Variadic {
		return int(h.NumArgs) + 1
	}
	return int(h.NumArgs)
}

// Validate checks the header invariants of a finished program.
func (h FunctionHeader) Validate() error {
	if int(h.NumLocals) < h.AdjustedArgs() {
		return fmt.Errorf("num_locals %d < args %d", h.NumLocals, h.AdjustedArgs())
	}
	if h.ClosureReserve > h.NumLocals {
		return fmt.Errorf("closure_reserve %d > num_locals %d", h.ClosureReserve, h.NumLocals)
	}
	return nil
}

// AppendTo appends the encoded header to code.
func (h FunctionHeader) AppendTo(code []byte) []byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:], h.NumLocals)
	binary.LittleEndian.PutUint16(buf[2:], h.NumArgs)
	binary.LittleEndian.PutUint16(buf[4:], h.ClosureReserve)
	if h.Variadic {
		buf[6] |= headerFlagVariadic
	}
	return append(code, buf[:]...)
}

// DecodeHeader reads the function header at offset.
func DecodeHeader(code []byte, offset int) (FunctionHeader, error) {
	if offset < 0 || offset+HeaderSize > len(code) {
		return FunctionHeader{}, fmt.Errorf("function header at %d outside code (len=%d)", offset, len(code))
	}
	b := code[offset:]
	return FunctionHeader{
		NumLocals:      binary.LittleEndian.Uint16(b[0:]),
		NumArgs:        binary.LittleEndian.Uint16(b[2:]),
		ClosureReserve: binary.LittleEndian.Uint16(b[4:]),
		Variadic:       b[6]&headerFlagVariadic != 0,
	}, nil
}
