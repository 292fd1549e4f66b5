// Package frame implements micro-wibble's per-call Frame and its
// fixed-bound operand stack, linked into a call chain.
//
// Each Frame owns one bounded operand stack, with explicit over/
// underflow checks rather than a raw slice, chained to its caller via
// Caller.
package frame

import (
	"fmt"

	"github.com/wibblevm/microwibble/word"
)

// Frame holds the state for one in-progress call: the code object it
// is executing (identified by its pool reference so callers don't
// need to import package pool here), the program counter, locals, a
// bounded operand stack, the caller frame, and the number of results
// the caller expects back.
type Frame struct {
	CodeRef      word.Word // tagged pool reference to the executing code object
	PC           uint64    // absolute pool byte offset of the next instruction
	CodeStart    uint64    // absolute pool byte offset of this code object's first instruction
	CodeEnd      uint64    // absolute pool byte offset one past this code object's last byte
	Locals       []word.Word
	stack        []word.Word
	maxStack     int
	Caller       *Frame
	WantsResults int // number of results the caller expects on RET
}

// New creates a Frame for a call to a code object with the given
// local count and max operand-stack depth (both parsed from the code
// object's header by package pool), starting execution at codeStart.
// localCount and maxStack come directly off the wire (u8 each), so
// both are capped at 255 by construction.
func New(codeRef word.Word, localCount, maxStack uint8, codeStart, codeEnd uint64, caller *Frame, wantsResults int) *Frame {
	return &Frame{
		CodeRef:      codeRef,
		PC:           codeStart,
		CodeStart:    codeStart,
		CodeEnd:      codeEnd,
		Locals:       make([]word.Word, localCount),
		stack:        make([]word.Word, 0, maxStack),
		maxStack:     int(maxStack),
		Caller:       caller,
		WantsResults: wantsResults,
	}
}

// InBounds reports whether an absolute pool offset lies within this
// frame's code object, for JUMP's bounds check.
func (f *Frame) InBounds(pc uint64) bool {
	return pc >= f.CodeStart && pc < f.CodeEnd
}

// ErrStackOverflow and ErrStackUnderflow are the frame faults,
// raised before any memory is touched.
var (
	ErrStackOverflow  = fmt.Errorf("frame: operand stack overflow")
	ErrStackUnderflow = fmt.Errorf("frame: operand stack underflow")
)

// Push pushes v onto the operand stack, failing if that would exceed
// max_stack: the operand stack depth must never exceed the frame's
// declared capacity.
func (f *Frame) Push(v word.Word) error {
	if len(f.stack) >= f.maxStack {
		return ErrStackOverflow
	}
	f.stack = append(f.stack, v)
	return nil
}

// Pop removes and returns the top of the operand stack.
func (f *Frame) Pop() (word.Word, error) {
	if len(f.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

// PopN pops n values in stack order (index 0 = deepest of the n
// popped, matching the "S1 deepest … SN top" convention for
// CALL's argument transfer) and returns them.
func (f *Frame) PopN(n int) ([]word.Word, error) {
	if len(f.stack) < n {
		return nil, ErrStackUnderflow
	}
	out := make([]word.Word, n)
	copy(out, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out, nil
}

// Depth returns the current operand-stack depth.
func (f *Frame) Depth() int { return len(f.stack) }

// MaxStack returns the frame's declared operand-stack capacity.
func (f *Frame) MaxStack() int { return f.maxStack }

// LocalCount returns the number of local slots in this frame.
func (f *Frame) LocalCount() int { return len(f.Locals) }

// GetLocal reads local i, bounds-checked: a local index must always
// stay below local_count.
func (f *Frame) GetLocal(i int) (word.Word, error) {
	if i < 0 || i >= len(f.Locals) {
		return 0, fmt.Errorf("frame: local index %d out of range [0,%d)", i, len(f.Locals))
	}
	return f.Locals[i], nil
}

// SetLocal writes local i, bounds-checked.
func (f *Frame) SetLocal(i int, v word.Word) error {
	if i < 0 || i >= len(f.Locals) {
		return fmt.Errorf("frame: local index %d out of range [0,%d)", i, len(f.Locals))
	}
	f.Locals[i] = v
	return nil
}

// StackWords exposes the live portion of the operand stack, 0..depth,
// for GC root enumeration: the root set includes the live portion of
// every frame's operand stack. The returned slice aliases the frame's
// internal storage and must not be retained past the current
// safepoint.
func (f *Frame) StackWords() []word.Word { return f.stack }
