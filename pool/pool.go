// Package pool implements micro-wibble's constant pool: a read-only,
// word-aligned byte region holding code objects, frozen slot-arrays,
// and byte-array payloads.
//
// Every read is checked against the pool's length and checked for
// alignment before any byte is touched, the same bounds-and-alignment
// discipline a segmented-memory model applies to each of its regions,
// narrowed here to a single read-only extent.
package pool

import (
	"encoding/binary"
	"fmt"

	"github.com/wibblevm/microwibble/word"
)

// ErrUnaligned marks a read at an offset that is not a multiple of the
// word size. Callers that distinguish alignment faults from plain
// out-of-range faults test for it with errors.Is.
var ErrUnaligned = fmt.Errorf("pool: unaligned access")

// Pool is a read-only, word-aligned byte store. There is no mutation
// API: frozen objects and code objects are immutable for the lifetime
// of the VM.
type Pool struct {
	bytes       []byte
	globalCount int
	mainOffset  uint64 // byte offset, pre-tag
}

// CodeObject is the parsed header of a code blob in the pool:
// local_count, max_stack, and the [start, end) byte range of the
// bytecode body within the pool.
type CodeObject struct {
	LocalCount uint8
	MaxStack   uint8
	CodeStart  uint64
	CodeEnd    uint64
}

// New wraps raw bytes as a Pool with no header parsing. Used when the
// caller (the asm package, or a test) already has a bare constant-pool
// body and wants to address it directly, as opposed to Load, which
// parses the full image-file header first.
func New(bytes []byte, globalCount int, mainOffset uint64) *Pool {
	return &Pool{bytes: bytes, globalCount: globalCount, mainOffset: mainOffset}
}

// Len returns the size of the pool in bytes.
func (p *Pool) Len() int { return len(p.bytes) }

// GlobalCount returns the declared number of VM globals.
func (p *Pool) GlobalCount() int { return p.globalCount }

// MainRef returns the tagged pool reference to the entry-point code
// object.
func (p *Pool) MainRef() word.Word {
	return word.FromPoolOffset(p.mainOffset, word.Align)
}

// inBounds reports whether [off, off+n) lies within the pool.
func (p *Pool) inBounds(off uint64, n uint64) bool {
	if off+n < off { // overflow
		return false
	}
	return off+n <= uint64(len(p.bytes))
}

// ReadWord reads one word-width value at byteOffset. It fails if the
// offset is unaligned or the read would run past the pool extent.
func (p *Pool) ReadWord(byteOffset uint64) (word.Word, error) {
	if byteOffset%uint64(word.Align) != 0 {
		return 0, fmt.Errorf("%w: word read at offset %d", ErrUnaligned, byteOffset)
	}
	if !p.inBounds(byteOffset, uint64(word.Align)) {
		return 0, fmt.Errorf("pool: word read at offset %d exceeds pool extent (%d bytes)", byteOffset, len(p.bytes))
	}
	if word.Align == 4 {
		return word.Word(binary.LittleEndian.Uint32(p.bytes[byteOffset : byteOffset+4])), nil
	}
	return word.Word(binary.LittleEndian.Uint64(p.bytes[byteOffset : byteOffset+8])), nil
}

// ReadBytes reads a raw byte slice at byteOffset, for native-module use
// only; ordinary bytecode never reads pool bytes
// directly except through ReadWord/CodeObjectAt.
func (p *Pool) ReadBytes(byteOffset uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("pool: negative read length %d", n)
	}
	if !p.inBounds(byteOffset, uint64(n)) {
		return nil, fmt.Errorf("pool: byte read [%d, %d) exceeds pool extent (%d bytes)", byteOffset, byteOffset+uint64(n), len(p.bytes))
	}
	return p.bytes[byteOffset : byteOffset+uint64(n)], nil
}

// CodeObjectAt parses the code-object header at byteOffset: u8
// local_count, u8 max_stack, u16 code_length (little-endian), followed
// by code_length bytecode bytes. The start must be word-aligned.
func (p *Pool) CodeObjectAt(byteOffset uint64) (CodeObject, error) {
	if byteOffset%uint64(word.Align) != 0 {
		return CodeObject{}, fmt.Errorf("%w: code object at offset %d", ErrUnaligned, byteOffset)
	}
	if !p.inBounds(byteOffset, 4) {
		return CodeObject{}, fmt.Errorf("pool: code object header at offset %d exceeds pool extent", byteOffset)
	}
	localCount := p.bytes[byteOffset]
	maxStack := p.bytes[byteOffset+1]
	codeLen := binary.LittleEndian.Uint16(p.bytes[byteOffset+2 : byteOffset+4])
	start := byteOffset + 4
	end := start + uint64(codeLen)
	if !p.inBounds(start, uint64(codeLen)) {
		return CodeObject{}, fmt.Errorf("pool: code object body at offset %d (len %d) exceeds pool extent", start, codeLen)
	}
	return CodeObject{
		LocalCount: localCount,
		MaxStack:   maxStack,
		CodeStart:  start,
		CodeEnd:    end,
	}, nil
}

// CodeByte reads a single bytecode byte at an absolute pool offset,
// used by the decoder while stepping through a code object's body.
func (p *Pool) CodeByte(byteOffset uint64) (byte, error) {
	if !p.inBounds(byteOffset, 1) {
		return 0, fmt.Errorf("pool: code read at offset %d exceeds pool extent", byteOffset)
	}
	return p.bytes[byteOffset], nil
}

// FrozenSlotCount returns the slot count of a frozen slot-array object
// whose header starts at byteOffset: one word-aligned header word
// with the slot count in its low byte, followed by that many slot
// words, so every slot stays word-aligned.
func (p *Pool) FrozenSlotCount(byteOffset uint64) (int, error) {
	if byteOffset%uint64(word.Align) != 0 {
		return 0, fmt.Errorf("%w: frozen object header at offset %d", ErrUnaligned, byteOffset)
	}
	if !p.inBounds(byteOffset, 1) {
		return 0, fmt.Errorf("pool: frozen object header at offset %d exceeds pool extent", byteOffset)
	}
	n := int(p.bytes[byteOffset])
	if n < 1 || n > 64 {
		return 0, fmt.Errorf("pool: frozen object at offset %d has invalid slot count %d", byteOffset, n)
	}
	return n, nil
}

// FrozenSlot reads slot i (0-based) of the frozen slot-array object
// whose header starts at byteOffset.
func (p *Pool) FrozenSlot(byteOffset uint64, i int) (word.Word, error) {
	n, err := p.FrozenSlotCount(byteOffset)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("pool: frozen slot index %d out of range [0,%d)", i, n)
	}
	return p.ReadWord(byteOffset + uint64(word.Align) + uint64(i)*uint64(word.Align))
}
