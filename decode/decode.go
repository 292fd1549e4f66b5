package decode

import "fmt"

// Instruction is one fully-decoded bytecode instruction: its opcode,
// up to two immediates (interpreted per ImmKind, stored here as raw
// int64 — a zigzag immediate is already sign-decoded, a varint
// immediate fits unsigned values up to word width in its low bits),
// the PC at which it was decoded, and the PC of the next instruction.
type Instruction struct {
	Op     Opcode
	Imm    [2]int64
	NImm   int
	Addr   uint64 // byte offset of the opcode byte itself
	NextPC uint64 // byte offset immediately after this instruction
}

// ErrInvalidOpcode reports an opcode byte with no known immediate-
// count entry.
var ErrInvalidOpcode = fmt.Errorf("decode: invalid opcode")

// Decode reads one instruction from r starting at pc, an absolute pool
// byte offset: one opcode byte, then however many immediates that
// opcode declares, each varint or zigzag per its ImmKind. PC advances
// past all consumed bytes.
func Decode(r ByteReader, pc uint64) (Instruction, error) {
	opByte, err := r.CodeByte(pc)
	if err != nil {
		return Instruction{}, ErrInvalidCode
	}
	op := Opcode(opByte)
	n, ok := immCount[op]
	if !ok {
		return Instruction{}, ErrInvalidOpcode
	}
	inst := Instruction{Op: op, Addr: pc, NImm: n}
	offset := pc + 1
	kinds := immKinds[op]
	for i := 0; i < n; i++ {
		switch kinds[i] {
		case ImmVarint:
			v, next, err := readVarint(r, offset)
			if err != nil {
				return Instruction{}, err
			}
			inst.Imm[i] = int64(v)
			offset = next
		case ImmZigzag:
			v, next, err := readZigzag(r, offset)
			if err != nil {
				return Instruction{}, err
			}
			inst.Imm[i] = v
			offset = next
		default:
			return Instruction{}, ErrInvalidOpcode
		}
	}
	inst.NextPC = offset
	return inst, nil
}

// Skip decodes and discards the instruction at pc, returning the PC of
// the instruction after it. Used by IF's "skip the next instruction
// entirely" semantics.
func Skip(r ByteReader, pc uint64) (uint64, error) {
	inst, err := Decode(r, pc)
	if err != nil {
		return 0, err
	}
	return inst.NextPC, nil
}
