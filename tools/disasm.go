// Package tools implements micro-wibble's offline bytecode tooling: a
// disassembler and a label/reference cross-reference, both working
// from decoded micro-wibble instructions rather than raw bytes.
package tools

import (
	"fmt"
	"strings"

	"github.com/wibblevm/microwibble/decode"
	"github.com/wibblevm/microwibble/pool"
)

// DisasmOptions controls the disassembler's output formatting: the
// handful of knobs a flat bytecode listing actually needs.
type DisasmOptions struct {
	ShowAddr  bool // prefix each line with its pool byte offset
	ShowBytes bool // not used by DisassembleCode directly; reserved for a future raw-byte dump
	Indent    string
}

// DefaultDisasmOptions returns reasonable defaults for a human reading
// a listing at a terminal.
func DefaultDisasmOptions() DisasmOptions {
	return DisasmOptions{ShowAddr: true, Indent: "    "}
}

// DisassembleCode renders every instruction in [start, end) of p as one
// line of text per instruction, in the textual form the asm package's
// assembler would accept back (mnemonic plus operands), annotated with
// its pool address when opts.ShowAddr is set.
func DisassembleCode(p *pool.Pool, start, end uint64, opts DisasmOptions) (string, error) {
	var b strings.Builder
	pc := start
	for pc < end {
		inst, err := decode.Decode(p, pc)
		if err != nil {
			return "", fmt.Errorf("tools: disassemble at offset %d: %w", pc, err)
		}
		if opts.ShowAddr {
			fmt.Fprintf(&b, "%6d:  ", inst.Addr)
		}
		b.WriteString(opts.Indent)
		b.WriteString(formatInstruction(inst))
		b.WriteByte('\n')
		pc = inst.NextPC
	}
	return b.String(), nil
}

// formatInstruction renders one decoded instruction as source-like
// text: the mnemonic, followed by its immediates, with the unary/
// binary operator table resolved to a symbolic name where applicable
// so the listing reads like the asm source that would have produced
// it.
func formatInstruction(inst decode.Instruction) string {
	mnem := decode.Mnemonic(inst.Op)
	switch inst.NImm {
	case 0:
		return mnem
	case 1:
		if inst.Op == decode.OpUnary {
			return fmt.Sprintf("%s %s", mnem, unaryOpName(decode.UnaryOp(inst.Imm[0])))
		}
		if inst.Op == decode.OpBinary {
			return fmt.Sprintf("%s %s", mnem, binaryOpName(decode.BinaryOp(inst.Imm[0])))
		}
		return fmt.Sprintf("%s %d", mnem, inst.Imm[0])
	case 2:
		return fmt.Sprintf("%s %d, %d", mnem, inst.Imm[0], inst.Imm[1])
	default:
		return mnem
	}
}

func unaryOpName(op decode.UnaryOp) string {
	switch op {
	case decode.UnaryNot:
		return "NOT"
	case decode.UnaryNeg:
		return "NEG"
	case decode.UnaryInv:
		return "INV"
	default:
		return fmt.Sprintf("?%d", int(op))
	}
}

func binaryOpName(op decode.BinaryOp) string {
	names := [...]string{"ADD", "SUB", "MUL", "DIV", "MOD", "EQ", "LT", "LE", "OR", "AND", "XOR", "LSL", "LSR", "ASR"}
	if int(op) >= 0 && int(op) < len(names) {
		return names[op]
	}
	return fmt.Sprintf("?%d", int(op))
}
