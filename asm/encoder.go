package asm

import (
	"fmt"

	"github.com/wibblevm/microwibble/decode"
	"github.com/wibblevm/microwibble/pool"
	"github.com/wibblevm/microwibble/word"
)

// labelImmWidth is the fixed, padded varint byte width used for every
// label-dependent immediate (LDC's pool index, JUMP's local offset).
// Laying out a program requires knowing each instruction's encoded
// length before any label's resolved value is known; fixing the width
// up front (and padding a shorter varint out to it, which LEB128
// permits — a non-minimal encoding decodes to the same value) breaks
// that cycle without the fixed-point relaxation a production assembler
// would need. 4 bytes covers pool offsets up to 2^28, far past any
// fixture's size.
const labelImmWidth = 4

// unaryNames and binaryNames let UNARY/BIN operands be written as
// symbolic names (UNARY NOT) as well as raw op indices (UNARY 0).
var unaryNames = map[string]int64{"NOT": 0, "NEG": 1, "INV": 2}

var binaryNames = map[string]int64{
	"ADD": 0, "SUB": 1, "MUL": 2, "DIV": 3, "MOD": 4, "EQ": 5, "LT": 6,
	"LE": 7, "OR": 8, "AND": 9, "XOR": 10, "LSL": 11, "LSR": 12, "ASR": 13,
}

// Assemble lexes, parses, and encodes source into a pool.Load-
// compatible image: magic/version/global_count/entry offset, followed
// by the pool body.
func Assemble(source, filename string) ([]byte, error) {
	prog, errs := Parse(source, filename)
	if errs != nil {
		return nil, errs
	}
	return encodeProgram(prog)
}

type funcLayout struct {
	fn           *FuncDecl
	header       uint64 // absolute offset of the 4-byte code-object header
	bodyStart    uint64 // header + 4
	instrLen     []int  // per-instruction encoded length
	labelOffsets map[string]uint64
}

type dataLayout struct {
	dd     *DataDecl
	header uint64
}

func encodeProgram(prog *Program) ([]byte, error) {
	syms := newSymbolTable()
	var funcs []*funcLayout
	var datas []*dataLayout

	var pos uint64
	for _, fn := range prog.Funcs {
		if fn.Locals < 0 || fn.Locals > 255 || fn.Stack < 0 || fn.Stack > 255 {
			return nil, fmt.Errorf("%s: .func %q locals/stack must fit a byte (0-255)", fn.Pos, fn.Name)
		}
		fl := &funcLayout{fn: fn, header: pos, bodyStart: pos + 4, labelOffsets: make(map[string]uint64)}
		var bodyLen uint64
		for _, instr := range fn.Instrs {
			for _, l := range instr.Labels {
				if err := syms.defineLocal(fn.Name, l, bodyLen); err != nil {
					return nil, fmt.Errorf("%s: %v", instr.Pos, err)
				}
				fl.labelOffsets[l] = bodyLen
			}
			n, err := instrLength(instr)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", instr.Pos, err)
			}
			fl.instrLen = append(fl.instrLen, n)
			bodyLen += uint64(n)
		}
		if bodyLen > 0xFFFF {
			return nil, fmt.Errorf("function %q body (%d bytes) exceeds the 16-bit code_length field", fn.Name, bodyLen)
		}
		if err := syms.defineObject(fn.Name, fl.header); err != nil {
			return nil, fmt.Errorf("%s: %v", fn.Pos, err)
		}
		total := 4 + bodyLen
		pos += padToAlign(total)
		funcs = append(funcs, fl)
	}
	for _, dd := range prog.Data {
		if dd.Slots < 1 || dd.Slots > 64 {
			return nil, fmt.Errorf("%s: .data %q slot count %d out of range [1,64]", dd.Pos, dd.Name, dd.Slots)
		}
		dl := &dataLayout{dd: dd, header: pos}
		if err := syms.defineObject(dd.Name, dl.header); err != nil {
			return nil, fmt.Errorf("%s: %v", dd.Pos, err)
		}
		size := uint64(word.Align) * uint64(1+dd.Slots)
		pos += size
		datas = append(datas, dl)
	}

	mainHeader, ok := syms.lookupObject("main")
	if !ok {
		return nil, fmt.Errorf("no .func \"main\" defined: an image needs an entry point")
	}

	body := make([]byte, 0, pos)
	for _, fl := range funcs {
		bodyLen := 0
		for _, n := range fl.instrLen {
			bodyLen += n
		}
		header := make([]byte, 4)
		header[0] = byte(fl.fn.Locals)
		header[1] = byte(fl.fn.Stack)
		header[2] = byte(bodyLen)
		header[3] = byte(bodyLen >> 8)
		body = append(body, header...)
		for i, instr := range fl.fn.Instrs {
			enc, err := encodeInstr(fl.fn.Name, instr, syms)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", instr.Pos, err)
			}
			if len(enc) != fl.instrLen[i] {
				return nil, fmt.Errorf("%s: internal error: instruction length changed between layout (%d) and encode (%d)", instr.Pos, fl.instrLen[i], len(enc))
			}
			body = append(body, enc...)
		}
		body = padBytes(body)
	}
	for _, dl := range datas {
		header := make([]byte, word.Align)
		header[0] = byte(dl.dd.Slots)
		body = append(body, header...)
		for i := 0; i < dl.dd.Slots; i++ {
			var v int64
			if i < len(dl.dd.Init) {
				v = dl.dd.Init[i]
			}
			body = append(body, wordBytes(word.FromInt(v))...)
		}
	}

	return pool.Encode(prog.GlobalCount, mainHeader, body), nil
}

func padToAlign(n uint64) uint64 {
	a := uint64(word.Align)
	if rem := n % a; rem != 0 {
		n += a - rem
	}
	return n
}

func padBytes(b []byte) []byte {
	for uint64(len(b))%uint64(word.Align) != 0 {
		b = append(b, 0)
	}
	return b
}

func wordBytes(w word.Word) []byte {
	out := make([]byte, word.Align)
	v := uint64(w)
	for i := 0; i < word.Align; i++ {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// instrLength returns an instruction's encoded byte length, which is
// fixed independent of any label's eventual resolved value (see
// labelImmWidth).
func instrLength(instr *Instr) (int, error) {
	switch instr.Mnemonic {
	case "LDS", "STS", "IF", "NEW", "CALL", "SIZE", "RET", "NOP", "BREAK":
		return 1, nil
	case "LD#":
		return 1 + zigzagLen(instr.Operands[0].Num), nil
	case "LD@", "LD$", "LDS#", "ST@", "ST$", "STS#", "CALL#", "RET#":
		return 1 + varintLen(uint64(instr.Operands[0].Num)), nil
	case "LDC", "JUMP":
		return 1 + labelImmWidth, nil
	case "UNARY":
		op, err := resolveNamedOrNumber(instr.Operands[0], unaryNames)
		if err != nil {
			return 0, err
		}
		return 1 + varintLen(uint64(op)), nil
	case "BIN":
		op, err := resolveNamedOrNumber(instr.Operands[0], binaryNames)
		if err != nil {
			return 0, err
		}
		return 1 + varintLen(uint64(op)), nil
	case "NEWIMM":
		return 1 + varintLen(uint64(instr.Operands[0].Num)) + varintLen(uint64(instr.Operands[1].Num)), nil
	case "SYS":
		return 1 + varintLen(uint64(instr.Operands[0].Num)) + varintLen(uint64(instr.Operands[1].Num)), nil
	default:
		return 0, fmt.Errorf("unhandled mnemonic %q", instr.Mnemonic)
	}
}

func resolveNamedOrNumber(op Operand, names map[string]int64) (int64, error) {
	if op.Kind == OperIdent {
		n, ok := names[op.Name]
		if !ok {
			return 0, fmt.Errorf("unknown op name %q", op.Name)
		}
		return n, nil
	}
	return op.Num, nil
}

func varintLen(v uint64) int { return len(decode.AppendVarint(nil, v)) }
func zigzagLen(n int64) int  { return len(decode.AppendZigzag(nil, n, uint(word.Width))) }

// encodeInstr emits one instruction's bytes: opcode byte then its
// immediates, resolving LDC/JUMP operand names against syms.
func encodeInstr(funcName string, instr *Instr, syms *SymbolTable) ([]byte, error) {
	op, ok := mnemonicOpcodes[instr.Mnemonic]
	if !ok {
		return nil, fmt.Errorf("unhandled mnemonic %q", instr.Mnemonic)
	}
	buf := []byte{byte(op)}
	switch instr.Mnemonic {
	case "LDS", "STS", "IF", "NEW", "CALL", "SIZE", "RET", "NOP", "BREAK":
		return buf, nil
	case "LD#":
		return decode.AppendZigzag(buf, instr.Operands[0].Num, uint(word.Width)), nil
	case "LD@", "LD$", "LDS#", "ST@", "ST$", "STS#", "CALL#", "RET#":
		return decode.AppendVarint(buf, uint64(instr.Operands[0].Num)), nil
	case "UNARY":
		n, err := resolveNamedOrNumber(instr.Operands[0], unaryNames)
		if err != nil {
			return nil, err
		}
		return decode.AppendVarint(buf, uint64(n)), nil
	case "BIN":
		n, err := resolveNamedOrNumber(instr.Operands[0], binaryNames)
		if err != nil {
			return nil, err
		}
		return decode.AppendVarint(buf, uint64(n)), nil
	case "NEWIMM":
		buf = decode.AppendVarint(buf, uint64(instr.Operands[0].Num))
		return decode.AppendVarint(buf, uint64(instr.Operands[1].Num)), nil
	case "SYS":
		buf = decode.AppendVarint(buf, uint64(instr.Operands[0].Num))
		return decode.AppendVarint(buf, uint64(instr.Operands[1].Num)), nil
	case "LDC":
		val, err := resolveObjectIndex(instr.Operands[0], syms)
		if err != nil {
			return nil, err
		}
		return padVarint(buf, val, labelImmWidth)
	case "JUMP":
		val, err := resolveLocalOffset(funcName, instr.Operands[0], syms)
		if err != nil {
			return nil, err
		}
		return padVarint(buf, val, labelImmWidth)
	default:
		return nil, fmt.Errorf("unhandled mnemonic %q", instr.Mnemonic)
	}
}

// resolveObjectIndex turns an LDC operand (an object name, or a raw
// pool-aligned index) into the varint LDC itself expects.
func resolveObjectIndex(op Operand, syms *SymbolTable) (uint64, error) {
	if op.Kind == OperNumber {
		return uint64(op.Num), nil
	}
	header, ok := syms.lookupObject(op.Name)
	if !ok {
		return 0, fmt.Errorf("undefined object %q", op.Name)
	}
	if header%uint64(word.Align) != 0 {
		return 0, fmt.Errorf("object %q at misaligned offset %d", op.Name, header)
	}
	return header / uint64(word.Align), nil
}

// resolveLocalOffset turns a JUMP operand (a local label, or a raw
// byte offset) into the function-relative byte offset JUMP expects.
func resolveLocalOffset(funcName string, op Operand, syms *SymbolTable) (uint64, error) {
	if op.Kind == OperNumber {
		return uint64(op.Num), nil
	}
	off, ok := syms.lookupLocal(funcName, op.Name)
	if !ok {
		return 0, fmt.Errorf("undefined label %q in %q", op.Name, funcName)
	}
	return off, nil
}

// padVarint encodes v as an unsigned LEB128 varint padded out to
// exactly width bytes (see labelImmWidth).
func padVarint(buf []byte, v uint64, width int) ([]byte, error) {
	raw := decode.AppendVarint(nil, v)
	if len(raw) > width {
		return nil, fmt.Errorf("value %d needs more than %d varint bytes", v, width)
	}
	buf = append(buf, raw[:len(raw)-1]...)
	last := raw[len(raw)-1]
	pad := width - len(raw)
	if pad == 0 {
		buf = append(buf, last)
		return buf, nil
	}
	buf = append(buf, last|0x80)
	for i := 0; i < pad-1; i++ {
		buf = append(buf, 0x80)
	}
	buf = append(buf, 0x00)
	return buf, nil
}

// mnemonicOpcodes maps a resolved mnemonic string back to its Opcode.
var mnemonicOpcodes = map[string]decode.Opcode{
	"LDS": decode.OpLDS, "STS": decode.OpSTS, "IF": decode.OpIF, "NEW": decode.OpNEW,
	"CALL": decode.OpCALL, "SIZE": decode.OpSIZE, "RET": decode.OpRET, "NOP": decode.OpNOP,
	"BREAK": decode.OpBREAK,
	"LD#":   decode.OpLDLit, "LDC": decode.OpLDC, "LD@": decode.OpLDLocal, "LD$": decode.OpLDGlobal,
	"LDS#": decode.OpLDSImm, "ST@": decode.OpSTLocal, "ST$": decode.OpSTGlobal, "STS#": decode.OpSTSImm,
	"UNARY": decode.OpUnary, "BIN": decode.OpBinary, "CALL#": decode.OpCallImm, "RET#": decode.OpRetImm,
	"JUMP": decode.OpJump, "NEWIMM": decode.OpNewImm, "SYS": decode.OpSys,
}
