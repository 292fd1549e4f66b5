package decode

// Opcode is a single bytecode instruction's opcode byte. The numeric
// byte assignments below are this implementation's own choice; see
// opcodes.md for the human-readable table this file encodes.
type Opcode byte

// Zero-immediate opcodes.
const (
	OpLDS Opcode = iota
	OpSTS
	OpIF
	OpNEW
	OpCALL
	OpSIZE
	OpRET
	OpNOP
	OpBREAK
)

// One-immediate opcodes.
const (
	OpLDLit Opcode = iota + 16 // LD #n — push n as a signed literal (zigzag)
	OpLDC                      // LDC n — push pool reference to offset n*align
	OpLDLocal                  // LD @n — push local n
	OpLDGlobal                 // LD $n — push global n
	OpLDSImm                   // LDS #n — pop r, push slot n of r
	OpSTLocal                  // ST @n — pop, store into local n
	OpSTGlobal                 // ST $n — pop, store into global n
	OpSTSImm                   // STS #n — pop v, pop r, store v into slot n of r
	OpUnary                    // UNARY #n — pop x, push unary-op(n, x)
	OpBinary                   // BIN #n — pop b, pop a, push binary-op(n, a, b)
	OpCallImm                  // CALL #n — pop callee, call with n args
	OpRetImm                   // RET #n — return n values
	OpJump                     // JUMP #n — set PC = n
)

// Two-immediate opcodes.
const (
	OpNewImm Opcode = iota + 32 // NEW #n1, #n2 — allocate n1 slots, fill first n2 from stack
	OpSys                       // SYS #n1, #n2 — invoke native module n1's function n2
)

// ImmKind says how an opcode's immediate operand(s) are encoded.
type ImmKind int

const (
	ImmNone ImmKind = iota
	ImmVarint
	ImmZigzag
)

// immCount and immKinds describe, per opcode, how many immediates
// follow the opcode byte and how each is encoded: immediates that
// address offsets are varint, immediates used as signed integer
// literals are zigzag.
var immCount = map[Opcode]int{
	OpLDS: 0, OpSTS: 0, OpIF: 0, OpNEW: 0, OpCALL: 0, OpSIZE: 0, OpRET: 0, OpNOP: 0, OpBREAK: 0,
	OpLDLit: 1, OpLDC: 1, OpLDLocal: 1, OpLDGlobal: 1, OpLDSImm: 1, OpSTLocal: 1, OpSTGlobal: 1,
	OpSTSImm: 1, OpUnary: 1, OpBinary: 1, OpCallImm: 1, OpRetImm: 1, OpJump: 1,
	OpNewImm: 2, OpSys: 2,
}

var immKinds = map[Opcode][2]ImmKind{
	OpLDLit:    {ImmZigzag, ImmNone},
	OpLDC:      {ImmVarint, ImmNone},
	OpLDLocal:  {ImmVarint, ImmNone},
	OpLDGlobal: {ImmVarint, ImmNone},
	OpLDSImm:   {ImmVarint, ImmNone},
	OpSTLocal:  {ImmVarint, ImmNone},
	OpSTGlobal: {ImmVarint, ImmNone},
	OpSTSImm:   {ImmVarint, ImmNone},
	OpUnary:    {ImmVarint, ImmNone},
	OpBinary:   {ImmVarint, ImmNone},
	OpCallImm:  {ImmVarint, ImmNone},
	OpRetImm:   {ImmVarint, ImmNone},
	OpJump:     {ImmVarint, ImmNone},
	OpNewImm:   {ImmVarint, ImmVarint},
	OpSys:      {ImmVarint, ImmVarint},
}

// Mnemonic returns a human-readable name for an opcode, used by the
// tools disassembler, the vm execution-trace report, and the vm's
// invalid-opcode fault reason.
func Mnemonic(op Opcode) string {
	if m, ok := mnemonics[op]; ok {
		return m
	}
	return "???"
}

var mnemonics = map[Opcode]string{
	OpLDS: "LDS", OpSTS: "STS", OpIF: "IF", OpNEW: "NEW", OpCALL: "CALL",
	OpSIZE: "SIZE", OpRET: "RET", OpNOP: "NOP", OpBREAK: "BREAK",
	OpLDLit: "LD#", OpLDC: "LDC", OpLDLocal: "LD@", OpLDGlobal: "LD$",
	OpLDSImm: "LDS#", OpSTLocal: "ST@", OpSTGlobal: "ST$", OpSTSImm: "STS#",
	OpUnary: "UNARY", OpBinary: "BIN", OpCallImm: "CALL#", OpRetImm: "RET#",
	OpJump: "JUMP", OpNewImm: "NEW", OpSys: "SYS",
}

// UnaryOp and BinaryOp name the operator indices of the unary/binary
// op tables.
type UnaryOp int

const (
	UnaryNot UnaryOp = iota
	UnaryNeg
	UnaryInv
)

type BinaryOp int

const (
	BinAdd BinaryOp = iota
	BinSub
	BinMul
	BinDiv
	BinMod
	BinEq
	BinLt
	BinLe
	BinOr
	BinAnd
	BinXor
	BinLsl
	BinLsr
	BinAsr
)
