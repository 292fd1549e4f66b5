package vm

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/wibblevm/microwibble/decode"
	"github.com/wibblevm/microwibble/frame"
	"github.com/wibblevm/microwibble/native"
	"github.com/wibblevm/microwibble/pool"
	"github.com/wibblevm/microwibble/word"
)

// Minimal hand-assembled bytecode helpers, mirroring pool_test.go's
// buildCodeObject but at the instruction level: these tests predate
// the asm package and exercise the interpreter directly against raw
// opcode bytes, the same way decode_test.go does for the decoder alone.

func op0(o decode.Opcode) []byte { return []byte{byte(o)} }

func op1v(o decode.Opcode, n uint64) []byte {
	return decode.AppendVarint([]byte{byte(o)}, n)
}

func op1z(o decode.Opcode, n int64) []byte {
	return decode.AppendZigzag([]byte{byte(o)}, n, uint(word.Width))
}

func op2v(o decode.Opcode, n1, n2 uint64) []byte {
	b := decode.AppendVarint([]byte{byte(o)}, n1)
	return decode.AppendVarint(b, n2)
}

func codeObject(localCount, maxStack uint8, code []byte) []byte {
	out := make([]byte, 4+len(code))
	out[0] = localCount
	out[1] = maxStack
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(code)))
	copy(out[4:], code)
	return out
}

func join(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func newTestVM(t *testing.T, globalCount int, mainLocals, mainMaxStack uint8, mainCode []byte, cfg Config) *VM {
	t.Helper()
	body := codeObject(mainLocals, mainMaxStack, mainCode)
	img := pool.Encode(globalCount, 0, body)
	if cfg.HeapSizeWords == 0 {
		cfg.HeapSizeWords = 4096
	}
	v, err := NewVM(img, cfg)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	return v
}

func mustHalt(t *testing.T, v *VM) []word.Word {
	t.Helper()
	res := v.Run(context.Background())
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Run() outcome = %v, fault = %v, want Halted", res.Outcome, res.Fault)
	}
	return res.Values
}

// LD #3; LD #4; BIN 0 (ADD); RET 1 -> [7].
func TestScenarioArithmetic(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 3),
		op1z(decode.OpLDLit, 4),
		op1v(decode.OpBinary, uint64(decode.BinAdd)),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	vals := mustHalt(t, v)
	if len(vals) != 1 || word.AsInt(vals[0]) != 7 {
		t.Fatalf("result = %v, want [7]", vals)
	}
}

// LD #42; LD #1; LD #1; NEW; LDS #0; RET 1 -> [42].
func TestScenarioAllocationAndSlotAccess(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 42),
		op1z(decode.OpLDLit, 1), // n_slots
		op1z(decode.OpLDLit, 1), // n_init
		op0(decode.OpNEW),
		op1v(decode.OpLDSImm, 0),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 8, code, Config{})
	vals := mustHalt(t, v)
	if len(vals) != 1 || word.AsInt(vals[0]) != 42 {
		t.Fatalf("result = %v, want [42]", vals)
	}
}

// Heap sized for two live objects, NEW 1000 times keeping
// only the latest; must complete with no OutOfMemory.
func TestScenarioGCUnderPressure(t *testing.T) {
	// Each object is 1 slot (2 words incl. header); size for 2 live
	// objects plus headroom so the allocator actually has room to bump
	// before the first collection, then must reuse freed space after.
	const iterations = 1000
	code := join(
		op1z(decode.OpLDLit, 0), // seed local 0 with a dummy ref-shaped zero
		op1v(decode.OpSTLocal, 0),
	)
	loopBody := join(
		op1z(decode.OpLDLit, 7),
		op1z(decode.OpLDLit, 1),
		op1z(decode.OpLDLit, 1),
		op0(decode.OpNEW),
		op1v(decode.OpSTLocal, 0), // drop previous ref, keep only the latest
	)
	for i := 0; i < iterations; i++ {
		code = append(code, loopBody...)
	}
	code = append(code, op1z(decode.OpLDLit, 0)...)
	code = append(code, op1v(decode.OpRetImm, 1)...)

	v := newTestVM(t, 0, 1, 8, code, Config{HeapSizeWords: 8})
	res := v.Run(context.Background())
	if res.Outcome != OutcomeHalted {
		t.Fatalf("Run() outcome = %v, fault = %v, want Halted (no OutOfMemory)", res.Outcome, res.Fault)
	}
}

// NEW a 2-slot object, then LDS #5 -> Faulted(SlotOutOfRange).
func TestScenarioBoundsCheck(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 2), // n_slots
		op1z(decode.OpLDLit, 0), // n_init
		op0(decode.OpNEW),
		op1v(decode.OpLDSImm, 5),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 8, code, Config{})
	res := v.Run(context.Background())
	if res.Outcome != OutcomeFaulted || res.Fault.Kind != SlotOutOfRange {
		t.Fatalf("Run() = %+v, want Faulted(SlotOutOfRange)", res)
	}
}

// F(local0): LD @0; LD @0; BIN 2 (MUL); RET 1.
// main: LD #6; LDC <F>; CALL #1; RET 1 -> [36].
func TestScenarioFunctionCall(t *testing.T) {
	fCode := join(
		op1v(decode.OpLDLocal, 0),
		op1v(decode.OpLDLocal, 0),
		op1v(decode.OpBinary, uint64(decode.BinMul)),
		op1v(decode.OpRetImm, 1),
	)
	fObj := codeObject(1, 4, fCode)

	// main's code sits right after its own header; F follows main's
	// body, word-aligned. Build the pool body directly so LDC's operand
	// (F's offset / align) is known before assembling main.
	mainCode := join(
		op1z(decode.OpLDLit, 6),
		op1v(decode.OpLDC, 0), // placeholder, fixed up below
		op1v(decode.OpCallImm, 1),
		op1v(decode.OpRetImm, 1),
	)
	mainObj := codeObject(0, 4, mainCode)
	align := uint64(word.Align)
	pad := (align - uint64(len(mainObj))%align) % align
	fOffset := uint64(len(mainObj)) + pad

	// Rebuild main now that fOffset (in align units) is known; LDC's
	// immediate is a pool-word index, not a byte offset.
	mainCode = join(
		op1z(decode.OpLDLit, 6),
		op1v(decode.OpLDC, fOffset/align),
		op1v(decode.OpCallImm, 1),
		op1v(decode.OpRetImm, 1),
	)
	mainObj = codeObject(0, 4, mainCode)
	pad = (align - uint64(len(mainObj))%align) % align
	body := join(mainObj, make([]byte, pad), fObj)

	img := pool.Encode(0, 0, body)
	v, err := NewVM(img, Config{HeapSizeWords: 64})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	vals := mustHalt(t, v)
	if len(vals) != 1 || word.AsInt(vals[0]) != 36 {
		t.Fatalf("result = %v, want [36]", vals)
	}
}

// An infinite loop JUMP 0 with instruction_budget=1000 suspends
// with CpuExhausted twice in a row across Run then Resume.
func TestScenarioCpuBudget(t *testing.T) {
	code := op1v(decode.OpJump, 0)
	v := newTestVM(t, 0, 0, 1, code, Config{InstructionBudget: 1000})

	res := v.Run(context.Background())
	if res.Outcome != OutcomeCpuExhausted {
		t.Fatalf("Run() outcome = %v, want CpuExhausted", res.Outcome)
	}
	res = v.Resume(context.Background())
	if res.Outcome != OutcomeCpuExhausted {
		t.Fatalf("Resume() outcome = %v, want CpuExhausted", res.Outcome)
	}
}

func TestCancellation(t *testing.T) {
	code := op1v(decode.OpJump, 0)
	v := newTestVM(t, 0, 0, 1, code, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := v.Run(ctx)
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("Run() outcome = %v, want Cancelled", res.Outcome)
	}
}

func TestCallNonFunctionFault(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 4), // even literal: bit 0 clear, not a pool ref
		op1v(decode.OpCallImm, 0),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	res := v.Run(context.Background())
	if res.Outcome != OutcomeFaulted || res.Fault.Kind != CallNonFunction {
		t.Fatalf("Run() = %+v, want Faulted(CallNonFunction)", res)
	}
}

func TestDivByZeroFault(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 1),
		op1z(decode.OpLDLit, 0),
		op1v(decode.OpBinary, uint64(decode.BinDiv)),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	res := v.Run(context.Background())
	if res.Outcome != OutcomeFaulted || res.Fault.Kind != DivByZero {
		t.Fatalf("Run() = %+v, want Faulted(DivByZero)", res)
	}
}

func TestMaxCallDepthFault(t *testing.T) {
	// F calls itself forever: LDC <F>; CALL #0; RET 0.
	fPlaceholderOffset := uint64(0) // patched below
	_ = fPlaceholderOffset

	align := uint64(word.Align)
	// Lay out: main (calls F), then F (calls itself).
	mainCode := func(fOffsetWords uint64) []byte {
		return join(
			op1v(decode.OpLDC, fOffsetWords),
			op1v(decode.OpCallImm, 0),
			op1v(decode.OpRetImm, 0),
		)
	}
	mainObj0 := codeObject(0, 4, mainCode(0))
	pad := (align - uint64(len(mainObj0))%align) % align
	fOffset := uint64(len(mainObj0)) + pad

	fCode := join(
		op1v(decode.OpLDC, fOffset/align),
		op1v(decode.OpCallImm, 0),
		op1v(decode.OpRetImm, 0),
	)
	fObj := codeObject(0, 4, fCode)

	mainObj := codeObject(0, 4, mainCode(fOffset/align))
	pad = (align - uint64(len(mainObj))%align) % align
	body := join(mainObj, make([]byte, pad), fObj)

	img := pool.Encode(0, 0, body)
	v, err := NewVM(img, Config{HeapSizeWords: 64, MaxCallDepth: 8})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	res := v.Run(context.Background())
	if res.Outcome != OutcomeFaulted || res.Fault.Kind != StackOverflow {
		t.Fatalf("Run() = %+v, want Faulted(StackOverflow)", res)
	}
}

func TestSysTrampoline(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 9),
		op2v(decode.OpSys, 0, 0),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	mod := v.Natives().AddModule("test")
	_, err := v.Natives().AddFunction(mod, native.Function{
		Name: "double", ArityIn: 1, ArityOut: 1,
		Handler: func(cap native.Capability, args []word.Word) ([]word.Word, error) {
			return []word.Word{word.FromInt(word.AsInt(args[0]) * 2)}, nil
		},
	})
	if err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	vals := mustHalt(t, v)
	if len(vals) != 1 || word.AsInt(vals[0]) != 18 {
		t.Fatalf("result = %v, want [18]", vals)
	}
}

func TestRegisterNativeAtExplicitIndices(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 5),
		op2v(decode.OpSys, 1, 2),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	err := v.RegisterNative(1, 2, native.Function{
		Name: "negate", ArityIn: 1, ArityOut: 1,
		Handler: func(cap native.Capability, args []word.Word) ([]word.Word, error) {
			return []word.Word{word.FromInt(-word.AsInt(args[0]))}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterNative: %v", err)
	}
	vals := mustHalt(t, v)
	if len(vals) != 1 || word.AsInt(vals[0]) != -5 {
		t.Fatalf("result = %v, want [-5]", vals)
	}
}

func TestSysUnregisteredIndexFaults(t *testing.T) {
	code := join(
		op2v(decode.OpSys, 0, 0),
		op1v(decode.OpRetImm, 0),
	)
	v := newTestVM(t, 0, 0, 2, code, Config{})
	res := v.Run(context.Background())
	if res.Outcome != OutcomeFaulted || res.Fault.Kind != BadNativeIndex {
		t.Fatalf("Run() = %+v, want Faulted(BadNativeIndex)", res)
	}
}

func TestGlobalsReadWrite(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 11),
		op1v(decode.OpSTGlobal, 0),
		op1v(decode.OpLDGlobal, 0),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 1, 0, 4, code, Config{})
	vals := mustHalt(t, v)
	if len(vals) != 1 || word.AsInt(vals[0]) != 11 {
		t.Fatalf("result = %v, want [11]", vals)
	}
}

// Byte arrays are SYS-only: bytecode-level slot access on one is a
// type violation, while the native capability's byte accessors work.
func TestByteArraySlotAccessIsTypeViolation(t *testing.T) {
	code := join(
		op2v(decode.OpSys, 0, 0), // push a byte-array ref
		op1v(decode.OpLDSImm, 0),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	mod := v.Natives().AddModule("bytes")
	_, err := v.Natives().AddFunction(mod, native.Function{
		Name: "new", ArityIn: 0, ArityOut: 1,
		Handler: func(cap native.Capability, args []word.Word) ([]word.Word, error) {
			ref, err := cap.AllocateBytes(8)
			if err != nil {
				return nil, err
			}
			if err := cap.SetByte(ref, 0, 0xAB); err != nil {
				return nil, err
			}
			b, err := cap.GetByte(ref, 0)
			if err != nil || b != 0xAB {
				t.Errorf("GetByte = %d, %v, want 0xAB", b, err)
			}
			if n, err := cap.ByteLen(ref); err != nil || n != 8 {
				t.Errorf("ByteLen = %d, %v, want 8", n, err)
			}
			return []word.Word{ref}, nil
		},
	})
	if err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	res := v.Run(context.Background())
	if res.Outcome != OutcomeFaulted || res.Fault.Kind != TypeViolation {
		t.Fatalf("Run() = %+v, want Faulted(TypeViolation)", res)
	}
}

func TestByteArraySizeIsTypeViolation(t *testing.T) {
	code := join(
		op2v(decode.OpSys, 0, 0),
		op0(decode.OpSIZE),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	mod := v.Natives().AddModule("bytes")
	if _, err := v.Natives().AddFunction(mod, native.Function{
		Name: "new", ArityIn: 0, ArityOut: 1,
		Handler: func(cap native.Capability, args []word.Word) ([]word.Word, error) {
			ref, err := cap.AllocateBytes(3)
			if err != nil {
				return nil, err
			}
			return []word.Word{ref}, nil
		},
	}); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	res := v.Run(context.Background())
	if res.Outcome != OutcomeFaulted || res.Fault.Kind != TypeViolation {
		t.Fatalf("Run() = %+v, want Faulted(TypeViolation)", res)
	}
}

func TestWriteToFrozenFault(t *testing.T) {
	// Store into the main code object itself: a pool reference is
	// frozen regardless of what it addresses.
	code := join(
		op1v(decode.OpLDC, 0),   // r: main's own code object
		op1z(decode.OpLDLit, 1), // v
		op1v(decode.OpSTSImm, 0),
		op1v(decode.OpRetImm, 0),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	res := v.Run(context.Background())
	if res.Outcome != OutcomeFaulted || res.Fault.Kind != WriteToFrozen {
		t.Fatalf("Run() = %+v, want Faulted(WriteToFrozen)", res)
	}
}

func TestBinaryOpTable(t *testing.T) {
	v := newTestVM(t, 0, 0, 1, op0(decode.OpNOP), Config{})

	cases := []struct {
		name string
		op   decode.BinaryOp
		a, b int64
		want int64
	}{
		{"add wraps", decode.BinAdd, 1<<31 - 1, 1, -(1 << 31)},
		{"sub", decode.BinSub, 3, 10, -7},
		{"mul", decode.BinMul, -4, 6, -24},
		{"div truncates toward zero", decode.BinDiv, -7, 2, -3},
		{"mod takes dividend sign", decode.BinMod, -7, 2, -1},
		{"div int_min by -1 wraps", decode.BinDiv, -(1 << 31), -1, -(1 << 31)},
		{"eq", decode.BinEq, 5, 5, 1},
		{"lt signed", decode.BinLt, -1, 0, 1},
		{"le signed", decode.BinLe, 7, 7, 1},
		{"or", decode.BinOr, 0x0F, 0xF0, 0xFF},
		{"and", decode.BinAnd, 0x0F, 0x03, 0x03},
		{"xor", decode.BinXor, 0x0F, 0x05, 0x0A},
		{"lsl count mod width", decode.BinLsl, 1, int64(word.Width) + 1, 2},
		{"lsr logical", decode.BinLsr, -1, int64(word.Width) - 1, 1},
		{"asr arithmetic", decode.BinAsr, -8, 1, -4},
	}
	if word.Width != 32 {
		// The wrap cases above are written against the 32-bit build.
		cases = cases[:0]
	}
	for _, c := range cases {
		got, fault := v.applyBinary(c.op, word.FromInt(c.a), word.FromInt(c.b))
		if fault != nil {
			t.Errorf("%s: fault %v", c.name, fault)
			continue
		}
		if word.AsInt(got) != c.want {
			t.Errorf("%s: %d op %d = %d, want %d", c.name, c.a, c.b, word.AsInt(got), c.want)
		}
	}
}

// a == (a/b)*b + (a%b) for every non-zero b in range.
func TestDivModIdentity(t *testing.T) {
	v := newTestVM(t, 0, 0, 1, op0(decode.OpNOP), Config{})
	values := []int64{-100, -17, -3, -1, 1, 2, 5, 99, 1<<31 - 1, -(1 << 31)}
	for _, a := range values {
		for _, b := range values {
			q, fault := v.applyBinary(decode.BinDiv, word.FromInt(a), word.FromInt(b))
			if fault != nil {
				t.Fatalf("DIV %d/%d: %v", a, b, fault)
			}
			r, fault := v.applyBinary(decode.BinMod, word.FromInt(a), word.FromInt(b))
			if fault != nil {
				t.Fatalf("MOD %d%%%d: %v", a, b, fault)
			}
			prod, _ := v.applyBinary(decode.BinMul, q, word.FromInt(b))
			sum, _ := v.applyBinary(decode.BinAdd, prod, r)
			if word.AsInt(sum) != word.AsInt(word.FromInt(a)) {
				t.Errorf("identity broken for %d, %d: (a/b)*b + a%%b = %d", a, b, word.AsInt(sum))
			}
		}
	}
}

func TestUnaryOpTable(t *testing.T) {
	v := newTestVM(t, 0, 0, 1, op0(decode.OpNOP), Config{})
	cases := []struct {
		op      decode.UnaryOp
		x, want int64
	}{
		{decode.UnaryNot, 0, 1},
		{decode.UnaryNot, 42, 0},
		{decode.UnaryNeg, 5, -5},
		{decode.UnaryNeg, -5, 5},
		{decode.UnaryInv, 0, -1},
		{decode.UnaryInv, -1, 0},
	}
	for _, c := range cases {
		got, fault := v.applyUnary(c.op, word.FromInt(c.x))
		if fault != nil {
			t.Fatalf("unary %d(%d): %v", c.op, c.x, fault)
		}
		if word.AsInt(got) != c.want {
			t.Errorf("unary %d(%d) = %d, want %d", c.op, c.x, word.AsInt(got), c.want)
		}
	}
}

func TestExecutionTraceRecordsWhenEnabled(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 3),
		op1z(decode.OpLDLit, 4),
		op1v(decode.OpBinary, uint64(decode.BinAdd)),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 4, code, Config{})
	v.Trace.Enabled = true
	mustHalt(t, v)

	if v.Trace.TotalInstructions != 4 {
		t.Errorf("TotalInstructions = %d, want 4", v.Trace.TotalInstructions)
	}
	if v.Trace.InstructionCounts[decode.OpLDLit] != 2 {
		t.Errorf("LD# count = %d, want 2", v.Trace.InstructionCounts[decode.OpLDLit])
	}
	top := v.Trace.Top(1)
	if len(top) != 1 || top[0].Count != 1 {
		t.Errorf("Top(1) = %v, want one entry with count 1", top)
	}

	var b strings.Builder
	v.Trace.Report(&b, 5)
	out := b.String()
	if !strings.Contains(out, "instructions executed: 4") || !strings.Contains(out, "LD#") {
		t.Errorf("unexpected report:\n%s", out)
	}
}

func TestExecutionTraceDisabledRecordsNothing(t *testing.T) {
	code := join(
		op1z(decode.OpLDLit, 1),
		op1v(decode.OpRetImm, 1),
	)
	v := newTestVM(t, 0, 0, 2, code, Config{})
	mustHalt(t, v)
	if v.Trace.TotalInstructions != 0 || len(v.Trace.HotPath) != 0 {
		t.Errorf("disabled trace recorded %d instructions", v.Trace.TotalInstructions)
	}
}

func TestCallTraceRecordsTransitions(t *testing.T) {
	fCode := join(
		op1v(decode.OpLDLocal, 0),
		op1v(decode.OpRetImm, 1),
	)
	fObj := codeObject(1, 2, fCode)

	align := uint64(word.Align)
	mainObj0 := codeObject(0, 4, join(
		op1z(decode.OpLDLit, 6),
		op1v(decode.OpLDC, 0),
		op1v(decode.OpCallImm, 1),
		op1v(decode.OpRetImm, 1),
	))
	pad := (align - uint64(len(mainObj0))%align) % align
	fOffset := uint64(len(mainObj0)) + pad
	mainObj := codeObject(0, 4, join(
		op1z(decode.OpLDLit, 6),
		op1v(decode.OpLDC, fOffset/align),
		op1v(decode.OpCallImm, 1),
		op1v(decode.OpRetImm, 1),
	))
	body := join(mainObj, make([]byte, pad), fObj)

	v, err := NewVM(pool.Encode(0, 0, body), Config{HeapSizeWords: 64})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	v.Calls.Enabled = true
	mustHalt(t, v)

	events := v.Calls.Events()
	if len(events) != 2 {
		t.Fatalf("recorded %d call events, want 2 (one call, one return)", len(events))
	}
	if events[0].Kind != frame.EventCall || events[0].ArgOrRet != 1 || events[0].Depth != 2 {
		t.Errorf("call event = %+v", events[0])
	}
	if events[1].Kind != frame.EventReturn || events[1].ArgOrRet != 1 || events[1].Depth != 1 {
		t.Errorf("return event = %+v", events[1])
	}
}
