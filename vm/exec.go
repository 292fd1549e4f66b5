package vm

import (
	"github.com/wibblevm/microwibble/decode"
	"github.com/wibblevm/microwibble/frame"
	"github.com/wibblevm/microwibble/word"
)

// stackFault maps a frame package stack-discipline error to its
// ErrorKind.
func (v *VM) stackFault(err error) *Fault {
	switch err {
	case frame.ErrStackOverflow:
		return newFault(StackOverflow, v.frameTrace(), "%v", err)
	case frame.ErrStackUnderflow:
		return newFault(StackUnderflow, v.frameTrace(), "%v", err)
	default:
		return newFault(StackUnderflow, v.frameTrace(), "%v", err)
	}
}

// execute runs exactly one decoded instruction against the current
// frame, returning (halted, results, fault): halted+results is set
// only when the bottommost frame returns; fault is set
// on any of the non-recoverable conditions.
func (v *VM) execute(inst decode.Instruction) (bool, []word.Word, *Fault) {
	fr := v.top

	switch inst.Op {

	// --- zero-immediate ---

	case decode.OpLDS:
		i, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		r, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		slot, ferr := v.getSlot(r, int(word.AsInt(i)))
		if ferr != nil {
			return false, nil, ferr.(*Fault)
		}
		if err := fr.Push(slot); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpSTS:
		val, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		i, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		r, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		if ferr := v.setSlot(r, int(word.AsInt(i)), val); ferr != nil {
			return false, nil, ferr.(*Fault)
		}
		fr.PC = inst.NextPC

	case decode.OpIF:
		x, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		if word.AsInt(x) == 0 {
			next, derr := decode.Skip(v.codeReader(), inst.NextPC)
			if derr != nil {
				return false, nil, newFault(v.classifyDecodeError(derr), v.frameTrace(), "%v", derr)
			}
			fr.PC = next
		} else {
			fr.PC = inst.NextPC
		}

	case decode.OpNEW:
		nInit, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		nSlots, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		ref, ferr := v.doNew(fr, int(word.AsInt(nSlots)), int(word.AsInt(nInit)))
		if ferr != nil {
			return false, nil, ferr
		}
		if err := fr.Push(ref); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpCALL:
		argc, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		callee, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		if ferr := v.doCall(fr, inst.NextPC, callee, int(word.AsInt(argc))); ferr != nil {
			return false, nil, ferr
		}

	case decode.OpSIZE:
		r, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		n, ferr := v.slotCount(r)
		if ferr != nil {
			return false, nil, ferr.(*Fault)
		}
		if err := fr.Push(word.FromInt(int64(n))); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpRET:
		n, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		return v.doReturn(fr, int(word.AsInt(n)))

	case decode.OpNOP:
		fr.PC = inst.NextPC

	case decode.OpBREAK:
		v.gc.Collect(v.heap, v)
		fr.PC = inst.NextPC

	// --- one-immediate ---

	case decode.OpLDLit:
		if err := fr.Push(word.FromInt(inst.Imm[0])); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpLDC:
		ref := word.FromPoolOffset(uint64(inst.Imm[0])*uint64(word.Align), uint64(word.Align))
		if err := fr.Push(ref); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpLDLocal:
		val, err := fr.GetLocal(int(inst.Imm[0]))
		if err != nil {
			return false, nil, newFault(InvalidLocal, v.frameTrace(), "%v", err)
		}
		if err := fr.Push(val); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpLDGlobal:
		val, ferr := v.ReadGlobal(int(inst.Imm[0]))
		if ferr != nil {
			return false, nil, ferr.(*Fault)
		}
		if err := fr.Push(val); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpLDSImm:
		r, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		slot, ferr := v.getSlot(r, int(inst.Imm[0]))
		if ferr != nil {
			return false, nil, ferr.(*Fault)
		}
		if err := fr.Push(slot); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpSTLocal:
		val, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		if err := fr.SetLocal(int(inst.Imm[0]), val); err != nil {
			return false, nil, newFault(InvalidLocal, v.frameTrace(), "%v", err)
		}
		fr.PC = inst.NextPC

	case decode.OpSTGlobal:
		val, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		if ferr := v.WriteGlobal(int(inst.Imm[0]), val); ferr != nil {
			return false, nil, ferr.(*Fault)
		}
		fr.PC = inst.NextPC

	case decode.OpSTSImm:
		val, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		r, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		if ferr := v.setSlot(r, int(inst.Imm[0]), val); ferr != nil {
			return false, nil, ferr.(*Fault)
		}
		fr.PC = inst.NextPC

	case decode.OpUnary:
		x, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		result, ferr := v.applyUnary(decode.UnaryOp(inst.Imm[0]), x)
		if ferr != nil {
			return false, nil, ferr
		}
		if err := fr.Push(result); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpBinary:
		b, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		a, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		result, ferr := v.applyBinary(decode.BinaryOp(inst.Imm[0]), a, b)
		if ferr != nil {
			return false, nil, ferr
		}
		if err := fr.Push(result); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpCallImm:
		callee, err := fr.Pop()
		if err != nil {
			return false, nil, v.stackFault(err)
		}
		if ferr := v.doCall(fr, inst.NextPC, callee, int(inst.Imm[0])); ferr != nil {
			return false, nil, ferr
		}

	case decode.OpRetImm:
		return v.doReturn(fr, int(inst.Imm[0]))

	case decode.OpJump:
		target := fr.CodeStart + uint64(inst.Imm[0])
		if !fr.InBounds(target) {
			return false, nil, newFault(InvalidJump, v.frameTrace(), "jump target %d outside code object [%d,%d)", target, fr.CodeStart, fr.CodeEnd)
		}
		fr.PC = target

	// --- two-immediate ---

	case decode.OpNewImm:
		ref, ferr := v.doNew(fr, int(inst.Imm[0]), int(inst.Imm[1]))
		if ferr != nil {
			return false, nil, ferr
		}
		if err := fr.Push(ref); err != nil {
			return false, nil, v.stackFault(err)
		}
		fr.PC = inst.NextPC

	case decode.OpSys:
		if ferr := v.doSys(fr, int(inst.Imm[0]), int(inst.Imm[1])); ferr != nil {
			return false, nil, ferr
		}
		fr.PC = inst.NextPC

	default:
		return false, nil, newFault(InvalidOpcode, v.frameTrace(), "opcode %d (%s) has no execution handler", inst.Op, decode.Mnemonic(inst.Op))
	}

	return false, nil, nil
}

// doCall implements the CALL frame-transfer protocol for
// both the zero-immediate CALL (argc popped) and CALL #n (argc fixed
// by immediate) forms: resolve the callee code object, enforce
// max_call_depth, and push a new frame with locals[0..argc) = the argc
// values popped from the caller's stack in order.
func (v *VM) doCall(caller *frame.Frame, returnPC uint64, callee word.Word, argc int) *Fault {
	if !word.IsPoolRef(callee) {
		return newFault(CallNonFunction, v.frameTrace(), "call target %d is not a pool reference", callee)
	}
	off := word.AsPoolOffset(callee, uint64(word.Align))
	entry, err := v.pool.CodeObjectAt(off)
	if err != nil {
		return newFault(InvalidPoolRef, v.frameTrace(), "call target does not address a code object: %v", err)
	}
	if v.cfg.MaxCallDepth > 0 && v.depth+1 > v.cfg.MaxCallDepth {
		return newFault(StackOverflow, v.frameTrace(), "call depth %d exceeds max_call_depth %d", v.depth+1, v.cfg.MaxCallDepth)
	}
	if argc < 0 || argc > int(entry.LocalCount) {
		return newFault(InvalidLocal, v.frameTrace(), "call argc %d exceeds callee local_count %d", argc, entry.LocalCount)
	}
	args, serr := caller.PopN(argc)
	if serr != nil {
		return v.stackFault(serr)
	}

	caller.PC = returnPC
	newFrame := frame.New(callee, entry.LocalCount, entry.MaxStack, entry.CodeStart, entry.CodeEnd, caller, 0)
	for i, a := range args {
		_ = newFrame.SetLocal(i, a) // in range by the argc<=local_count check above
	}
	v.top = newFrame
	v.depth++
	v.Calls.RecordCall(returnPC, entry.CodeStart, v.depth, argc)
	return nil
}

// doReturn implements RET for both forms: pop n values from the
// returning frame, and either halt (bottom frame) or splice them onto
// the caller's stack in the same order.
func (v *VM) doReturn(fr *frame.Frame, n int) (bool, []word.Word, *Fault) {
	vals, serr := fr.PopN(n)
	if serr != nil {
		return false, nil, v.stackFault(serr)
	}
	if fr.Caller == nil {
		return true, vals, nil
	}
	caller := fr.Caller
	for _, val := range vals {
		if err := caller.Push(val); err != nil {
			return false, nil, v.stackFault(err)
		}
	}
	v.top = caller
	v.depth--
	v.Calls.RecordReturn(caller.PC, fr.CodeStart, v.depth, n)
	return false, nil, nil
}

// doSys implements the SYS trampoline: resolve the native
// function, pop exactly its declared arity_in arguments, invoke it
// with the VM as its capability handle, and push exactly its declared
// arity_out results.
func (v *VM) doSys(fr *frame.Frame, moduleIndex, functionIndex int) *Fault {
	fn, err := v.natives.Lookup(moduleIndex, functionIndex)
	if err != nil {
		return newFault(BadNativeIndex, v.frameTrace(), "%v", err)
	}
	args, serr := fr.PopN(fn.ArityIn)
	if serr != nil {
		return v.stackFault(serr)
	}
	results, herr := fn.Handler(v, args)
	if herr != nil {
		if f, ok := herr.(*Fault); ok {
			return f
		}
		return newFault(TypeViolation, v.frameTrace(), "native %q: %v", fn.Name, herr)
	}
	if len(results) != fn.ArityOut {
		return newFault(BadNativeArity, v.frameTrace(), "native %q returned %d results, want %d", fn.Name, len(results), fn.ArityOut)
	}
	for _, r := range results {
		if err := fr.Push(r); err != nil {
			return v.stackFault(err)
		}
	}
	return nil
}
