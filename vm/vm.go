// Package vm implements micro-wibble's interpreter loop: the
// dispatcher that ties word, pool, heap, gc, frame, decode, and native
// together, plus the host API, the resource/cancellation model, and
// the Fault taxonomy.
//
// The VM owns a Pool, a Heap, a GC Collector, a Native Registry, and a
// Frame chain, and steps one micro-wibble instruction at a time,
// checking for cancellation and instruction-budget exhaustion at each
// step boundary.
package vm

import (
	"context"

	"github.com/wibblevm/microwibble/decode"
	"github.com/wibblevm/microwibble/frame"
	"github.com/wibblevm/microwibble/gc"
	"github.com/wibblevm/microwibble/heap"
	"github.com/wibblevm/microwibble/native"
	"github.com/wibblevm/microwibble/pool"
	"github.com/wibblevm/microwibble/word"
)

// Config carries the resource caps, fixed at VM construction.
type Config struct {
	HeapSizeWords     uint64
	InstructionBudget uint64 // 0 means unbounded
	MaxCallDepth      int    // 0 means unbounded
}

// State is the VM's current execution state, surfaced to the host via
// RunResult and checked by Resume to reject a resume from a state that
// isn't suspended.
type State int

const (
	StateReady State = iota
	StateRunning
	StateHalted
	StateFaulted
	StateCancelled
	StateCpuExhausted
)

// Outcome mirrors the vm_run result shape:
// {Halted(values), Cancelled, CpuExhausted, Faulted(ErrorKind, frame_trace)}.
type Outcome int

const (
	OutcomeHalted Outcome = iota
	OutcomeCancelled
	OutcomeCpuExhausted
	OutcomeFaulted
)

// RunResult is what vm_run/vm_resume hands back to the host.
type RunResult struct {
	Outcome Outcome
	Values  []word.Word // set when Outcome == OutcomeHalted
	Fault   *Fault      // set when Outcome == OutcomeFaulted
}

// VM is one sandboxed micro-wibble instance. Multiple VMs may coexist
// in a host process; they share no mutable state.
type VM struct {
	pool      *pool.Pool
	heap      *heap.Heap
	gc        *gc.Collector
	natives   *native.Registry
	globals   []word.Word
	top       *frame.Frame
	depth     int
	cfg       Config
	state     State
	lastFault *Fault

	pins    map[native.PinHandle]word.Word
	nextPin native.PinHandle

	Trace *ExecutionTrace
	Calls *frame.Trace
}

// NewVM parses poolBytes as an image file and constructs a VM ready
// to run its entry point. Validation failures come back as a Fault of
// kind LoadError.
func NewVM(poolBytes []byte, cfg Config) (*VM, error) {
	p, err := pool.Load(poolBytes)
	if err != nil {
		return nil, newFault(LoadError, nil, "%v", err)
	}
	if cfg.HeapSizeWords == 0 {
		return nil, newFault(LoadError, nil, "config: heap_size_words must be positive")
	}
	v := &VM{
		pool:    p,
		heap:    heap.New(cfg.HeapSizeWords),
		gc:      gc.New(),
		natives: native.NewRegistry(),
		globals: make([]word.Word, p.GlobalCount()),
		cfg:     cfg,
		state:   StateReady,
		pins:    make(map[native.PinHandle]word.Word),
		Trace:   newExecutionTrace(),
		Calls:   frame.NewTrace(4096),
	}
	entry, err := p.CodeObjectAt(word.AsPoolOffset(p.MainRef(), uint64(word.Align)))
	if err != nil {
		return nil, newFault(LoadError, nil, "main code object: %v", err)
	}
	v.top = frame.New(p.MainRef(), entry.LocalCount, entry.MaxStack, entry.CodeStart, entry.CodeEnd, nil, 0)
	v.depth = 1
	return v, nil
}

// Natives exposes the registry so the host can register native
// modules before the first Run.
func (v *VM) Natives() *native.Registry { return v.natives }

// RegisterNative installs fn as module moduleIndex's function
// functionIndex, growing the registry as needed so the indices line
// up with whatever assignment the image's compiler emitted SYS
// operands against.
func (v *VM) RegisterNative(moduleIndex, functionIndex int, fn native.Function) error {
	return v.natives.Register(moduleIndex, functionIndex, fn)
}

// ReadGlobal and WriteGlobal implement the vm_read_global /
// vm_write_global host API.
func (v *VM) ReadGlobal(i int) (word.Word, error) {
	if i < 0 || i >= len(v.globals) {
		return 0, newFault(InvalidGlobal, v.frameTrace(), "global index %d out of range [0,%d)", i, len(v.globals))
	}
	return v.globals[i], nil
}

func (v *VM) WriteGlobal(i int, w word.Word) error {
	if i < 0 || i >= len(v.globals) {
		return newFault(InvalidGlobal, v.frameTrace(), "global index %d out of range [0,%d)", i, len(v.globals))
	}
	v.globals[i] = w
	return nil
}

// ReadLocal reads local i of the current (innermost) frame, for the
// debugger's expression evaluator; bytecode itself reaches locals only
// through LD @n / ST @n.
func (v *VM) ReadLocal(i int) (word.Word, error) {
	w, err := v.top.GetLocal(i)
	if err != nil {
		return 0, newFault(InvalidLocal, v.frameTrace(), "%v", err)
	}
	return w, nil
}

// State returns the VM's current State.
func (v *VM) State() State { return v.state }

// LastFault returns the Fault from the most recent Faulted outcome, or
// nil if the VM has never faulted. Used by the debugger/api packages
// to report a fault after the fact without threading RunResult around.
func (v *VM) LastFault() *Fault { return v.lastFault }

// GCStats returns the collector's cumulative statistics. A program's
// observable output never depends on these counters — only a host
// embedding wants them, for diagnostics.
func (v *VM) GCStats() gc.Stats { return v.gc.Stats() }

// HeapUsedWords and HeapSizeWords expose the allocator's current
// occupancy, for the same diagnostic purpose as GCStats.
func (v *VM) HeapUsedWords() uint64 { return v.heap.UsedWords() }
func (v *VM) HeapSizeWords() uint64 { return v.heap.SizeWords() }

// AllocStats returns the allocator's cumulative statistics (total
// allocations, free-list reuses, high-water mark).
func (v *VM) AllocStats() heap.Stats { return v.heap.Stats() }

// CallDepth returns the current frame-chain depth.
func (v *VM) CallDepth() int { return v.depth }

// Run starts (or re-enters a never-started) VM and executes until it
// halts, faults, is cancelled, or exhausts its instruction budget.
func (v *VM) Run(ctx context.Context) RunResult {
	return v.loop(ctx)
}

// Resume continues a VM previously suspended with Cancelled or
// CpuExhausted. All frame, stack, global, and heap state is preserved
// across the suspension, so the host may resume or discard the VM.
func (v *VM) Resume(ctx context.Context) RunResult {
	if v.state != StateCancelled && v.state != StateCpuExhausted {
		return RunResult{
			Outcome: OutcomeFaulted,
			Fault:   newFault(LoadError, nil, "resume: VM is not suspended (state=%v)", v.state),
		}
	}
	return v.loop(ctx)
}

// loop is the shared body of Run and Resume: decode, execute, update
// PC, checking cancellation and the instruction budget at each
// instruction boundary (the only suspension points outside
// allocate/SYS/BREAK).
func (v *VM) loop(ctx context.Context) RunResult {
	v.state = StateRunning
	var executedThisCall uint64

	for {
		select {
		case <-ctx.Done():
			v.state = StateCancelled
			return RunResult{Outcome: OutcomeCancelled}
		default:
		}

		if v.cfg.InstructionBudget > 0 && executedThisCall >= v.cfg.InstructionBudget {
			v.state = StateCpuExhausted
			return RunResult{Outcome: OutcomeCpuExhausted}
		}

		inst, err := decode.Decode(v.codeReader(), v.top.PC)
		if err != nil {
			return v.fault(v.classifyDecodeError(err), "%v", err)
		}

		halted, results, fault := v.execute(inst)
		executedThisCall++
		v.Trace.record(inst)

		if fault != nil {
			v.state = StateFaulted
			v.lastFault = fault
			return RunResult{Outcome: OutcomeFaulted, Fault: fault}
		}
		if halted {
			v.state = StateHalted
			return RunResult{Outcome: OutcomeHalted, Values: results}
		}
	}
}

// Step executes exactly one instruction and returns the same RunResult
// shape as Run/Resume, with a fourth boolean reporting whether the VM
// is still runnable afterward (true unless this step halted, faulted,
// or the VM was not in a runnable state to begin with). It does not
// consult ctx for cancellation or the instruction budget beyond
// classifying the VM faulted/halted/cancelled the same way loop does;
// those caps are enforced by Run/Resume, not by single-stepping from a
// debugger. Used by the debugger package's Step/StepOver/StepOut.
func (v *VM) Step() (RunResult, bool) {
	if v.state != StateReady && v.state != StateCancelled && v.state != StateCpuExhausted && v.state != StateRunning {
		return RunResult{Outcome: OutcomeFaulted, Fault: newFault(LoadError, nil, "step: VM is not runnable (state=%v)", v.state)}, false
	}
	v.state = StateRunning

	inst, err := decode.Decode(v.codeReader(), v.top.PC)
	if err != nil {
		r := v.fault(v.classifyDecodeError(err), "%v", err)
		return r, false
	}

	halted, results, fault := v.execute(inst)
	v.Trace.record(inst)

	if fault != nil {
		v.state = StateFaulted
		v.lastFault = fault
		return RunResult{Outcome: OutcomeFaulted, Fault: fault}, false
	}
	if halted {
		v.state = StateHalted
		return RunResult{Outcome: OutcomeHalted, Values: results}, false
	}
	v.state = StateCancelled
	return RunResult{Outcome: OutcomeCancelled}, true
}

// PC returns the current frame's program counter, for the debugger's
// breakpoint/disassembly display.
func (v *VM) PC() uint64 { return v.top.PC }

func (v *VM) classifyDecodeError(err error) ErrorKind {
	if err == decode.ErrInvalidOpcode {
		return InvalidOpcode
	}
	return InvalidCode
}

func (v *VM) fault(kind ErrorKind, format string, args ...any) RunResult {
	f := newFault(kind, v.frameTrace(), format, args...)
	v.state = StateFaulted
	v.lastFault = f
	return RunResult{Outcome: OutcomeFaulted, Fault: f}
}

// frameTrace captures the per-fault frame trace, one PC per frame,
// innermost first.
func (v *VM) frameTrace() []FrameSnapshot {
	var out []FrameSnapshot
	for fr := v.top; fr != nil; fr = fr.Caller {
		out = append(out, FrameSnapshot{PC: fr.PC, LocalCount: fr.LocalCount(), StackDepth: fr.Depth()})
	}
	return out
}

// codeReader adapts the pool as a decode.ByteReader. pool.CodeByte
// already bounds-checks against the whole pool extent; staying inside
// a given code object's own [CodeStart,CodeEnd) is the interpreter's
// job (JUMP's Frame.InBounds check), not the decoder's.
func (v *VM) codeReader() decode.ByteReader { return v.pool }

// WalkRoots implements gc.RootWalker in root-set order: globals, then
// every frame's locals and live operand-stack words from current to
// root, then pinned native handles.
func (v *VM) WalkRoots(visit func(word.Word)) {
	for _, g := range v.globals {
		visit(g)
	}
	for fr := v.top; fr != nil; fr = fr.Caller {
		for _, l := range fr.Locals {
			visit(l)
		}
		for _, s := range fr.StackWords() {
			visit(s)
		}
	}
	for _, w := range v.pins {
		visit(w)
	}
}

// collectAndRetry allocates, and on failure runs one collection and
// tries again; a second failure surfaces to the caller as OutOfMemory.
func (v *VM) collectAndRetry(nSlots int) (heap.Object, error) {
	obj, err := v.heap.Allocate(nSlots)
	if err == nil {
		return obj, nil
	}
	v.gc.Collect(v.heap, v)
	obj, err = v.heap.Allocate(nSlots)
	if err != nil {
		return heap.Object{}, err
	}
	return obj, nil
}
