package vm

import (
	"fmt"
	"io"

	"github.com/wibblevm/microwibble/decode"
)

// ExecutionTrace accumulates per-opcode and per-address execution
// counts — just what an interpreter loop over a flat bytecode stream
// needs, with no cycle-count or branch-prediction fields, since
// micro-wibble has neither.
//
// Disabled by default (Enabled == false): a production embedding can
// turn it on for profiling without recompiling, at the cost of one
// bool check per instruction.
type ExecutionTrace struct {
	Enabled           bool
	TotalInstructions uint64
	InstructionCounts map[decode.Opcode]uint64
	HotPath           map[uint64]uint64 // pool byte offset -> execution count
}

func newExecutionTrace() *ExecutionTrace {
	return &ExecutionTrace{
		InstructionCounts: make(map[decode.Opcode]uint64),
		HotPath:           make(map[uint64]uint64),
	}
}

func (t *ExecutionTrace) record(inst decode.Instruction) {
	if !t.Enabled {
		return
	}
	t.TotalInstructions++
	t.InstructionCounts[inst.Op]++
	t.HotPath[inst.Addr]++
}

// Top returns the n most frequently executed addresses, most frequent
// first. Used by Report and by cmd/mwvm's statistics output.
func (t *ExecutionTrace) Top(n int) []HotPathEntry {
	entries := make([]HotPathEntry, 0, len(t.HotPath))
	for addr, count := range t.HotPath {
		entries = append(entries, HotPathEntry{Addr: addr, Count: count})
	}
	// Simple insertion sort: profiling reports are read rarely and
	// HotPath is small relative to a microcontroller-sized program.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Count > entries[j-1].Count; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	if n > 0 && n < len(entries) {
		entries = entries[:n]
	}
	return entries
}

// HotPathEntry is one entry of an ExecutionTrace.Top report.
type HotPathEntry struct {
	Addr  uint64 `json:"addr"`
	Count uint64 `json:"count"`
}

// Report writes a human-readable profile to w: total instruction
// count, per-opcode counts (most frequent first), and the topN hottest
// addresses. cmd/mwvm writes this to the configured trace output file
// on exit when tracing is enabled.
func (t *ExecutionTrace) Report(w io.Writer, topN int) {
	fmt.Fprintf(w, "instructions executed: %d\n", t.TotalInstructions)

	type opCount struct {
		op    decode.Opcode
		count uint64
	}
	ops := make([]opCount, 0, len(t.InstructionCounts))
	for op, count := range t.InstructionCounts {
		ops = append(ops, opCount{op: op, count: count})
	}
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && ops[j].count > ops[j-1].count; j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
	for _, oc := range ops {
		fmt.Fprintf(w, "%8d  %s\n", oc.count, decode.Mnemonic(oc.op))
	}

	hot := t.Top(topN)
	if len(hot) > 0 {
		fmt.Fprintf(w, "hottest addresses:\n")
		for _, e := range hot {
			fmt.Fprintf(w, "%8d  offset %d\n", e.Count, e.Addr)
		}
	}
}
