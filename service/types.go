// Package service provides a thread-safe session layer between a
// running micro-wibble VM and its front ends: the debugger TUI/GUI and
// the HTTP/WebSocket inspection API both talk to a Session rather than
// reaching into a *vm.VM directly, so they share one locking and
// serialization discipline.
package service

import (
	"github.com/wibblevm/microwibble/vm"
	"github.com/wibblevm/microwibble/word"
)

// FaultInfo is a JSON-serializable mirror of vm.Fault — front ends
// display this rather than reach into vm.Fault directly.
type FaultInfo struct {
	Kind   string              `json:"kind"`
	Reason string              `json:"reason"`
	Trace  []FrameSnapshotInfo `json:"trace"`
}

// FrameSnapshotInfo mirrors vm.FrameSnapshot.
type FrameSnapshotInfo struct {
	PC         uint64 `json:"pc"`
	LocalCount int    `json:"local_count"`
	StackDepth int    `json:"stack_depth"`
}

// RunOutcomeInfo is a JSON-serializable mirror of vm.RunResult.
type RunOutcomeInfo struct {
	Outcome string     `json:"outcome"`
	Values  []int64    `json:"values,omitempty"`
	Fault   *FaultInfo `json:"fault,omitempty"`
}

func outcomeName(o vm.Outcome) string {
	switch o {
	case vm.OutcomeHalted:
		return "halted"
	case vm.OutcomeCancelled:
		return "cancelled"
	case vm.OutcomeCpuExhausted:
		return "cpu_exhausted"
	case vm.OutcomeFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ToRunOutcomeInfo converts a vm.RunResult into its serializable form.
func ToRunOutcomeInfo(r vm.RunResult) RunOutcomeInfo {
	info := RunOutcomeInfo{Outcome: outcomeName(r.Outcome)}
	for _, v := range r.Values {
		info.Values = append(info.Values, word.AsInt(v))
	}
	if r.Fault != nil {
		info.Fault = toFaultInfo(r.Fault)
	}
	return info
}

func toFaultInfo(f *vm.Fault) *FaultInfo {
	out := &FaultInfo{Kind: f.Kind.String(), Reason: f.Reason}
	for _, fr := range f.Trace {
		out.Trace = append(out.Trace, FrameSnapshotInfo{PC: fr.PC, LocalCount: fr.LocalCount, StackDepth: fr.StackDepth})
	}
	return out
}

// GCStatsInfo mirrors gc.Stats for JSON responses.
type GCStatsInfo struct {
	Sweeps           uint64 `json:"sweeps"`
	ObjectsMarked    uint64 `json:"objects_marked"`
	ObjectsCollected uint64 `json:"objects_collected"`
	ObjectsLive      uint64 `json:"objects_live"`
	WordsLive        uint64 `json:"words_live"`
}

// HeapInfo summarizes current heap occupancy and allocator activity.
type HeapInfo struct {
	UsedWords        uint64 `json:"used_words"`
	SizeWords        uint64 `json:"size_words"`
	TotalAllocations uint64 `json:"total_allocations"`
	FreeListReuses   uint64 `json:"free_list_reuses"`
	HighWaterWords   uint64 `json:"high_water_words"`
}
