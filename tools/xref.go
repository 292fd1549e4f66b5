package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wibblevm/microwibble/decode"
	"github.com/wibblevm/microwibble/pool"
)

// ReferenceKind indicates how an address or index is referenced from a
// given instruction.
type ReferenceKind int

const (
	RefJumpTarget ReferenceKind = iota // JUMP's destination address
	RefGlobalLoad
	RefGlobalStore
	RefLocalLoad
	RefLocalStore
)

func (r ReferenceKind) String() string {
	switch r {
	case RefJumpTarget:
		return "jump"
	case RefGlobalLoad:
		return "global-load"
	case RefGlobalStore:
		return "global-store"
	case RefLocalLoad:
		return "local-load"
	case RefLocalStore:
		return "local-store"
	default:
		return "unknown"
	}
}

// Reference is one occurrence of a cross-referenced index: just an
// instruction address, since bytecode has no source line to quote.
type Reference struct {
	Kind ReferenceKind
	Addr uint64 // address of the referencing instruction
}

// Xref maps a referenced index (a jump target address, or a global/
// local slot index) to every instruction address that refers to it,
// keyed by bytecode's numeric-only namespace rather than by name.
type Xref struct {
	byKey     map[xrefKey][]Reference
	codeStart uint64
}

type xrefKey struct {
	kind  ReferenceKind
	index uint64
}

// BuildXref walks every instruction in [start, end) of p and records
// every jump target, global access, and local access it finds.
func BuildXref(p *pool.Pool, start, end uint64) (*Xref, error) {
	x := &Xref{byKey: make(map[xrefKey][]Reference), codeStart: start}
	pc := start
	for pc < end {
		inst, err := decode.Decode(p, pc)
		if err != nil {
			return nil, fmt.Errorf("tools: xref at offset %d: %w", pc, err)
		}
		x.record(inst)
		pc = inst.NextPC
	}
	return x, nil
}

func (x *Xref) record(inst decode.Instruction) {
	switch inst.Op {
	case decode.OpJump:
		// JUMP's immediate is relative to the code object's start;
		// normalize to the absolute pool address so targets line up
		// with the addresses a disassembly listing prints.
		x.add(RefJumpTarget, x.codeStart+uint64(inst.Imm[0]), inst.Addr)
	case decode.OpLDGlobal:
		x.add(RefGlobalLoad, uint64(inst.Imm[0]), inst.Addr)
	case decode.OpSTGlobal:
		x.add(RefGlobalStore, uint64(inst.Imm[0]), inst.Addr)
	case decode.OpLDLocal:
		x.add(RefLocalLoad, uint64(inst.Imm[0]), inst.Addr)
	case decode.OpSTLocal:
		x.add(RefLocalStore, uint64(inst.Imm[0]), inst.Addr)
	}
}

func (x *Xref) add(kind ReferenceKind, index, addr uint64) {
	k := xrefKey{kind: kind, index: index}
	x.byKey[k] = append(x.byKey[k], Reference{Kind: kind, Addr: addr})
}

// References returns every reference of the given kind to index, in
// ascending address order.
func (x *Xref) References(kind ReferenceKind, index uint64) []Reference {
	refs := x.byKey[xrefKey{kind: kind, index: index}]
	out := make([]Reference, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// JumpTargets returns the set of addresses targeted by at least one
// JUMP, sorted ascending — useful to a disassembler wanting to print
// label markers at basic-block leaders.
func (x *Xref) JumpTargets() []uint64 {
	seen := map[uint64]bool{}
	for k := range x.byKey {
		if k.kind == RefJumpTarget {
			seen[k.index] = true
		}
	}
	out := make([]uint64, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Report renders a human-readable summary of every cross-referenced
// index, grouped by kind.
func (x *Xref) Report() string {
	var b strings.Builder
	keys := make([]xrefKey, 0, len(x.byKey))
	for k := range x.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].index < keys[j].index
	})
	for _, k := range keys {
		refs := x.References(k.kind, k.index)
		addrs := make([]string, len(refs))
		for i, r := range refs {
			addrs[i] = fmt.Sprintf("%d", r.Addr)
		}
		fmt.Fprintf(&b, "%s %d: %s\n", k.kind, k.index, strings.Join(addrs, ", "))
	}
	return b.String()
}
