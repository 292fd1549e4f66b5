// Package heap implements micro-wibble's bump allocator and bounds-
// checked slot access over a fixed-size arena of slot-words.
//
// The arena layout — one contiguous []word.Word carved into objects,
// each addressed by an offset checked against the live extent — is a
// single segment of slot-words rather than bytes, since heap objects
// are only ever word-addressed.
package heap

import (
	"fmt"

	"github.com/wibblevm/microwibble/word"
)

// MaxSlots is the largest slot count a single object may declare: the
// header packs slot count into 7 bits alongside the mark and free
// bits.
const MaxSlots = 64

// headerWords is the number of slot-words of bookkeeping ahead of an
// object's own slots: one word holding slot count, mark bit, free bit,
// and byte-array bit. There is no frozen flag: heap objects are never
// frozen, only pool-resident ones are.
const headerWords = 1

const (
	slotCountMask = 0x7F // bits 0-6
	markBit       = 1 << 7
	freeBit       = 1 << 8
	byteArrayBit  = 1 << 9
)

// Object is a handle to a heap-resident object: its header offset
// within the arena. Object values are only meaningful relative to the
// Heap that produced them.
type Object struct {
	offset uint64 // offset, in words, of the header word
}

// Offset returns the object's header offset in words, for encoding as
// a tagged heap reference (word.FromHeapAddr).
func (o Object) Offset() uint64 { return o.offset }

// FromOffset reconstructs an Object handle from a header offset
// decoded out of a tagged heap reference (word.AsHeapOffset).
func FromOffset(offset uint64) Object { return Object{offset: offset} }

// Heap is a fixed-size arena of slot-words, bump-allocated and
// reclaimed only by a collector (package gc) calling Free.
//
// Reclaimed objects are not compacted out of the arena; instead their
// offsets are threaded onto a per-size free list (freeList[n]), the
// same size-class idea the Go runtime's mcentral/msize machinery uses
// to hand out same-sized spans cheaply. Allocate consults the free
// list for an exact-size match before falling back to the bump
// pointer, so a program that allocates and drops same-shaped objects
// in a loop runs in bounded heap space once GC has run at least once.
type Heap struct {
	arena    []word.Word
	next     uint64 // bump pointer, in words, to the first free word
	freeList [MaxSlots + 1][]uint64
	stats    Stats
}

// Stats accumulates allocator statistics across the lifetime of a
// Heap, for host diagnostics; nothing a guest program can observe
// depends on them.
type Stats struct {
	TotalAllocations uint64 `json:"total_allocations"`
	TotalWords       uint64 `json:"total_words"` // cumulative, headers included
	FreeListReuses   uint64 `json:"free_list_reuses"`
	HighWaterWords   uint64 `json:"high_water_words"` // peak bump-pointer position
}

// New creates a Heap with capacity for sizeWords slot-words of backing
// storage (including per-object headers).
func New(sizeWords uint64) *Heap {
	return &Heap{arena: make([]word.Word, sizeWords)}
}

// SizeWords returns the heap's total capacity in words.
func (h *Heap) SizeWords() uint64 { return uint64(len(h.arena)) }

// UsedWords returns the bump-pointer position in words: live objects,
// garbage not yet swept, and free-listed objects all count.
func (h *Heap) UsedWords() uint64 { return h.next }

// Stats returns a snapshot of the allocator's cumulative statistics.
func (h *Heap) Stats() Stats { return h.stats }

// ErrOutOfMemory is returned by Allocate when the arena has no room for
// the requested object, even after the caller's retry-after-GC policy.
// The interpreter, not this package, is responsible for triggering a
// GC and retrying once.
var ErrOutOfMemory = fmt.Errorf("heap: out of memory")

// Allocate bump-allocates a fresh object of nSlots slots, all
// initialized to integer zero, and returns its handle. It does not
// trigger GC itself — that retry policy belongs to the allocator's
// caller (the interpreter's NEW and native Allocate paths), so that
// GC only ever runs at a safepoint the interpreter controls.
func (h *Heap) Allocate(nSlots int) (Object, error) {
	if nSlots < 1 || nSlots > MaxSlots {
		return Object{}, fmt.Errorf("heap: invalid slot count %d, must be in [1,%d]", nSlots, MaxSlots)
	}

	if list := h.freeList[nSlots]; len(list) > 0 {
		offset := list[len(list)-1]
		h.freeList[nSlots] = list[:len(list)-1]
		h.arena[offset] = word.Word(nSlots) // clears free+mark bits, resets size class
		for i := 0; i < nSlots; i++ {
			h.arena[offset+uint64(headerWords)+uint64(i)] = word.Zero
		}
		h.stats.TotalAllocations++
		h.stats.TotalWords += uint64(headerWords + nSlots)
		h.stats.FreeListReuses++
		return Object{offset: offset}, nil
	}

	need := uint64(headerWords + nSlots)
	if h.next+need > uint64(len(h.arena)) {
		return Object{}, ErrOutOfMemory
	}
	offset := h.next
	h.arena[offset] = word.Word(nSlots) // mark bit and free bit start clear
	for i := 0; i < nSlots; i++ {
		h.arena[offset+uint64(headerWords)+uint64(i)] = word.Zero
	}
	h.next += need
	h.stats.TotalAllocations++
	h.stats.TotalWords += need
	if h.next > h.stats.HighWaterWords {
		h.stats.HighWaterWords = h.next
	}
	return Object{offset: offset}, nil
}

// AllocateBytes allocates a byte-array object able to hold nBytes of
// payload. Its slot layout is the byte count in slot 0 followed by
// ceil(nBytes/word_bytes) data words, all zeroed. Byte-array payloads
// are opaque to bytecode: only native modules read or write them, and
// the collector never traces their payload words as references.
func (h *Heap) AllocateBytes(nBytes int) (Object, error) {
	if nBytes < 0 {
		return Object{}, fmt.Errorf("heap: negative byte count %d", nBytes)
	}
	wordBytes := int(word.Align)
	nSlots := 1 + (nBytes+wordBytes-1)/wordBytes
	obj, err := h.Allocate(nSlots)
	if err != nil {
		return Object{}, err
	}
	h.arena[obj.offset] |= byteArrayBit
	h.arena[obj.offset+uint64(headerWords)] = word.FromInt(int64(nBytes))
	return obj, nil
}

// IsByteArray reports whether obj is a byte-array object.
func (h *Heap) IsByteArray(obj Object) bool {
	return h.arena[obj.offset]&byteArrayBit != 0
}

// ByteLen returns the payload byte count of a byte-array object.
func (h *Heap) ByteLen(obj Object) (int, error) {
	if _, err := h.header(obj); err != nil {
		return 0, err
	}
	if !h.IsByteArray(obj) {
		return 0, fmt.Errorf("heap: object at offset %d is not a byte array", obj.offset)
	}
	return int(word.AsInt(h.arena[obj.offset+uint64(headerWords)])), nil
}

// GetByte reads payload byte i of a byte-array object.
func (h *Heap) GetByte(obj Object, i int) (byte, error) {
	n, err := h.ByteLen(obj)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("heap: byte index %d out of range [0,%d) at offset %d", i, n, obj.offset)
	}
	w, shift := h.byteLocation(obj, i)
	return byte(word.AsUint(h.arena[w]) >> shift), nil
}

// SetByte writes payload byte i of a byte-array object.
func (h *Heap) SetByte(obj Object, i int, b byte) error {
	n, err := h.ByteLen(obj)
	if err != nil {
		return err
	}
	if i < 0 || i >= n {
		return fmt.Errorf("heap: byte index %d out of range [0,%d) at offset %d", i, n, obj.offset)
	}
	w, shift := h.byteLocation(obj, i)
	v := word.AsUint(h.arena[w])
	v &^= uint64(0xFF) << shift
	v |= uint64(b) << shift
	h.arena[w] = word.Word(v)
	return nil
}

// byteLocation maps payload byte index i to its arena word offset and
// the bit shift of the byte within that word, little-endian within
// each data word. Data words start one slot past the byte-count slot.
func (h *Heap) byteLocation(obj Object, i int) (uint64, uint) {
	wordBytes := int(word.Align)
	slot := 1 + i/wordBytes
	shift := uint(i%wordBytes) * 8
	return obj.offset + uint64(headerWords) + uint64(slot), shift
}

// Free returns obj's slots to the free list for its size class. Only
// the gc package calls this, during the sweep phase, for objects it
// found unmarked; Free does not itself check liveness.
func (h *Heap) Free(obj Object) {
	n := int(h.arena[obj.offset] & slotCountMask)
	h.arena[obj.offset] = word.Word(n) | freeBit
	h.freeList[n] = append(h.freeList[n], obj.offset)
}

// IsFree reports whether obj currently sits on a free list (already
// reclaimed by a prior sweep). gc uses this to avoid double-freeing an
// object across sweeps when walking the raw arena.
func (h *Heap) IsFree(obj Object) bool {
	return h.arena[obj.offset]&freeBit != 0
}

// header returns the raw header word for obj, validating the header
// offset itself lies within the currently used extent.
func (h *Heap) header(obj Object) (word.Word, error) {
	if obj.offset >= h.next {
		return 0, fmt.Errorf("heap: invalid heap reference at offset %d", obj.offset)
	}
	return h.arena[obj.offset], nil
}

// SlotCount returns the slot count of obj.
func (h *Heap) SlotCount(obj Object) (int, error) {
	hdr, err := h.header(obj)
	if err != nil {
		return 0, err
	}
	return int(hdr & slotCountMask), nil
}

// GetSlot reads slot i of obj, bounds-checked against its slot count.
func (h *Heap) GetSlot(obj Object, i int) (word.Word, error) {
	n, err := h.SlotCount(obj)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("heap: slot index %d out of range [0,%d) at offset %d", i, n, obj.offset)
	}
	return h.arena[obj.offset+uint64(headerWords)+uint64(i)], nil
}

// SetSlot writes v to slot i of obj. Heap objects are never frozen
// (only pool-resident objects are, and those are never represented as
// heap.Object values), so there is no WriteToFrozen check here; that
// check belongs to the interpreter when it resolves a reference that
// might be a pool reference before calling into this package.
func (h *Heap) SetSlot(obj Object, i int, v word.Word) error {
	n, err := h.SlotCount(obj)
	if err != nil {
		return err
	}
	if i < 0 || i >= n {
		return fmt.Errorf("heap: slot index %d out of range [0,%d) at offset %d", i, n, obj.offset)
	}
	h.arena[obj.offset+uint64(headerWords)+uint64(i)] = v
	return nil
}

// IsMarked reports the GC mark bit of obj's header.
func (h *Heap) IsMarked(obj Object) bool {
	return h.arena[obj.offset]&markBit != 0
}

// SetMarked sets or clears the GC mark bit of obj's header.
func (h *Heap) SetMarked(obj Object, marked bool) {
	if marked {
		h.arena[obj.offset] |= markBit
	} else {
		h.arena[obj.offset] &^= markBit
	}
}

// Objects walks every object header currently between the arena start
// and the bump pointer (free-listed ones included), in arena order, calling visit(obj)
// for each. The gc package uses this to build the initial unmarked set
// before tracing roots, and to perform the sweep pass.
func (h *Heap) Objects(visit func(Object)) {
	off := uint64(0)
	for off < h.next {
		n := int(h.arena[off] & slotCountMask)
		visit(Object{offset: off})
		off += uint64(headerWords + n)
	}
}

// Compact is not implemented: this heap is non-compacting. Object
// offsets are therefore stable for the lifetime of the heap: Free only
// threads dead objects onto the free list for reuse, and Reset below
// clears the whole arena; neither shifts surviving objects.
func (h *Heap) Compact() {}

// Reset clears the entire arena, used only by tests that want a fresh
// heap without reallocating the backing array.
func (h *Heap) Reset() {
	h.next = 0
	for i := range h.arena {
		h.arena[i] = 0
	}
}
