// Package gc implements micro-wibble's precise, stop-the-world mark-
// sweep collector.
//
// The collector never imports the frame/vm packages to avoid a cycle
// (vm is what drives gc); instead it asks its caller for roots through
// the narrow RootWalker interface, which vm.VM implements by walking
// globals, the frame chain, and any pinned native handles in that
// order.
package gc

import (
	"github.com/wibblevm/microwibble/heap"
	"github.com/wibblevm/microwibble/word"
)

// RootWalker yields every root word in a live VM, in root-set order.
// Pool references and plain integers are passed through visit just
// like heap references — the collector itself is responsible for
// telling them apart.
type RootWalker interface {
	WalkRoots(visit func(word.Word))
}

// Stats accumulates collector statistics across the lifetime of a
// Heap.
type Stats struct {
	Sweeps           uint64 `json:"sweeps"`
	ObjectsMarked    uint64 `json:"objects_marked"`    // cumulative, across all sweeps
	ObjectsCollected uint64 `json:"objects_collected"` // cumulative
	ObjectsLive      uint64 `json:"objects_live"`      // as of the most recent sweep
	WordsLive        uint64 `json:"words_live"`        // as of the most recent sweep
}

// Collector runs mark-sweep passes over a single Heap.
type Collector struct {
	stats Stats
}

// New creates a Collector with zeroed statistics.
func New() *Collector { return &Collector{} }

// Stats returns a snapshot of the collector's cumulative statistics.
func (c *Collector) Stats() Stats { return c.stats }

// Collect runs one full mark-sweep pass: mark every object reachable
// from roots, then reclaim everything unmarked. It is only ever called
// from the vm package's allocate-and-retry paths or a BREAK safepoint;
// the vm package enforces that invariant, not this one.
func (c *Collector) Collect(h *heap.Heap, roots RootWalker) {
	c.mark(h, roots)
	c.sweep(h)
	c.stats.Sweeps++
}

func (c *Collector) mark(h *heap.Heap, roots RootWalker) {
	size := h.SizeWords()
	// Real references only ever decode to a live header offset (the
	// allocator hands out nothing else), so any other in-range offset
	// is integer data. Screening against the header set keeps the mark
	// bit from being ORed into a payload slot mid-object.
	headers := make(map[uint64]struct{})
	h.Objects(func(obj heap.Object) {
		if !h.IsFree(obj) {
			headers[obj.Offset()] = struct{}{}
		}
	})
	var markOne func(w word.Word)
	markOne = func(w word.Word) {
		if word.IsPoolRef(w) {
			// Frozen pool objects may not reference the heap; never
			// traced.
			return
		}
		if !word.IsHeapRef(w, size) {
			return // plain integer, not a reference
		}
		off := word.AsHeapOffset(w)
		if _, ok := headers[off]; !ok {
			return
		}
		obj := heap.FromOffset(off)
		if h.IsMarked(obj) {
			return
		}
		h.SetMarked(obj, true)
		c.stats.ObjectsMarked++
		if h.IsByteArray(obj) {
			// Byte-array payload words are raw bytes; a chunk of
			// payload that happens to look like a heap address is not
			// a reference.
			return
		}
		n, err := h.SlotCount(obj)
		if err != nil {
			return // a malformed reference traces to nothing further
		}
		for i := 0; i < n; i++ {
			v, err := h.GetSlot(obj, i)
			if err != nil {
				continue
			}
			markOne(v)
		}
	}
	roots.WalkRoots(markOne)
}

func (c *Collector) sweep(h *heap.Heap) {
	var live, liveWords, collected uint64
	h.Objects(func(obj heap.Object) {
		if h.IsFree(obj) {
			return
		}
		if h.IsMarked(obj) {
			h.SetMarked(obj, false)
			live++
			if n, err := h.SlotCount(obj); err == nil {
				liveWords += uint64(n)
			}
			return
		}
		h.Free(obj)
		collected++
	})
	c.stats.ObjectsCollected += collected
	c.stats.ObjectsLive = live
	c.stats.WordsLive = liveWords
}
