package vm

import (
	"errors"

	"github.com/wibblevm/microwibble/frame"
	"github.com/wibblevm/microwibble/heap"
	"github.com/wibblevm/microwibble/native"
	"github.com/wibblevm/microwibble/pool"
	"github.com/wibblevm/microwibble/word"
)

// poolFault classifies a pool-read error: alignment faults get their
// own kind, everything else is an invalid pool reference.
func (v *VM) poolFault(err error) error {
	if errors.Is(err, pool.ErrUnaligned) {
		return newFault(UnalignedAccess, v.frameTrace(), "%v", err)
	}
	return newFault(InvalidPoolRef, v.frameTrace(), "%v", err)
}

// heapObject resolves ref to a heap object handle, rejecting byte
// arrays: byte-array payloads are only reachable through SYS, so every
// bytecode-level slot operation on one is a type violation.
func (v *VM) heapObject(ref word.Word) (heap.Object, error) {
	if !word.IsHeapRef(ref, v.heap.SizeWords()) {
		return heap.Object{}, newFault(InvalidHeapRef, v.frameTrace(), "word %d is not a valid heap or pool reference", ref)
	}
	obj := heap.FromOffset(word.AsHeapOffset(ref))
	if _, err := v.heap.SlotCount(obj); err != nil {
		return heap.Object{}, newFault(InvalidHeapRef, v.frameTrace(), "%v", err)
	}
	if v.heap.IsByteArray(obj) {
		return heap.Object{}, newFault(TypeViolation, v.frameTrace(), "byte-array object at offset %d may only be accessed via SYS", obj.Offset())
	}
	return obj, nil
}

// slotCount resolves ref to its slot count whether it names a frozen
// pool object or a heap object.
func (v *VM) slotCount(ref word.Word) (int, error) {
	if word.IsPoolRef(ref) {
		off := word.AsPoolOffset(ref, uint64(word.Align))
		n, err := v.pool.FrozenSlotCount(off)
		if err != nil {
			return 0, v.poolFault(err)
		}
		return n, nil
	}
	obj, err := v.heapObject(ref)
	if err != nil {
		return 0, err
	}
	n, err := v.heap.SlotCount(obj)
	if err != nil {
		return 0, newFault(InvalidHeapRef, v.frameTrace(), "%v", err)
	}
	return n, nil
}

// getSlot reads slot i of ref, range-checked against ref's own slot
// count.
func (v *VM) getSlot(ref word.Word, i int) (word.Word, error) {
	n, err := v.slotCount(ref)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= n {
		return 0, newFault(SlotOutOfRange, v.frameTrace(), "slot index %d out of range [0,%d)", i, n)
	}
	if word.IsPoolRef(ref) {
		off := word.AsPoolOffset(ref, uint64(word.Align))
		w, err := v.pool.FrozenSlot(off, i)
		if err != nil {
			return 0, v.poolFault(err)
		}
		return w, nil
	}
	obj := heap.FromOffset(word.AsHeapOffset(ref))
	w, err := v.heap.GetSlot(obj, i)
	if err != nil {
		return 0, newFault(InvalidHeapRef, v.frameTrace(), "%v", err)
	}
	return w, nil
}

// setSlot writes v's slot i, rejecting frozen (pool-resident) targets
// outright.
func (vm *VM) setSlot(ref word.Word, i int, val word.Word) error {
	if word.IsPoolRef(ref) {
		return newFault(WriteToFrozen, vm.frameTrace(), "store into frozen object")
	}
	n, err := vm.slotCount(ref)
	if err != nil {
		return err
	}
	if i < 0 || i >= n {
		return newFault(SlotOutOfRange, vm.frameTrace(), "slot index %d out of range [0,%d)", i, n)
	}
	obj := heap.FromOffset(word.AsHeapOffset(ref))
	if err := vm.heap.SetSlot(obj, i, val); err != nil {
		return newFault(InvalidHeapRef, vm.frameTrace(), "%v", err)
	}
	return nil
}

// doNew implements both NEW and NEW #n1,#n2: the
// n_init operands must still be on the operand stack when Allocate
// runs so a GC it triggers traces them as roots, and only popped once
// the object exists — popping them first and allocating second would
// make them briefly un-rooted.
func (v *VM) doNew(fr *frame.Frame, nSlots, nInit int) (word.Word, *Fault) {
	if nSlots < 1 || nSlots > heap.MaxSlots {
		return 0, newFault(InvalidCode, v.frameTrace(), "NEW: slot count %d out of range [1,%d]", nSlots, heap.MaxSlots)
	}
	if nInit < 0 || nInit > nSlots {
		return 0, newFault(InvalidCode, v.frameTrace(), "NEW: init count %d exceeds slot count %d", nInit, nSlots)
	}
	obj, err := v.collectAndRetry(nSlots)
	if err != nil {
		return 0, newFault(OutOfMemory, v.frameTrace(), "%v", err)
	}
	vals, serr := fr.PopN(nInit)
	if serr != nil {
		return 0, v.stackFault(serr)
	}
	for i, val := range vals {
		_ = v.heap.SetSlot(obj, i, val) // bounds already established by Allocate(nSlots)
	}
	return word.FromHeapAddr(obj.Offset()), nil
}

// Capability implementation (native.Capability): bounds-checked
// heap/pool access, allocation, byte-array accessors, and pin/unpin,
// without exposing frames or globals.

func (v *VM) SlotCount(ref word.Word) (int, error) { return v.slotCount(ref) }

func (v *VM) GetSlot(ref word.Word, i int) (word.Word, error) { return v.getSlot(ref, i) }

func (v *VM) SetSlot(ref word.Word, i int, val word.Word) error { return v.setSlot(ref, i, val) }

func (v *VM) Allocate(nSlots int, init []word.Word) (word.Word, error) {
	if nSlots < 1 || nSlots > heap.MaxSlots {
		return 0, newFault(InvalidCode, v.frameTrace(), "allocate: slot count %d out of range [1,%d]", nSlots, heap.MaxSlots)
	}
	if len(init) > nSlots {
		return 0, newFault(InvalidCode, v.frameTrace(), "allocate: init count %d exceeds slot count %d", len(init), nSlots)
	}
	obj, err := v.collectAndRetry(nSlots)
	if err != nil {
		return 0, newFault(OutOfMemory, v.frameTrace(), "%v", err)
	}
	for i, val := range init {
		_ = v.heap.SetSlot(obj, i, val)
	}
	return word.FromHeapAddr(obj.Offset()), nil
}

func (v *VM) AllocateBytes(nBytes int) (word.Word, error) {
	obj, err := v.heap.AllocateBytes(nBytes)
	if err == nil {
		return word.FromHeapAddr(obj.Offset()), nil
	}
	v.gc.Collect(v.heap, v)
	obj, err = v.heap.AllocateBytes(nBytes)
	if err != nil {
		return 0, newFault(OutOfMemory, v.frameTrace(), "%v", err)
	}
	return word.FromHeapAddr(obj.Offset()), nil
}

// byteArrayObject resolves ref to a heap byte-array object for the
// capability's byte-level accessors, the inverse of heapObject's
// rejection.
func (v *VM) byteArrayObject(ref word.Word) (heap.Object, error) {
	if !word.IsHeapRef(ref, v.heap.SizeWords()) {
		return heap.Object{}, newFault(InvalidHeapRef, v.frameTrace(), "word %d is not a valid heap reference", ref)
	}
	obj := heap.FromOffset(word.AsHeapOffset(ref))
	if _, err := v.heap.SlotCount(obj); err != nil {
		return heap.Object{}, newFault(InvalidHeapRef, v.frameTrace(), "%v", err)
	}
	if !v.heap.IsByteArray(obj) {
		return heap.Object{}, newFault(TypeViolation, v.frameTrace(), "object at offset %d is not a byte array", obj.Offset())
	}
	return obj, nil
}

func (v *VM) ByteLen(ref word.Word) (int, error) {
	obj, err := v.byteArrayObject(ref)
	if err != nil {
		return 0, err
	}
	n, herr := v.heap.ByteLen(obj)
	if herr != nil {
		return 0, newFault(InvalidHeapRef, v.frameTrace(), "%v", herr)
	}
	return n, nil
}

func (v *VM) GetByte(ref word.Word, i int) (byte, error) {
	obj, err := v.byteArrayObject(ref)
	if err != nil {
		return 0, err
	}
	b, herr := v.heap.GetByte(obj, i)
	if herr != nil {
		return 0, newFault(SlotOutOfRange, v.frameTrace(), "%v", herr)
	}
	return b, nil
}

func (v *VM) SetByte(ref word.Word, i int, b byte) error {
	obj, err := v.byteArrayObject(ref)
	if err != nil {
		return err
	}
	if herr := v.heap.SetByte(obj, i, b); herr != nil {
		return newFault(SlotOutOfRange, v.frameTrace(), "%v", herr)
	}
	return nil
}

func (v *VM) ReadPoolBytes(ref word.Word, n int) ([]byte, error) {
	if !word.IsPoolRef(ref) {
		return nil, newFault(InvalidPoolRef, v.frameTrace(), "ReadPoolBytes: %d is not a pool reference", ref)
	}
	off := word.AsPoolOffset(ref, uint64(word.Align))
	b, err := v.pool.ReadBytes(off, n)
	if err != nil {
		return nil, newFault(InvalidPoolRef, v.frameTrace(), "%v", err)
	}
	return b, nil
}

func (v *VM) Pin(ref word.Word) native.PinHandle {
	h := v.nextPin
	v.nextPin++
	v.pins[h] = ref
	return h
}

func (v *VM) Unpin(h native.PinHandle) {
	delete(v.pins, h)
}
