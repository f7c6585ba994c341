// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"gcheap/internal/fault"
	"gcheap/internal/region"
	"gcheap/internal/work"
)

// A Mutator is one thread of the managed program. It owns a TLAB, a stack
// of handles that act as roots, and an SATB buffer.
//
// A Mutator must be used by one goroutine at a time. Between calls the
// owner must keep calling Poll, or park with Block, so collections can
// proceed.
type Mutator struct {
	h  *Heap
	id int32

	tlab    tlab
	handles []Addr
	satb    *work.SATBQueue

	// parked is guarded by the heap's safepoint lock.
	parked bool
	closed bool

	// TLAB sizing. allocated counts bytes allocated since the last
	// collection; share is the decaying fraction of all allocation done by
	// this mutator.
	desired   Bytes
	allocated Bytes
	share     float64

	refills    uint64
	waste      Bytes
	mallocs    uint64
	totalAlloc Bytes
}

// tlab is a thread-local allocation buffer [start, end) with bump pointer
// top.
type tlab struct {
	start, top, end Addr
	r               *region.Region
}

func (t *tlab) free() Bytes {
	return t.end.Minus(t.top)
}

// NewMutator registers a mutator with the heap. It waits if the world is
// stopped.
func (h *Heap) NewMutator() *Mutator {
	if h.closed.Load() {
		fault.Throw("gcheap: NewMutator on closed heap")
	}
	m := &Mutator{
		h:    h,
		id:   h.nextMutatorID.Add(1),
		satb: work.NewSATBQueue(h.satb),
	}
	m.share = 1 / float64(h.sp.numMutators()+1)
	m.desired = h.policy.DesiredTLAB(m.share)
	h.sp.register(m)
	return m
}

// Close retires the mutator's TLAB, flushes its SATB buffer and unregisters
// it. Its handles stop being roots.
func (m *Mutator) Close() {
	if m.closed {
		return
	}
	m.Poll()
	m.h.stats.mutatorExit(m)
	m.retireTLAB()
	m.satb.Flush()
	m.h.sp.unregister(m)
	m.closed = true
}

// ID returns a number identifying m within its heap.
func (m *Mutator) ID() int {
	return int(m.id)
}

// Heap returns the heap m allocates from.
func (m *Mutator) Heap() *Heap {
	return m.h
}

// Poll is a safepoint: if a collection is waiting for the world to stop,
// Poll parks until it is done.
func (m *Mutator) Poll() {
	m.h.sp.poll(m)
}

// Block parks m, for example before a blocking system call. A blocked
// mutator must not touch the heap until Unblock; its handles remain roots.
func (m *Mutator) Block() {
	m.h.sp.park(m)
}

// Unblock resumes a blocked mutator, waiting for any collection in
// progress.
func (m *Mutator) Unblock() {
	m.h.sp.unpark(m)
}

// Collect runs a collection of the given kind on behalf of m.
func (m *Mutator) Collect(kind Pause) error {
	m.Block()
	defer m.Unblock()
	return m.h.Collect(kind)
}

// Handles.
//
// The handle stack stands in for the mutator's thread stack: every handle
// is a root, and collections update handles when objects move.

// Push pushes a handle and returns its index.
func (m *Mutator) Push(obj Addr) int {
	if !obj.IsNil() {
		m.h.checkObject(obj)
	}
	m.handles = append(m.handles, obj)
	return len(m.handles) - 1
}

// Pop removes the top n handles.
func (m *Mutator) Pop(n int) {
	if n > len(m.handles) {
		fault.Throw("gcheap: handle stack underflow", "pop", n, "len", len(m.handles))
	}
	clear(m.handles[len(m.handles)-n:])
	m.handles = m.handles[:len(m.handles)-n]
}

// Handle returns the object held by handle i.
func (m *Mutator) Handle(i int) Addr {
	return m.handles[i]
}

// SetHandle replaces the object held by handle i.
func (m *Mutator) SetHandle(i int, obj Addr) {
	if !obj.IsNil() {
		m.h.checkObject(obj)
	}
	m.handles[i] = obj
}

// NumHandles returns the depth of the handle stack.
func (m *Mutator) NumHandles() int {
	return len(m.handles)
}

// iterateRoots visits each handle slot.
func (m *Mutator) iterateRoots(visit func(*Addr)) {
	for i := range m.handles {
		visit(&m.handles[i])
	}
}

// Object fields.

// Load returns reference field i of obj.
func (m *Mutator) Load(obj Addr, i int) Addr {
	return Addr(m.h.arena.Load(m.h.refSlot(obj, i)))
}

// Store sets reference field i of obj to val, executing the write
// barriers.
func (m *Mutator) Store(obj Addr, i int, val Addr) {
	h := m.h
	slot := h.refSlot(obj, i)
	if !val.IsNil() {
		h.checkObject(val)
	}
	h.preWriteBarrier(m, slot)
	h.arena.Store(slot, uint64(val))
	h.postWriteBarrier(slot, val)
}

// Word returns scalar field i of obj.
func (m *Mutator) Word(obj Addr, i int) uint64 {
	return m.h.arena.Load(m.h.scalarSlot(obj, i))
}

// SetWord sets scalar field i of obj.
func (m *Mutator) SetWord(obj Addr, i int, v uint64) {
	m.h.arena.Store(m.h.scalarSlot(obj, i), v)
}

// NumFields returns the number of fields of obj.
func (h *Heap) NumFields(obj Addr) int {
	return int(h.loadHeader(h.checkObject(obj)).words() - headerWords)
}

func (h *Heap) fieldSlot(obj Addr, i int) (Addr, *typeEntry) {
	hdr := h.loadHeader(h.checkObject(obj))
	if i < 0 || i >= int(hdr.words()-headerWords) {
		fault.Throw("gcheap: field index out of range", "obj", obj, "field", i, "header", hdr)
	}
	return fieldAddr(obj, i), h.types.lookup(hdr.typ())
}

func (te *typeEntry) ref(i int) bool {
	return te.AllRefs || i < len(te.isRef) && te.isRef[i]
}

// refSlot returns the address of field i of obj, which must be a
// reference field.
func (h *Heap) refSlot(obj Addr, i int) Addr {
	slot, te := h.fieldSlot(obj, i)
	if !te.ref(i) {
		fault.Throw("gcheap: reference access to scalar field", "obj", obj, "field", i, "type", te.Name)
	}
	return slot
}

func (h *Heap) scalarSlot(obj Addr, i int) Addr {
	slot, te := h.fieldSlot(obj, i)
	if te.ref(i) {
		fault.Throw("gcheap: scalar access to reference field", "obj", obj, "field", i, "type", te.Name)
	}
	return slot
}

// retireTLAB gives the unused tail of the TLAB back to its region if it is
// still the region's last allocation, and plugs it with a filler
// otherwise. Either way the tail is accounted once.
func (m *Mutator) retireTLAB() {
	t := &m.tlab
	if t.r == nil {
		return
	}
	if t.top < t.end && !t.r.Undo(t.top, t.end) {
		m.h.writeFiller(t.top, t.end)
		t.r.Starts.Add(t.r.WordIndex(t.top))
		m.waste += t.free()
	}
	*t = tlab{}
}

// TLABStats describes a mutator's TLAB use.
type TLABStats struct {
	Desired Bytes
	Refills uint64
	Waste   Bytes
	Mallocs uint64
}

// TLABStats returns m's TLAB statistics.
func (m *Mutator) TLABStats() TLABStats {
	return TLABStats{Desired: m.desired, Refills: m.refills, Waste: m.waste, Mallocs: m.mallocs}
}

// resizeTLAB recomputes the desired TLAB size after a collection, from the
// share of allocation m performed since the last one. The world is
// stopped.
func (m *Mutator) resizeTLAB(total Bytes) {
	const weight = 0.35
	if total > 0 {
		m.share = (1-weight)*m.share + weight*float64(m.allocated)/float64(total)
	}
	m.allocated = 0
	m.desired = m.h.policy.DesiredTLAB(m.share)
}
