// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"gcheap/internal/fault"
	"gcheap/internal/mem"
)

// Object layout.
//
// An object is a header word followed by payload words. Field i of an
// object is payload word i, at obj + (i+1)*8.
//
// The header packs:
//
//	bits  0-31  object size in words, header included
//	bits 32-55  type id
//	bits 56-59  age, in collections survived
//	bit  63     forwarded; bits 0-62 then hold the forwarding address
//
// Filler objects (type 0) plug holes so that every region is a dense
// sequence of objects from bottom to top.
type header uint64

const (
	hdrSizeBits  = 32
	hdrTypeShift = 32
	hdrTypeBits  = 24
	hdrAgeShift  = 56
	hdrAgeBits   = 4
	hdrForwarded = 1 << 63

	maxAge       = 1<<hdrAgeBits - 1
	maxTypes     = 1 << hdrTypeBits
	maxObjWords  = 1<<hdrSizeBits - 1
	headerWords  = mem.Words(1)
	minObjectLen = mem.WordBytes
)

func makeHeader(size mem.Words, typ TypeID, age int) header {
	return header(uint64(size) | uint64(typ)<<hdrTypeShift | uint64(age)<<hdrAgeShift)
}

func forwardingHeader(to Addr) header {
	return header(uint64(to) | hdrForwarded)
}

func (h header) words() mem.Words {
	return mem.Words(h & (1<<hdrSizeBits - 1))
}

func (h header) size() Bytes {
	return h.words().Bytes()
}

func (h header) typ() TypeID {
	return TypeID(h >> hdrTypeShift & (1<<hdrTypeBits - 1))
}

func (h header) age() int {
	return int(h >> hdrAgeShift & (1<<hdrAgeBits - 1))
}

func (h header) withAge(age int) header {
	age = min(age, maxAge)
	return h&^(maxAge<<hdrAgeShift) | header(age)<<hdrAgeShift
}

func (h header) forwarded() bool {
	return h&hdrForwarded != 0
}

func (h header) forwardee() Addr {
	return Addr(h &^ hdrForwarded)
}

func (h header) String() string {
	if h.forwarded() {
		return fmt.Sprintf("forwarded(%s)", h.forwardee())
	}
	return fmt.Sprintf("{size=%d words type=%d age=%d}", h.words(), h.typ(), h.age())
}

// A TypeID identifies a registered object type.
type TypeID uint32

// Predefined types.
const (
	// TypeFiller is a dead object that plugs a hole.
	TypeFiller TypeID = iota
	// TypeRefArray objects hold only references.
	TypeRefArray
	// TypeBytes objects hold no references.
	TypeBytes

	numBuiltinTypes
)

// TypeInfo describes the reference fields of a type.
type TypeInfo struct {
	Name string
	// Refs lists the fields holding references. Objects of the type must
	// be large enough to hold every listed field.
	Refs []int
	// AllRefs marks every field as a reference, for arrays.
	AllRefs bool
}

type typeEntry struct {
	TypeInfo
	isRef   []bool
	minSize Bytes
}

func newTypeEntry(ti TypeInfo) *typeEntry {
	e := &typeEntry{TypeInfo: ti, minSize: minObjectLen}
	e.Refs = slices.Clone(ti.Refs)
	slices.Sort(e.Refs)
	e.Refs = slices.Compact(e.Refs)
	if n := len(e.Refs); n > 0 {
		e.isRef = make([]bool, e.Refs[n-1]+1)
		for _, f := range e.Refs {
			e.isRef[f] = true
		}
		e.minSize = mem.Words(e.Refs[n-1] + 2).Bytes()
	}
	return e
}

// typeTable is the type registry of one heap. Lookups happen on every scan
// and are lock-free: the table is replaced, never modified.
type typeTable struct {
	mu    sync.Mutex
	types []*typeEntry // copy-on-write
	snap  atomic.Pointer[[]*typeEntry]
}

func (t *typeTable) init() {
	builtin := []*typeEntry{
		TypeFiller:   newTypeEntry(TypeInfo{Name: "filler"}),
		TypeRefArray: newTypeEntry(TypeInfo{Name: "[]ref", AllRefs: true}),
		TypeBytes:    newTypeEntry(TypeInfo{Name: "[]byte"}),
	}
	t.types = builtin
	t.snap.Store(&builtin)
}

func (t *typeTable) register(ti TypeInfo) (TypeID, error) {
	for _, f := range ti.Refs {
		if f < 0 || f >= maxObjWords-1 {
			return 0, fmt.Errorf("gcheap: type %q: reference field %d out of range", ti.Name, f)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.types) >= maxTypes {
		return 0, fmt.Errorf("gcheap: type %q: too many types", ti.Name)
	}
	next := append(slices.Clip(t.types), newTypeEntry(ti))
	t.types = next
	t.snap.Store(&next)
	return TypeID(len(next) - 1), nil
}

func (t *typeTable) lookup(id TypeID) *typeEntry {
	types := *t.snap.Load()
	if int(id) >= len(types) {
		fault.Throw("gcheap: unknown type", "type", id)
	}
	return types[id]
}

func (t *typeTable) valid(id TypeID) bool {
	return int(id) < len(*t.snap.Load())
}

// RegisterType adds a type to the heap and returns its id.
func (h *Heap) RegisterType(ti TypeInfo) (TypeID, error) {
	return h.types.register(ti)
}

// TypeInfo returns the description of a registered type.
func (h *Heap) TypeInfo(id TypeID) (TypeInfo, bool) {
	if !h.types.valid(id) {
		return TypeInfo{}, false
	}
	e := h.types.lookup(id)
	return TypeInfo{Name: e.Name, Refs: slices.Clone(e.Refs), AllRefs: e.AllRefs}, true
}

func (h *Heap) loadHeader(obj Addr) header {
	return header(h.arena.Load(obj))
}

func (h *Heap) storeHeader(obj Addr, hdr header) {
	h.arena.Store(obj, uint64(hdr))
}

// fieldAddr returns the address of field i of obj.
func fieldAddr(obj Addr, i int) Addr {
	return obj.PlusWords(headerWords + mem.Words(i))
}

// refSlots yields the address of every reference field of the object at
// obj with header hdr.
func (h *Heap) refSlots(obj Addr, hdr header) iter.Seq[Addr] {
	return func(yield func(Addr) bool) {
		te := h.types.lookup(hdr.typ())
		nfields := int(hdr.words() - headerWords)
		if te.AllRefs {
			for i := range nfields {
				if !yield(fieldAddr(obj, i)) {
					return
				}
			}
			return
		}
		for _, f := range te.Refs {
			if f >= nfields {
				return
			}
			if !yield(fieldAddr(obj, f)) {
				return
			}
		}
	}
}

// refSlotsIn is refSlots restricted to slots in [lo, hi).
func (h *Heap) refSlotsIn(obj Addr, hdr header, lo, hi Addr) iter.Seq[Addr] {
	return func(yield func(Addr) bool) {
		te := h.types.lookup(hdr.typ())
		end := min(obj.Plus(hdr.size()), hi)
		if te.AllRefs {
			first := fieldAddr(obj, 0)
			if lo > first {
				first = lo.AlignDown(mem.WordBytes)
			}
			for slot := first; slot < end; slot = slot.Plus(mem.WordBytes) {
				if !yield(slot) {
					return
				}
			}
			return
		}
		for _, f := range te.Refs {
			slot := fieldAddr(obj, f)
			if slot >= end {
				return
			}
			if slot >= lo && !yield(slot) {
				return
			}
		}
	}
}

// writeFiller formats [start, end) as one dead object.
func (h *Heap) writeFiller(start, end Addr) {
	if start == end {
		return
	}
	n := end.Minus(start).Words()
	h.storeHeader(start, makeHeader(n, TypeFiller, 0))
}
