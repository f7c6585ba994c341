// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"errors"
	"fmt"

	"gcheap/internal/fault"
	"gcheap/internal/mem"
	"gcheap/internal/region"
)

// Memory allocator.
//
// Small objects are bump-allocated from the mutator's TLAB. When the TLAB
// is exhausted it is retired and a new one carved from the shared eden
// region with a CAS on the region's top; replacing a full eden region takes
// allocMu and the free-region list lock. Objects that would waste too much
// of the current TLAB, or are larger than the maximum TLAB, are carved from
// the shared region directly. Objects of at least half a region are
// humongous: they get a run of contiguous regions of their own.
//
// When the young generation reaches the policy's target, or no region is
// free, the heap first tries to grow. If it cannot, the allocating mutator
// runs a collection and retries, then runs a full collection and retries,
// and finally reports ErrOutOfMemory.

// ErrOutOfMemory is returned when an allocation cannot be satisfied even
// after a full collection.
var ErrOutOfMemory = errors.New("out of memory")

// An AllocationError records a failed allocation.
type AllocationError struct {
	Size Bytes
	Type TypeID
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("gcheap: allocating %v (type %d): %v", e.Size, e.Type, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Allocate allocates a zeroed object of size bytes, header included, and
// type typ. size is rounded up to a word.
//
// Allocate is a safepoint.
func (m *Mutator) Allocate(size Bytes, typ TypeID) (Addr, error) {
	h := m.h
	if m.closed {
		fault.Throw("gcheap: Allocate on closed mutator", "mutator", m.id)
	}
	te := h.types.lookup(typ)
	// Check before rounding, which wraps near the top of the range.
	if size > h.cfg.MaxHeapSize {
		return 0, &AllocationError{size, typ, ErrOutOfMemory}
	}
	size = max(size.AlignUp(mem.WordBytes), te.minSize)
	if size.Words() > maxObjWords || size > h.cfg.MaxHeapSize {
		return 0, &AllocationError{size, typ, ErrOutOfMemory}
	}
	m.Poll()

	var obj Addr
	if size >= h.humongousThreshold {
		var err error
		obj, err = m.allocHumongous(size, typ)
		if err != nil {
			return 0, err
		}
	} else if t := &m.tlab; t.free() >= size {
		obj = t.top
		t.top = t.top.Plus(size)
		h.initObject(t.r, obj, size, typ)
	} else {
		var err error
		obj, err = m.allocSlow(size, typ)
		if err != nil {
			return 0, err
		}
	}
	m.allocated += size
	m.totalAlloc += size
	m.mallocs++
	return obj, nil
}

// initObject writes the header of a new object and zeroes its payload.
func (h *Heap) initObject(r *region.Region, obj Addr, size Bytes, typ TypeID) {
	n := size.Words()
	if n > headerWords {
		h.arena.Clear(obj.PlusWords(headerWords), n-headerWords)
	}
	h.storeHeader(obj, makeHeader(n, typ, 0))
	r.Starts.Add(r.WordIndex(obj))
}

// allocSlow allocates when the TLAB cannot hold size bytes.
func (m *Mutator) allocSlow(size Bytes, typ TypeID) (Addr, error) {
	h := m.h
	// Keep a TLAB with plenty of room for the next allocations; put this
	// object in the shared region instead.
	refillWaste := m.desired / 64
	outside := size > h.cfg.MaxTLABSize || m.tlab.free() > refillWaste
	var obj Addr
	var r *region.Region
	err := m.withRetry(size, typ, func() bool {
		if outside {
			var ok bool
			obj, r, ok = h.allocShared(size, size)
			return ok
		}
		m.retireTLAB()
		start, n, tr, ok := h.allocShared2(size, max(m.desired, size))
		if !ok {
			return false
		}
		m.tlab = tlab{start: start, top: start, end: start.Plus(n), r: tr}
		m.refills++
		obj, r = start, tr
		m.tlab.top = start.Plus(size)
		return true
	})
	if err != nil {
		return 0, err
	}
	h.initObject(r, obj, size, typ)
	return obj, nil
}

// withRetry calls try until it succeeds, escalating through the
// collections described above. try must be idempotent on failure.
func (m *Mutator) withRetry(size Bytes, typ TypeID, try func() bool) error {
	h := m.h
	for attempt := 0; ; attempt++ {
		seen := h.gcCount.Load()
		if try() {
			return nil
		}
		if h.cfg.Kind == KindNoOp && attempt == 0 {
			// Nothing to collect. Still give a concurrent allocator that
			// raced us one more chance.
			attempt = 1
		}
		var kind Pause
		switch attempt {
		case 0:
			kind = PauseYoung
		case 1:
			kind = PauseFull
		default:
			h.stats.allocFailed()
			return &AllocationError{size, typ, ErrOutOfMemory}
		}
		if h.cfg.Kind == KindNoOp {
			continue
		}
		m.Block()
		err := h.collect(kind, CauseAllocation, seen, true)
		m.Unblock()
		if err != nil {
			return &AllocationError{size, typ, err}
		}
	}
}

// allocShared carves [minSize, desired) bytes from the shared eden
// region, replacing it if necessary. It reports false when the young
// generation is full and the heap cannot grow.
func (h *Heap) allocShared(minSize, desired Bytes) (Addr, *region.Region, bool) {
	a, _, r, ok := h.allocShared2(minSize, desired)
	return a, r, ok
}

func (h *Heap) allocShared2(minSize, desired Bytes) (Addr, Bytes, *region.Region, bool) {
	for {
		if r := h.allocRegion.Load(); r != nil {
			if a, n, ok := r.ParAllocateUpTo(minSize, desired); ok {
				return a, n, r, true
			}
		}
		if !h.replaceAllocRegion(minSize) {
			return 0, 0, nil, false
		}
	}
}

// replaceAllocRegion installs a fresh eden region unless another mutator
// already replaced a region with at least minSize bytes free.
func (h *Heap) replaceAllocRegion(minSize Bytes) bool {
	h.allocMu.Lock()
	defer h.allocMu.Unlock()
	if r := h.allocRegion.Load(); r != nil && r.Free() >= minSize {
		return true
	}
	if h.cfg.Kind != KindNoOp && int(h.edenRegions.Load()) >= h.policy.YoungTarget() {
		return false
	}
	r, ok := h.regions.Allocate(region.Eden)
	if !ok {
		if !h.expand(1) {
			return false
		}
		if r, ok = h.regions.Allocate(region.Eden); !ok {
			return false
		}
	}
	h.edenRegions.Add(1)
	h.allocRegion.Store(r)
	return true
}

// allocHumongous allocates an object spanning whole regions.
func (m *Mutator) allocHumongous(size Bytes, typ TypeID) (Addr, error) {
	h := m.h
	var r *region.Region
	err := m.withRetry(size, typ, func() bool {
		var ok bool
		r, ok = h.regions.AllocateHumongous(size)
		if !ok && h.expand(size.CeilDiv(h.cfg.RegionSize)) {
			r, ok = h.regions.AllocateHumongous(size)
		}
		return ok
	})
	if err != nil {
		return 0, err
	}
	obj := r.Bottom()
	h.initObject(r, obj, size, typ)
	h.stats.humongousAllocated(size)
	return obj, nil
}

// expand commits at least n more regions, growing by an eighth of the
// committed heap when that is larger. It reports whether any region was
// committed.
func (h *Heap) expand(n int) bool {
	committed := h.regions.Committed()
	maxRegions := h.cfg.MaxHeapSize.Div(h.cfg.RegionSize)
	n = min(max(n, committed/8), maxRegions-committed)
	if n <= 0 {
		return false
	}
	got, err := h.regions.Expand(n)
	if err != nil {
		h.log.Warn("heap expansion failed", "regions", n, "err", err)
	}
	if got > 0 {
		h.stats.expanded(got)
		if h.cfg.GCTrace > 1 {
			h.log.Debug("heap expanded", "regions", got, "committed", h.regions.Committed())
		}
	}
	return got > 0
}
