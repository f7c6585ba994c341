// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Export guts for testing.

package gcheap

import "gcheap/internal/mem"

const MaxAge = maxAge

var ParseSize = parseSize

// WaitMarking waits for every concurrent marking cycle to finish. The
// remark and cleanup pauses stop the world, so the caller's mutators must
// be blocked.
func (h *Heap) WaitMarking() {
	h.mark.wait()
}

func (h *Heap) MarkInProgress() bool {
	return h.mark.inProgress()
}

// RegionState returns the state of the region containing a.
func (h *Heap) RegionState(a Addr) string {
	return h.regions.Lookup(a).State().String()
}

// SATBActive reports whether the pre-write barrier is recording.
func (h *Heap) SATBActive() bool {
	return h.satb.Active()
}

// IsMarked reports whether the object at a is marked in its region's bitmap.
func (h *Heap) IsMarked(a Addr) bool {
	r := h.regions.Lookup(a)
	return r.Marks.Has(r.WordIndex(a))
}

func (h *Heap) CardIsDirty(a Addr) bool {
	return h.cards.IsDirty(h.cards.Index(a))
}

func (h *Heap) RegionSize() mem.Bytes {
	return h.cfg.RegionSize
}

// CorruptField stores val into field i of obj without barriers or checks.
func (h *Heap) CorruptField(obj Addr, i int, val Addr) {
	h.arena.Store(fieldAddr(obj, i), uint64(val))
}
