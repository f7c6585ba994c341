// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import "sync/atomic"

// Write barriers.
//
// Every reference store runs two barriers around the store.
//
// The pre-write (SATB) barrier runs only while concurrent marking is
// active. It records the value being overwritten if that object was
// allocated before marking started and is not yet marked, so that the
// marker traces every object reachable in the snapshot taken when marking
// began: an object can only become unreachable to the marker by having
// its last reference overwritten, and the barrier catches that.
//
// The post-write barrier maintains the card table. For KindRegion it
// dirties the card of the field when a reference crosses regions and the
// field is outside the young generation; refinement later turns dirty
// cards into remembered set entries. Stores into young regions are
// filtered: young regions are always collected, so their outgoing
// references never need remembering. For KindGenerational only
// old-to-young stores dirty a card, and the card table itself is the
// remembered set.
//
// Dirtying is idempotent: dirtying an already dirty card is a no-op.

// barrierCounters counts barrier outcomes. A counter is updated after the
// barrier's effect.
type barrierCounters struct {
	crossRegion   atomic.Uint64 // cards dirtied for cross-region stores
	oldToYoung    atomic.Uint64 // cards dirtied for old-to-young stores
	youngFiltered atomic.Uint64 // stores into young regions, filtered
	nilStores     atomic.Uint64
	satbEnqueues  atomic.Uint64
}

// preWriteBarrier records the current value of slot if marking needs it.
func (h *Heap) preWriteBarrier(m *Mutator, slot Addr) {
	if !h.satb.Active() {
		return
	}
	old := Addr(h.arena.Load(slot))
	if old.IsNil() {
		return
	}
	r := h.regions.Lookup(old)
	if !r.State().IsOld() || old >= r.TAMS() || r.Marks.Has(r.WordIndex(old)) {
		// Young objects are roots of every marking cycle; objects above
		// TAMS are implicitly live.
		return
	}
	m.satb.Enqueue(old)
	h.barrier.satbEnqueues.Add(1)
}

// postWriteBarrier dirties the card of slot after val was stored into it.
func (h *Heap) postWriteBarrier(slot, val Addr) {
	if val.IsNil() {
		h.barrier.nilStores.Add(1)
		return
	}
	switch h.cfg.Kind {
	case KindRegion:
		from := h.regions.Lookup(slot)
		if from.State().IsYoung() {
			h.barrier.youngFiltered.Add(1)
			return
		}
		if from.Contains(val) {
			return
		}
		h.cards.Dirty(slot)
		h.barrier.crossRegion.Add(1)
	case KindGenerational:
		from := h.regions.Lookup(slot)
		if from.State().IsYoung() {
			h.barrier.youngFiltered.Add(1)
			return
		}
		if !h.regions.Lookup(val).State().IsYoung() {
			return
		}
		h.cards.Dirty(slot)
		h.barrier.oldToYoung.Add(1)
	}
}
