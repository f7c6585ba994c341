// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"sync/atomic"

	"gcheap/internal/cardtable"
	"gcheap/internal/region"
	"gcheap/internal/remset"
)

// Card refinement.
//
// The post-write barrier only dirties cards. At the start of every pause
// of a KindRegion heap the dirty cards are claimed by the parallel workers,
// scanned, and every cross-region reference found is added to the
// remembered set of the region it points into. Each card is released
// after its scan; a card dirtied again in between stays dirty.

// refine turns every dirty card into remembered set entries. The world is
// stopped.
func (h *Heap) refine() (cards uint64) {
	var sources []*region.Region
	for r := range h.regions.All() {
		switch s := r.State(); {
		case s == region.Free || s.IsYoung():
			// Young regions are always collected and their cards carry
			// no information. Cards of free regions are stale.
			h.cleanCards(r)
		default:
			sources = append(sources, r)
		}
	}
	var next atomic.Int64
	var scanned atomic.Uint64
	parallel(h.cfg.Workers, func(worker int) {
		for {
			i := int(next.Add(1)) - 1
			if i >= len(sources) {
				return
			}
			scanned.Add(h.refineRegion(sources[i], worker))
		}
	})
	for r := range h.regions.All() {
		if r.State() != region.Free {
			r.Rem.Merge()
		}
	}
	return scanned.Load()
}

// refineRegion scans the dirty cards of r.
func (h *Heap) refineRegion(r *region.Region, worker int) uint64 {
	first := h.geo.Card(r.Bottom())
	n := 0
	for c := range h.cards.DirtyCards(first, h.geo.CardsPerRegion) {
		if !h.cards.Claim(c) {
			continue
		}
		h.cardSlots(c, r.Top(), func(slot Addr) {
			h.rememberSlot(slot, Addr(h.arena.Load(slot)), worker)
		})
		h.cards.Release(c)
		n++
	}
	return uint64(n)
}

// rememberSlot records slot, holding val, in the remembered set of val's
// region if that set must know about it.
func (h *Heap) rememberSlot(slot, val Addr, worker int) {
	if val.IsNil() {
		return
	}
	src := h.regions.Lookup(slot)
	dst := h.regions.Lookup(val)
	if src == dst {
		return
	}
	switch s := dst.State(); {
	case s == region.Free, s.IsHumongous():
		// Humongous objects never move.
		return
	}
	if src.State().IsYoung() {
		return
	}
	dst.Rem.AddReference(uint32(src.Index()), slot, worker)
}

// cleanCards cleans every card of r.
func (h *Heap) cleanCards(r *region.Region) {
	h.cards.CleanRange(h.geo.Card(r.Bottom()), h.geo.CardsPerRegion)
}

// cardSlots calls visit for every reference slot in card c that lies below
// limit. The objects overlapping the card are found through the region's
// object start bitmap, or for humongous regions the object's first region.
func (h *Heap) cardSlots(c cardtable.Card, limit Addr, visit func(slot Addr)) {
	cr := h.cards.Range(c)
	lo, hi := cr.Start, min(cr.End(), limit)
	if lo >= hi {
		return
	}
	r := h.regions.Lookup(lo)
	var obj Addr
	if r.State() == region.ContinuesHumongous {
		obj = h.regions.At(r.HumongousStart()).Bottom()
	} else {
		i, ok := r.Starts.Prev(r.WordIndex(lo))
		if !ok {
			return
		}
		obj = r.WordAddr(i)
	}
	for obj < hi {
		hdr := h.loadHeader(obj)
		for slot := range h.refSlotsIn(obj, hdr, lo, hi) {
			visit(slot)
		}
		obj = obj.Plus(hdr.size())
	}
}

// scanLimits snapshots the top of every region, bounding the remembered
// set scan of a pause to what existed when it started.
func (h *Heap) scanLimits() []Addr {
	limits := make([]Addr, h.regions.Len())
	for r := range h.regions.All() {
		limits[r.Index()] = r.Top()
	}
	return limits
}

// remsetStats sums the remembered set statistics of every region.
func (h *Heap) remsetStats() remset.Stats {
	var st remset.Stats
	for r := range h.regions.All() {
		if r.State() == region.Free {
			continue
		}
		rs := r.Rem.Stats()
		st.Entries += rs.Entries
		st.FineRegions += rs.FineRegions
		st.CoarseRegions += rs.CoarseRegions
		st.Duplicates += rs.Duplicates
		st.Coarsenings += rs.Coarsenings
	}
	return st
}
