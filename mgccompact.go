// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"sync/atomic"

	"gcheap/internal/mem"
	"gcheap/internal/policy"
	"gcheap/internal/region"
	"gcheap/internal/work"
)

// Full collection.
//
// A full collection marks the whole heap from the roots and slides every
// live object towards the bottom of the heap, region by region in address
// order, so that the compacted objects fill a prefix of the non-humongous
// regions and the rest become free. Humongous objects are never moved;
// dead ones are freed.
//
//  1. Mark every reachable object in the region mark bitmaps.
//  2. Plan: assign each live object its new address.
//  3. Adjust every root and every field of a live object to the new
//     addresses.
//  4. Move the objects, in address order, and rebuild the start bitmaps.
//  5. Clean the card table and rebuild the remembered sets.
//  6. Resize the heap to keep free space between MinHeapFreeRatio and
//     MaxHeapFreeRatio.

// fullPause runs a full collection as its own pause.
func (h *Heap) fullPause(p *pauseInfo) {
	h.policy.Begin()
	h.policy.SelectCollectionSet(policy.Full, nil, 0, h.regions.Committed())
	p.reclaims = true
	h.compact(p)
	h.edenRegions.Store(0)
	h.recordPolicy(policy.Full, p, 0, 0, 0)
}

type move struct {
	from, to Addr
	words    mem.Words
}

type compaction struct {
	regions []*region.Region // compacted regions, in address order
	tops    []Addr           // new top, by region index
	fwd     map[Addr]Addr
	moves   []move
}

// compact runs the full collection. The world is stopped.
func (h *Heap) compact(p *pauseInfo) {
	h.abortMarking()
	for r := range h.regions.All() {
		r.ClearMarks()
	}
	h.markLive()

	c := h.planCompaction()
	h.adjustPointers(c)
	p.copied += h.moveObjects(c)

	for r := range h.regions.All() {
		if r.State() == region.StartsHumongous && !r.Marks.Has(0) {
			var run []*region.Region
			for hr := range h.regions.Humongous(r) {
				run = append(run, hr)
			}
			for _, hr := range run {
				h.regions.Release(hr)
			}
			h.stats.humongousFreed(len(run))
		}
	}
	for r := range h.regions.All() {
		r.ClearMarks()
		r.Rem.Clear()
	}
	h.cards.CleanRange(0, h.cards.Len())
	if h.cfg.Kind == KindRegion {
		h.rebuildRemSets()
	}
	h.resizeAfterFull()
}

// markLive marks every object reachable from the roots, in every region.
func (h *Heap) markLive() {
	q := work.NewQueue()
	n := h.cfg.Workers
	q.Reset(n)
	tasks := h.rootTasks()
	var next atomic.Int64
	parallel(n, func(int) {
		l := work.NewLocal(q)
		mark := func(obj Addr) {
			if obj.IsNil() {
				return
			}
			r := h.regions.Lookup(obj)
			if r.Marks.TryAdd(r.WordIndex(obj)) {
				r.AddMarked(h.loadHeader(obj).size())
				l.Put(obj)
			}
		}
		for {
			i := int(next.Add(1)) - 1
			if i >= len(tasks) {
				break
			}
			tasks[i](func(slot *Addr) { mark(*slot) })
		}
		for {
			obj, ok := l.Get()
			if !ok {
				return
			}
			for slot := range h.refSlots(obj, h.loadHeader(obj)) {
				mark(Addr(h.arena.Load(slot)))
			}
		}
	})
}

// planCompaction assigns new addresses. Objects keep their address order,
// so every object moves down or stays.
func (h *Heap) planCompaction() *compaction {
	c := &compaction{
		tops: make([]Addr, h.regions.Len()),
		fwd:  make(map[Addr]Addr),
	}
	for r := range h.regions.All() {
		if s := r.State(); s != region.Free && !s.IsHumongous() {
			c.regions = append(c.regions, r)
		}
	}
	if len(c.regions) == 0 {
		return c
	}
	di := 0
	dst := c.regions[0]
	top := dst.Bottom()
	for _, r := range c.regions {
		for i := range r.Marks.Range(0, r.WordIndex(r.Top())) {
			obj := r.WordAddr(i)
			size := h.loadHeader(obj).size()
			for top.Plus(size) > dst.End() {
				c.tops[dst.Index()] = top
				di++
				dst = c.regions[di]
				top = dst.Bottom()
			}
			if obj != top {
				c.fwd[obj] = top
			}
			c.moves = append(c.moves, move{obj, top, size.Words()})
			top = top.Plus(size)
		}
	}
	c.tops[dst.Index()] = top
	return c
}

// adjustPointers rewrites every reference to a moving object.
func (h *Heap) adjustPointers(c *compaction) {
	if len(c.fwd) == 0 {
		return
	}
	h.iterateRoots(func(slot *Addr) {
		if to, ok := c.fwd[*slot]; ok {
			*slot = to
		}
	})
	var live []*region.Region
	for r := range h.regions.All() {
		if s := r.State(); s != region.Free && s != region.ContinuesHumongous {
			live = append(live, r)
		}
	}
	var next atomic.Int64
	parallel(h.cfg.Workers, func(int) {
		for {
			i := int(next.Add(1)) - 1
			if i >= len(live) {
				return
			}
			r := live[i]
			for w := range r.Marks.Range(0, r.WordIndex(r.Top())) {
				obj := r.WordAddr(w)
				for slot := range h.refSlots(obj, h.loadHeader(obj)) {
					if to, ok := c.fwd[Addr(h.arena.Load(slot))]; ok {
						h.arena.Store(slot, uint64(to))
					}
				}
			}
		}
	})
}

// moveObjects slides the live objects to their new addresses and returns
// the bytes moved. Regions left empty are freed; the others become old.
func (h *Heap) moveObjects(c *compaction) Bytes {
	var moved Bytes
	for _, m := range c.moves {
		if m.from != m.to {
			h.arena.Copy(m.to, m.from, m.words)
			moved += m.words.Bytes()
		}
	}
	for _, r := range c.regions {
		r.Starts.Clear()
	}
	for _, m := range c.moves {
		r := h.regions.Lookup(m.to)
		r.Starts.Add(r.WordIndex(m.to))
	}
	for _, r := range c.regions {
		top := c.tops[r.Index()]
		if top.IsNil() || top == r.Bottom() {
			h.regions.Release(r)
			continue
		}
		r.SetState(region.Old)
		r.SetTop(top)
	}
	return moved
}

// rebuildRemSets records every cross-region reference of the compacted
// heap.
func (h *Heap) rebuildRemSets() {
	var live []*region.Region
	for r := range h.regions.All() {
		if s := r.State(); s != region.Free && s != region.ContinuesHumongous {
			live = append(live, r)
		}
	}
	var next atomic.Int64
	parallel(h.cfg.Workers, func(worker int) {
		for {
			i := int(next.Add(1)) - 1
			if i >= len(live) {
				return
			}
			r := live[i]
			for w := range r.Starts.Range(0, r.WordIndex(r.Top())) {
				obj := r.WordAddr(w)
				hdr := h.loadHeader(obj)
				if hdr.typ() == TypeFiller {
					continue
				}
				for slot := range h.refSlots(obj, hdr) {
					h.rememberSlot(slot, Addr(h.arena.Load(slot)), worker)
				}
			}
		}
	})
	for r := range h.regions.All() {
		if r.State() != region.Free {
			r.Rem.Merge()
		}
	}
}

// resizeAfterFull grows or shrinks the committed heap to the policy's
// target.
func (h *Heap) resizeAfterFull() {
	committed := h.regions.Committed()
	used := committed - h.regions.FreeCount()
	target := h.policy.ResizeAfterFull(used, committed)
	switch {
	case target > committed:
		n, err := h.regions.Expand(target - committed)
		if err != nil {
			h.log.Warn("heap expansion failed", "regions", target-committed, "err", err)
		}
		h.stats.expanded(n)
	case target < committed:
		n, err := h.regions.Shrink(committed - target)
		if err != nil {
			h.log.Warn("heap shrink failed", "regions", committed-target, "err", err)
		}
		h.stats.shrunk(n)
	}
	if h.cfg.GCTrace > 1 {
		h.log.Debug("heap resized", "used", used, "committed", h.regions.Committed(), "target", target)
	}
}
