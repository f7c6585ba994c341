// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"sync"
	"sync/atomic"

	"gcheap/internal/mem"
	"gcheap/internal/policy"
	"gcheap/internal/region"
	"gcheap/internal/work"
)

// Evacuation.
//
// The workers first take root and remembered set tasks from a shared
// list, then drain the grey queue together until work.Queue reports
// termination. An object is evacuated by copying it into the worker's
// PLAB and installing a forwarding header with a CAS; the loser of a race
// undoes its copy and uses the winner's. Copies are pushed on the queue
// and their fields scanned in turn, which evacuates whatever they refer
// to in the collection set.
//
// Young objects go to survivor regions until they reach the tenuring
// threshold or survivor space is full; then they are promoted to old
// regions. When no region is left to copy into, the object is forwarded
// to itself and stays where it is: evacuation has failed.

type evacDest int

const (
	toSurvivor evacDest = iota
	toOld
	numDests
)

// gcAllocRegion is the region a destination's PLABs are carved from.
type gcAllocRegion struct {
	state   region.State
	cur     *region.Region
	regions []*region.Region
}

type evacuation struct {
	h      *Heap
	cs     policy.CollectionSet
	inCset []bool
	limits []Addr
	q      *work.Queue
	tasks  []func(*evacWorker)
	next   atomic.Int64

	plabSize    Bytes
	tenuring    int
	maxSurvivor int

	mu            sync.Mutex // guards below
	dests         [numDests]gcAllocRegion
	saved         map[Addr]header
	failedRegions map[region.Index]bool

	failed  atomic.Bool
	workers []*evacWorker
}

type plab struct {
	top, end Addr
	r        *region.Region
}

type evacWorker struct {
	ev    *evacuation
	id    int
	l     *work.Local
	plabs [numDests]plab

	copied, promoted Bytes
	objects          uint64
}

// evacuationPause runs a young, mixed or concurrent start pause.
func (h *Heap) evacuationPause(kind policy.Kind, p *pauseInfo) {
	h.policy.Begin()
	young, youngUsed := h.youngRegions()
	cs := h.policy.SelectCollectionSet(kind, young, youngUsed, h.regions.Committed())
	if h.cfg.Kind == KindRegion {
		h.stats.refined(h.refine())
	}

	ev := h.newEvacuation(cs)
	ev.run()
	for _, w := range ev.workers {
		p.copied += w.copied
		p.promoted += w.promoted
	}
	p.csetRegions = len(cs.Young) + len(cs.Old)
	p.reclaims = true
	failed := ev.finish()
	h.edenRegions.Store(0)

	recordKind := kind
	if failed {
		h.log.Warn("evacuation failed", "kind", kind, "regions", len(ev.failedRegions))
		p.evacFailed = true
		p.kind = PauseFull
		p.cause = CauseEvacuationFailure
		recordKind = policy.Full
		h.compact(p)
		h.policy.DropCandidates()
	} else if kind == policy.ConcurrentStart {
		roots := append(ev.dests[toSurvivor].regions, ev.dests[toOld].regions...)
		h.mark.start(roots)
	}
	h.recordPolicy(recordKind, p, len(cs.Young), len(cs.Old), youngUsed)
}

func (h *Heap) newEvacuation(cs policy.CollectionSet) *evacuation {
	ev := &evacuation{
		h:             h,
		cs:            cs,
		inCset:        make([]bool, h.regions.Len()),
		limits:        h.scanLimits(),
		q:             work.NewQueue(),
		plabSize:      min(h.cfg.RegionSize/4, 64*mem.KiB),
		tenuring:      h.cfg.TenuringThreshold,
		maxSurvivor:   h.sizer.MaxSurvivor(h.policy.YoungTarget()),
		saved:         make(map[Addr]header),
		failedRegions: make(map[region.Index]bool),
	}
	ev.dests[toSurvivor].state = region.Survivor
	ev.dests[toOld].state = region.Old
	for _, i := range cs.Young {
		ev.inCset[i] = true
	}
	for _, i := range cs.Old {
		ev.inCset[i] = true
	}

	for _, t := range h.rootTasks() {
		ev.tasks = append(ev.tasks, func(w *evacWorker) {
			t(w.evacuateRoot)
		})
	}
	switch h.cfg.Kind {
	case KindRegion:
		for i, in := range ev.inCset {
			if in {
				r := h.regions.At(region.Index(i))
				ev.tasks = append(ev.tasks, func(w *evacWorker) {
					w.scanRemSet(r)
				})
			}
		}
	case KindGenerational:
		for r := range h.regions.All() {
			if r.State().IsOld() {
				ev.tasks = append(ev.tasks, func(w *evacWorker) {
					w.scanDirtyCards(r)
				})
			}
		}
	}
	return ev
}

func (ev *evacuation) run() {
	n := ev.h.cfg.Workers
	ev.q.Reset(n)
	ev.workers = make([]*evacWorker, n)
	for i := range ev.workers {
		ev.workers[i] = &evacWorker{ev: ev, id: i, l: work.NewLocal(ev.q)}
	}
	parallel(n, func(id int) {
		w := ev.workers[id]
		for {
			i := int(ev.next.Add(1)) - 1
			if i >= len(ev.tasks) {
				break
			}
			ev.tasks[i](w)
			w.l.Balance()
		}
		w.drain()
		for d := range numDests {
			w.retirePLAB(d)
		}
	})
}

// finish frees the collection set and, if evacuation failed, restores the
// headers of the objects left in place. It reports whether evacuation
// failed. The workers have joined.
func (ev *evacuation) finish() bool {
	h := ev.h
	freed := make([]bool, h.regions.Len())
	for i, in := range ev.inCset {
		if !in || ev.failedRegions[region.Index(i)] {
			continue
		}
		r := h.regions.At(region.Index(i))
		h.cleanCards(r)
		h.regions.Release(r)
		freed[i] = true
	}
	if h.cfg.Kind == KindRegion {
		for r := range h.regions.All() {
			if r.State() == region.Free {
				continue
			}
			r.Rem.DropFrom(func(from uint32) bool { return freed[from] })
			r.Rem.Merge()
		}
	}
	if !ev.failed.Load() {
		return false
	}
	for obj, hdr := range ev.saved {
		h.storeHeader(obj, hdr)
	}
	for i := range ev.failedRegions {
		r := h.regions.At(i)
		r.SetState(region.Old)
		r.Rem.Clear()
	}
	return true
}

func (w *evacWorker) drain() {
	n := 0
	for {
		obj, ok := w.l.Get()
		if !ok {
			return
		}
		w.scanObject(obj)
		if n++; n%32 == 0 {
			w.l.Balance()
		}
	}
}

func (w *evacWorker) evacuateRoot(slot *Addr) {
	v := *slot
	if v.IsNil() || !w.ev.inCset[w.ev.h.regions.Lookup(v).Index()] {
		return
	}
	*slot = w.evacuate(v)
}

// scanRemSet scans the cards recorded in the remembered set of cset
// region r. Cards of regions that are themselves collected are skipped:
// their live objects are scanned after they are copied.
func (w *evacWorker) scanRemSet(r *region.Region) {
	h := w.ev.h
	for c := range r.Rem.Drain() {
		src := h.regions.At(region.Index(h.geo.Region(c)))
		if w.ev.inCset[src.Index()] {
			continue
		}
		if s := src.State(); s == region.Free || s.IsYoung() {
			continue
		}
		h.cardSlots(c, w.ev.limits[src.Index()], w.scanSlot)
	}
}

// scanDirtyCards scans the dirty cards of old region r for references
// into the young generation.
func (w *evacWorker) scanDirtyCards(r *region.Region) {
	h := w.ev.h
	for c := range h.cards.DirtyCards(h.geo.Card(r.Bottom()), h.geo.CardsPerRegion) {
		if !h.cards.Claim(c) {
			continue
		}
		h.cardSlots(c, w.ev.limits[r.Index()], w.scanSlot)
		h.cards.Release(c)
	}
}

func (w *evacWorker) scanObject(obj Addr) {
	h := w.ev.h
	hdr := h.loadHeader(obj)
	if hdr.forwarded() {
		// Left in place by a failed evacuation.
		hdr = w.ev.savedHeader(obj)
	}
	for slot := range h.refSlots(obj, hdr) {
		w.scanSlot(slot)
	}
	w.l.ScannedBytes += hdr.size()
}

// scanSlot evacuates the target of slot if it is in the collection set
// and records the reference.
func (w *evacWorker) scanSlot(slot Addr) {
	h := w.ev.h
	v := Addr(h.arena.Load(slot))
	if v.IsNil() {
		return
	}
	if w.ev.inCset[h.regions.Lookup(v).Index()] {
		v = w.evacuate(v)
		h.arena.Store(slot, uint64(v))
	}
	switch h.cfg.Kind {
	case KindRegion:
		// v stays in the collection set only if its evacuation failed.
		// Another worker may be draining that region's set; it is cleared
		// and rebuilt by the full collection that follows.
		if !w.ev.inCset[h.regions.Lookup(v).Index()] {
			h.rememberSlot(slot, v, w.id)
		}
	case KindGenerational:
		if h.regions.Lookup(slot).State().IsOld() && h.regions.Lookup(v).State().IsYoung() {
			h.cards.Dirty(slot)
		}
	}
}

// evacuate copies obj out of the collection set, or returns its existing
// copy.
func (w *evacWorker) evacuate(obj Addr) Addr {
	h := w.ev.h
	hdr := h.loadHeader(obj)
	if hdr.forwarded() {
		return hdr.forwardee()
	}
	size := hdr.size()
	young := h.regions.Lookup(obj).State().IsYoung()
	newHdr := hdr
	dest := toOld
	if young {
		newHdr = hdr.withAge(hdr.age() + 1)
		if hdr.age()+1 < w.ev.tenuring {
			dest = toSurvivor
		}
	}
	to, r, ok := w.alloc(dest, size)
	if !ok && dest == toSurvivor {
		dest = toOld
		to, r, ok = w.alloc(dest, size)
	}
	if !ok {
		return w.evacuationFailed(obj, hdr)
	}
	h.arena.Copy(to, obj, size.Words())
	h.storeHeader(to, newHdr)
	if !h.arena.CompareAndSwap(obj, uint64(hdr), uint64(forwardingHeader(to))) {
		w.undo(dest, r, to, size)
		return h.loadHeader(obj).forwardee()
	}
	r.Starts.Add(r.WordIndex(to))
	w.l.Put(to)
	w.copied += size
	w.objects++
	if young && dest == toOld {
		w.promoted += size
	}
	return to
}

// evacuationFailed forwards obj to itself. It stays in its region, which
// is kept, and is scanned like a copy.
func (w *evacWorker) evacuationFailed(obj Addr, hdr header) Addr {
	h := w.ev.h
	if !h.arena.CompareAndSwap(obj, uint64(hdr), uint64(forwardingHeader(obj))) {
		return h.loadHeader(obj).forwardee()
	}
	ev := w.ev
	ev.mu.Lock()
	ev.saved[obj] = hdr
	ev.failedRegions[h.regions.Lookup(obj).Index()] = true
	ev.mu.Unlock()
	ev.failed.Store(true)
	w.l.Put(obj)
	return obj
}

func (ev *evacuation) savedHeader(obj Addr) header {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.saved[obj]
}

// alloc allocates size bytes in dest. Objects larger than half a PLAB are
// allocated directly from the destination region.
func (w *evacWorker) alloc(d evacDest, size Bytes) (Addr, *region.Region, bool) {
	p := &w.plabs[d]
	if p.r != nil && p.end.Minus(p.top) >= size {
		a := p.top
		p.top = a.Plus(size)
		return a, p.r, true
	}
	ev := w.ev
	if size > ev.plabSize/2 {
		a, _, r, ok := ev.allocShared(d, size, size)
		return a, r, ok
	}
	w.retirePLAB(d)
	a, n, r, ok := ev.allocShared(d, size, ev.plabSize)
	if !ok {
		return 0, nil, false
	}
	*p = plab{top: a.Plus(size), end: a.Plus(n), r: r}
	return a, r, true
}

// undo gives back a copy that lost the forwarding race.
func (w *evacWorker) undo(d evacDest, r *region.Region, a Addr, size Bytes) {
	end := a.Plus(size)
	if p := &w.plabs[d]; p.r == r && p.top == end {
		p.top = a
		return
	}
	if r.Undo(a, end) {
		return
	}
	w.ev.h.writeFiller(a, end)
	r.Starts.Add(r.WordIndex(a))
}

func (w *evacWorker) retirePLAB(d evacDest) {
	p := &w.plabs[d]
	if p.r != nil && p.top < p.end && !p.r.Undo(p.top, p.end) {
		w.ev.h.writeFiller(p.top, p.end)
		p.r.Starts.Add(p.r.WordIndex(p.top))
	}
	*p = plab{}
}

// allocShared carves between minSize and desired bytes from the
// destination's current region, taking a new region when it is full.
func (ev *evacuation) allocShared(d evacDest, minSize, desired Bytes) (Addr, Bytes, *region.Region, bool) {
	h := ev.h
	ev.mu.Lock()
	defer ev.mu.Unlock()
	a := &ev.dests[d]
	for {
		if a.cur != nil {
			if p, n, ok := a.cur.ParAllocateUpTo(minSize, desired); ok {
				return p, n, a.cur, true
			}
		}
		if d == toSurvivor && len(a.regions) >= ev.maxSurvivor {
			return 0, 0, nil, false
		}
		r, ok := h.regions.Allocate(a.state)
		if !ok {
			if !h.expand(1) {
				return 0, 0, nil, false
			}
			if r, ok = h.regions.Allocate(a.state); !ok {
				return 0, 0, nil, false
			}
		}
		a.cur = r
		a.regions = append(a.regions, r)
	}
}
