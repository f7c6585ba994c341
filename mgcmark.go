// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"sync"
	"sync/atomic"
	"time"

	"gcheap/internal/policy"
	"gcheap/internal/region"
	"gcheap/internal/work"
)

// Concurrent marking (KindRegion).
//
// A concurrent start pause evacuates the young generation like any young
// pause, then takes the marking snapshot: every old region's top is saved
// as its TAMS (top at mark start), roots are marked, and the survivor
// regions and the regions promoted into by the pause are scanned as
// root regions. Only old objects below TAMS are marked; everything above
// TAMS was allocated after the snapshot and is implicitly live. Young
// objects are never marked: the root region scan covers the references
// they held at the snapshot.
//
// A coordinator goroutine then runs rounds of ConcWorkers marking
// workers. Workers are suspendible: they yield at safepoints so young
// pauses can run in the middle of marking. They drain the mark queue and
// the completed SATB buffers filled by the pre-write barrier.
//
// When no work is left the coordinator requests the remark pause, which
// flushes every mutator's SATB buffer and finishes marking, and then the
// cleanup pause, which frees old regions with nothing marked, frees dead
// humongous objects, turns dead objects below TAMS into fillers and hands
// the remaining old regions to the policy as mixed collection candidates.
//
// A full collection aborts a marking cycle in progress.

// markCycle is the state of one marking cycle.
type markCycle struct {
	q        *work.Queue
	aborted  atomic.Bool
	markTime atomic.Int64 // nanoseconds of worker time
	marked   atomic.Uint64
	start    time.Time
}

type marker struct {
	h  *Heap
	wg sync.WaitGroup

	mu     sync.Mutex
	cur    *markCycle
	cycles uint64
}

func (mk *marker) init(h *Heap) {
	mk.h = h
}

// inProgress reports whether a marking cycle is running.
func (mk *marker) inProgress() bool {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	return mk.cur != nil
}

// time returns the worker time of the current cycle.
func (mk *marker) time() int64 {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if mk.cur == nil {
		return 0
	}
	return mk.cur.markTime.Load()
}

// abort stops the current cycle. Its workers notice at their next yield.
func (mk *marker) abort() *markCycle {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	c := mk.cur
	if c != nil {
		c.aborted.Store(true)
		mk.cur = nil
	}
	return c
}

// wait waits for every coordinator to exit.
func (mk *marker) wait() {
	mk.wg.Wait()
}

// abortMarking abandons the marking cycle in progress, if any. The world is
// stopped.
func (h *Heap) abortMarking() {
	if h.mark.abort() == nil {
		return
	}
	h.satb.SetActive(false)
	h.satb.Abandon()
	h.sp.forEachMutator(func(m *Mutator) {
		m.satb.Reset()
	})
	h.policy.DropCandidates()
	h.stats.markAborted()
	h.log.Info("concurrent mark aborted")
}

// start takes the marking snapshot and starts the coordinator. roots are
// the regions whose objects must be scanned as roots. The world is
// stopped.
func (mk *marker) start(roots []*region.Region) {
	h := mk.h
	isRoot := make([]bool, h.regions.Len())
	for _, r := range roots {
		isRoot[r.Index()] = true
	}
	for r := range h.regions.All() {
		r.ClearMarks()
		if r.State().IsOld() && !isRoot[r.Index()] {
			r.SetTAMS(r.Top())
		}
	}
	c := &markCycle{q: work.NewQueue(), start: time.Now()}
	h.satb.SetActive(true)

	l := work.NewLocal(c.q)
	h.iterateRoots(func(slot *Addr) {
		h.markGrey(c, l, *slot)
	})
	for r := range h.regions.All() {
		if r.State() != region.Survivor && !isRoot[r.Index()] {
			continue
		}
		for obj := r.Bottom(); obj < r.Top(); {
			hdr := h.loadHeader(obj)
			for slot := range h.refSlots(obj, hdr) {
				h.markGrey(c, l, Addr(h.arena.Load(slot)))
			}
			obj = obj.Plus(hdr.size())
		}
	}
	l.Dispose()

	mk.mu.Lock()
	mk.cur = c
	mk.cycles++
	mk.mu.Unlock()
	if h.cfg.GCTrace > 1 {
		h.log.Debug("concurrent mark start", "roots", len(roots), "queued", !c.q.Empty())
	}
	mk.wg.Add(1)
	go mk.run(c)
}

// markGrey marks obj and queues it for scanning if it is an old object
// allocated before the snapshot.
func (h *Heap) markGrey(c *markCycle, l *work.Local, obj Addr) {
	if obj.IsNil() {
		return
	}
	r := h.regions.Lookup(obj)
	if !r.State().IsOld() || obj >= r.TAMS() {
		return
	}
	if r.Marks.TryAdd(r.WordIndex(obj)) {
		r.AddMarked(h.loadHeader(obj).size())
		c.marked.Add(1)
		l.Put(obj)
	}
}

func (h *Heap) markScan(c *markCycle, l *work.Local, obj Addr) {
	hdr := h.loadHeader(obj)
	for slot := range h.refSlots(obj, hdr) {
		h.markGrey(c, l, Addr(h.arena.Load(slot)))
	}
	l.ScannedBytes += hdr.size()
}

// run is the coordinator of cycle c.
func (mk *marker) run(c *markCycle) {
	defer mk.wg.Done()
	h := mk.h
	for !c.aborted.Load() {
		parallel(h.cfg.ConcWorkers, func(int) {
			mk.work(c)
		})
		h.limiter.Update(c.markTime.Load(), h.now())
		if c.q.Empty() && h.satb.NumCompleted() == 0 {
			break
		}
	}
	if !mk.remark(c) {
		return
	}
	mk.cleanup(c)
}

// work is one concurrent marking worker. It returns when it finds no work.
func (mk *marker) work(c *markCycle) {
	h := mk.h
	sp := &h.sp
	sp.joinSuspendible()
	defer sp.leaveSuspendible()
	start := time.Now()
	defer func() {
		c.markTime.Add(int64(time.Since(start)))
	}()

	l := work.NewLocal(c.q)
	for n := 0; ; n++ {
		if n%64 == 63 {
			sp.yield()
		}
		if c.aborted.Load() {
			// The heap may have been compacted; queued addresses are
			// stale.
			return
		}
		if obj, ok := l.TryGet(); ok {
			h.markScan(c, l, obj)
			continue
		}
		if buf, ok := h.satb.TakeCompleted(); ok {
			for _, obj := range buf {
				h.markGrey(c, l, obj)
			}
			h.satb.Recycle(buf)
			continue
		}
		break
	}
	l.Dispose()
}

// remark runs the remark pause. It reports false if the cycle was aborted.
func (mk *marker) remark(c *markCycle) bool {
	h := mk.h
	h.gcLock.Lock()
	defer h.gcLock.Unlock()
	if c.aborted.Load() || h.closed.Load() {
		return false
	}
	h.sp.stopTheWorld()
	defer h.sp.startTheWorld()
	h.runPause(PauseRemark, CauseConcurrentMark, func(*pauseInfo) {
		h.sp.forEachMutator(func(m *Mutator) {
			m.satb.Flush()
		})
		n := h.cfg.Workers
		c.q.Reset(n)
		parallel(n, func(int) {
			l := work.NewLocal(c.q)
			for {
				buf, ok := h.satb.TakeCompleted()
				if !ok {
					break
				}
				for _, obj := range buf {
					h.markGrey(c, l, obj)
				}
				h.satb.Recycle(buf)
			}
			for {
				obj, ok := l.Get()
				if !ok {
					break
				}
				h.markScan(c, l, obj)
			}
		})
		h.satb.SetActive(false)
	})
	return true
}

// cleanup runs the cleanup pause and ends the cycle.
func (mk *marker) cleanup(c *markCycle) {
	h := mk.h
	h.gcLock.Lock()
	defer h.gcLock.Unlock()
	if c.aborted.Load() || h.closed.Load() {
		return
	}
	h.sp.stopTheWorld()
	defer h.sp.startTheWorld()
	h.runPause(PauseCleanup, CauseConcurrentMark, func(p *pauseInfo) {
		h.reclaimMarked(p)
		mk.mu.Lock()
		if mk.cur == c {
			mk.cur = nil
		}
		mk.mu.Unlock()
		h.stats.markDone(time.Since(c.start))
		if h.cfg.GCTrace > 1 {
			h.log.Debug("concurrent mark done",
				"duration", time.Since(c.start),
				"marked", c.marked.Load(),
				"worker_time", time.Duration(c.markTime.Load()))
		}
	})
}

// reclaimMarked frees what marking found dead and publishes the mixed
// collection candidates. The world is stopped.
func (h *Heap) reclaimMarked(p *pauseInfo) {
	freed := make([]bool, h.regions.Len())
	free := func(r *region.Region) {
		h.cleanCards(r)
		h.regions.Release(r)
		freed[r.Index()] = true
	}
	var cands []policy.Candidate
	for r := range h.regions.All() {
		switch r.State() {
		case region.StartsHumongous:
			if r.TAMS() > r.Bottom() && !r.Marks.Has(0) {
				var run []*region.Region
				for hr := range h.regions.Humongous(r) {
					run = append(run, hr)
				}
				for _, hr := range run {
					free(hr)
				}
				h.stats.humongousFreed(len(run))
			}
		case region.Old:
			if r.TAMS() > r.Bottom() && r.LiveBytes() == 0 {
				free(r)
				continue
			}
			h.scrub(r)
			cands = append(cands, policy.Candidate{Region: r.Index(), Used: r.Used(), Live: r.LiveBytes()})
		}
	}
	for r := range h.regions.All() {
		if r.State() != region.Free {
			r.Rem.DropFrom(func(from uint32) bool { return freed[from] })
		}
	}
	for _, c := range cands {
		h.regions.At(c.Region).Efficiency = h.policy.Efficiency(c)
	}
	h.policy.SetCandidates(cands, h.regions.Committed())
	p.reclaims = true
}

// scrub turns every run of dead objects below TAMS into one filler, so
// that later card scans never read the fields of a dead object.
func (h *Heap) scrub(r *region.Region) {
	tams := r.TAMS()
	var deadStart Addr
	dead := false
	for obj := r.Bottom(); obj < tams; {
		hdr := h.loadHeader(obj)
		if r.Marks.Has(r.WordIndex(obj)) {
			if dead {
				h.fillDead(r, deadStart, obj)
				dead = false
			}
		} else if !dead {
			deadStart, dead = obj, true
		}
		obj = obj.Plus(hdr.size())
	}
	if dead {
		h.fillDead(r, deadStart, tams)
	}
}

func (h *Heap) fillDead(r *region.Region, start, end Addr) {
	h.writeFiller(start, end)
	r.Starts.ClearRange(r.WordIndex(start)+1, r.WordIndex(end))
}
