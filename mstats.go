// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"sync"
	"sync/atomic"
	"time"

	"gcheap/internal/region"
	"gcheap/internal/stats"
)

// Stats records statistics about the heap.
type Stats struct {
	// Collections.

	// NumGC is the number of completed pauses that reclaimed memory:
	// young, mixed, concurrent start, cleanup and full pauses.
	NumGC uint32
	// NumPauses counts completed pauses by kind.
	NumPauses [numPauses]uint32
	// NumEvacuationFailures counts evacuation pauses that ran out of
	// space and fell back to a full collection.
	NumEvacuationFailures uint32
	// NumMarkCycles counts completed concurrent marking cycles and
	// NumMarkAborts those abandoned for a full collection.
	NumMarkCycles uint32
	NumMarkAborts uint32
	// MarkTotal is the cumulative wall time of completed marking cycles.
	MarkTotal time.Duration

	// Heap shape.

	HeapCommitted Bytes
	HeapUsed      Bytes
	HeapMax       Bytes
	// Regions counts committed regions by state, indexed by
	// region.State: free, eden, survivor, old, humongous start and
	// humongous continuation.
	Regions     [6]int
	YoungTarget int

	// Allocation.

	TotalAlloc      Bytes
	Mallocs         uint64
	TLABRefills     uint64
	TLABWaste       Bytes
	HumongousAlloc  Bytes
	HumongousFreed  uint64 // regions
	AllocFailures   uint64
	RegionsExpanded uint64
	RegionsShrunk   uint64

	// Collection totals.

	TotalCopied    Bytes
	TotalPromoted  Bytes
	TotalReclaimed Bytes

	// Pauses.

	PauseTotal time.Duration
	// PauseNs is a circular buffer of recent pause times, the most recent
	// at PauseNs[(NumPauses+255)%256] where NumPauses is their sum.
	PauseNs [256]uint64
	// PauseEnd is a circular buffer of recent pause end times, as
	// nanoseconds since 1970.
	PauseEnd [256]uint64
	LastGC   time.Time
	// Pause quantiles over all pauses, at bucket resolution.
	PauseP50, PauseP95, PauseP99 time.Duration
	PauseMax                     time.Duration

	// Barriers, cards and remembered sets.

	CrossRegionStores   uint64
	OldToYoungStores    uint64
	YoungFilteredStores uint64
	NilStores           uint64
	CardsDirtied        uint64
	CardsCleaned        uint64
	CardsRefined        uint64
	RemSetEntries       int
	RemSetCoarseRegions int
	RemSetCoarsenings   uint64
	SATBEnqueued        uint64
	SATBBuffers         uint64
}

// CycleEvent describes one completed pause. Events are delivered to
// channels registered with Notify.
type CycleEvent struct {
	Seq   uint64
	Kind  Pause
	Cause Cause
	Start time.Time
	Pause time.Duration
	// Heap bytes in use before and after the pause.
	Before, After Bytes
	Copied        Bytes
	Promoted      Bytes
	CsetRegions   int
	EvacFailed    bool
	Committed     Bytes
}

// Reclaimed returns the bytes the pause freed.
func (e CycleEvent) Reclaimed() Bytes {
	if e.After > e.Before {
		return 0
	}
	return e.Before - e.After
}

type heapStats struct {
	mu           sync.Mutex
	numGC        uint32
	pauses       [numPauses]uint32
	evacFailures uint32
	markCycles   uint32
	markAborts   uint32
	markTotal    time.Duration
	pauseTotal   time.Duration
	pauseNs      [256]uint64
	pauseEnd     [256]uint64
	npause       uint64
	lastGC       time.Time
	copied       Bytes
	promoted     Bytes
	reclaimed    Bytes
	refinedCards uint64
	notify       []chan<- CycleEvent
	dropped      uint64

	// From closed mutators.
	exited struct {
		mallocs, refills  uint64
		totalAlloc, waste Bytes
	}

	hist                  stats.Histogram
	humongousAlloc        atomic.Uint64
	humongousFreedRegions atomic.Uint64
	allocFailures         atomic.Uint64
	expansions            atomic.Uint64
	shrinks               atomic.Uint64
}

func (s *heapStats) init() {
	s.hist.Reset()
}

func (s *heapStats) mutatorExit(m *Mutator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited.mallocs += m.mallocs
	s.exited.refills += m.refills
	s.exited.totalAlloc += m.totalAlloc
	s.exited.waste += m.waste
}

func (s *heapStats) allocFailed() { s.allocFailures.Add(1) }

func (s *heapStats) humongousAllocated(n Bytes) { s.humongousAlloc.Add(uint64(n)) }

func (s *heapStats) humongousFreed(regions int) { s.humongousFreedRegions.Add(uint64(regions)) }

func (s *heapStats) expanded(regions int) { s.expansions.Add(uint64(regions)) }

func (s *heapStats) shrunk(regions int) { s.shrinks.Add(uint64(regions)) }

func (s *heapStats) refined(cards uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refinedCards += cards
}

func (s *heapStats) markDone(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCycles++
	s.markTotal += d
}

func (s *heapStats) markAborted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markAborts++
}

// record accounts a finished pause, traces it and delivers its event.
// The world is stopped.
func (s *heapStats) record(h *Heap, p *pauseInfo, pause time.Duration) {
	end := time.Now()
	s.hist.Record(pause)

	s.mu.Lock()
	s.npause++
	ev := CycleEvent{
		Seq:         s.npause,
		Kind:        p.kind,
		Cause:       p.cause,
		Start:       p.start,
		Pause:       pause,
		Before:      p.before,
		After:       p.after,
		Copied:      p.copied,
		Promoted:    p.promoted,
		CsetRegions: p.csetRegions,
		EvacFailed:  p.evacFailed,
		Committed:   h.cfg.RegionSize.Mul(h.regions.Committed()),
	}
	s.pauses[p.kind]++
	if p.reclaims {
		s.numGC++
	}
	if p.evacFailed {
		s.evacFailures++
	}
	s.pauseTotal += pause
	i := (s.npause - 1) % uint64(len(s.pauseNs))
	s.pauseNs[i] = uint64(pause)
	s.pauseEnd[i] = uint64(end.UnixNano())
	s.lastGC = end
	s.copied += p.copied
	s.promoted += p.promoted
	s.reclaimed += ev.Reclaimed()
	for _, c := range s.notify {
		select {
		case c <- ev:
		default:
			s.dropped++
		}
	}
	s.mu.Unlock()

	if h.cfg.GCTrace >= 1 {
		h.log.Info("gc",
			"seq", ev.Seq,
			"kind", ev.Kind,
			"cause", ev.Cause,
			"pause", ev.Pause,
			"before", ev.Before,
			"after", ev.After,
			"copied", ev.Copied,
			"cset", ev.CsetRegions,
			"committed", ev.Committed,
			"evac_failed", ev.EvacFailed)
	}
	if h.cfg.GCTrace > 1 {
		pr := h.policy.Predictions()
		h.log.Debug("gc policy",
			"young_target", pr.YoungTarget,
			"survival", pr.SurvivalRate,
			"copy_ns_per_byte", pr.CopyCostNsPerB,
			"alloc_bytes_per_sec", pr.AllocRateBPerS,
			"candidates", pr.Candidates)
	}
}

// Notify causes CycleEvents to be sent to c after every pause. Sends do
// not block: events that do not fit in c's buffer are dropped.
func (h *Heap) Notify(c chan<- CycleEvent) {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	h.stats.notify = append(h.stats.notify, c)
}

// StopNotify stops delivering events to c.
func (h *Heap) StopNotify(c chan<- CycleEvent) {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	for i, x := range h.stats.notify {
		if x == c {
			h.stats.notify = append(h.stats.notify[:i], h.stats.notify[i+1:]...)
			return
		}
	}
}

func (h *Heap) stopNotifyAll() {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	h.stats.notify = nil
}

// ReadStats populates s with heap statistics.
//
// The returned statistics are accurate at the time of the call: like a
// collection, ReadStats stops the world, so the calling goroutine must not
// be a running mutator.
func (h *Heap) ReadStats(s *Stats) {
	h.gcLock.Lock()
	defer h.gcLock.Unlock()
	h.sp.stopTheWorld()
	defer h.sp.startTheWorld()
	h.readStatsLocked(s)
}

func (h *Heap) readStatsLocked(s *Stats) {
	*s = Stats{}
	hs := &h.stats
	hs.mu.Lock()
	s.NumGC = hs.numGC
	s.NumPauses = hs.pauses
	s.NumEvacuationFailures = hs.evacFailures
	s.NumMarkCycles = hs.markCycles
	s.NumMarkAborts = hs.markAborts
	s.MarkTotal = hs.markTotal
	s.PauseTotal = hs.pauseTotal
	s.PauseNs = hs.pauseNs
	s.PauseEnd = hs.pauseEnd
	s.LastGC = hs.lastGC
	s.TotalCopied = hs.copied
	s.TotalPromoted = hs.promoted
	s.TotalReclaimed = hs.reclaimed
	s.CardsRefined = hs.refinedCards
	s.Mallocs = hs.exited.mallocs
	s.TLABRefills = hs.exited.refills
	s.TotalAlloc = hs.exited.totalAlloc
	s.TLABWaste = hs.exited.waste
	hs.mu.Unlock()

	h.sp.forEachMutator(func(m *Mutator) {
		s.Mallocs += m.mallocs
		s.TLABRefills += m.refills
		s.TotalAlloc += m.totalAlloc
		s.TLABWaste += m.waste
	})
	s.HumongousAlloc = Bytes(hs.humongousAlloc.Load())
	s.HumongousFreed = hs.humongousFreedRegions.Load()
	s.AllocFailures = hs.allocFailures.Load()
	s.RegionsExpanded = hs.expansions.Load()
	s.RegionsShrunk = hs.shrinks.Load()
	if hs.hist.Count() > 0 {
		s.PauseP50 = hs.hist.Quantile(0.5)
		s.PauseP95 = hs.hist.Quantile(0.95)
		s.PauseP99 = hs.hist.Quantile(0.99)
		s.PauseMax = hs.hist.Quantile(1)
	}

	for r := range h.regions.All() {
		st := r.State()
		if int(st) < len(s.Regions) {
			s.Regions[st]++
		}
		if st != region.Free {
			s.HeapUsed += r.Used()
		}
	}
	s.HeapCommitted = h.cfg.RegionSize.Mul(h.regions.Committed())
	s.HeapMax = h.cfg.MaxHeapSize
	s.YoungTarget = h.policy.YoungTarget()

	b := &h.barrier
	s.CrossRegionStores = b.crossRegion.Load()
	s.OldToYoungStores = b.oldToYoung.Load()
	s.YoungFilteredStores = b.youngFiltered.Load()
	s.NilStores = b.nilStores.Load()
	s.SATBEnqueued, s.SATBBuffers = h.satb.Stats()
	cs := h.cards.Stats()
	s.CardsDirtied = cs.Dirtied
	s.CardsCleaned = cs.Cleaned
	rs := h.remsetStats()
	s.RemSetEntries = rs.Entries
	s.RemSetCoarseRegions = rs.CoarseRegions
	s.RemSetCoarsenings = rs.Coarsenings
}
