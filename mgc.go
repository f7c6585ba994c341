// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"fmt"
	"sync"
	"time"

	"gcheap/internal/policy"
	"gcheap/internal/region"
)

// Garbage collector.
//
// Every collection runs in a stop-the-world pause on the goroutine that
// requested it, with Config.Workers parallel workers. A pause is one of:
//
//   - young: evacuate every young region (eden and survivor) into
//     survivor or old regions;
//   - mixed: young plus a batch of old regions picked by the last marking
//     cycle;
//   - concurrent start: a young pause that also snapshots the heap and
//     starts concurrent marking;
//   - remark and cleanup: the two pauses that finish a marking cycle;
//   - full: mark and slide-compact the whole heap, the last resort before
//     running out of memory.
//
// 1. Prologue. Mutator TLABs are retired and the shared eden region
// dropped, so every region is parsable up to its top.
//
// 2. Refinement (KindRegion). Cards dirtied by the post-write barrier since
// the last pause are scanned and turned into remembered set entries.
//
// 3. Evacuation. Roots and the remembered sets of the collection set are
// scanned; every referenced object in the collection set is copied and
// its new copy scanned in turn. The collection set is then freed.
//
// 4. Epilogue. The policy is updated from the pause's measurements,
// statistics recorded, events delivered and TLABs resized.
//
// Collections that run out of space to copy into fail evacuation: the
// objects that could not be copied stay in place and the same pause
// continues with a full collection.

// Pause identifies the kind of a collection pause.
type Pause uint8

const (
	PauseYoung Pause = iota
	PauseMixed
	PauseConcurrentStart
	PauseRemark
	PauseCleanup
	PauseFull

	numPauses
)

var pauseNames = [...]string{
	PauseYoung:           "young",
	PauseMixed:           "mixed",
	PauseConcurrentStart: "concurrent-start",
	PauseRemark:          "remark",
	PauseCleanup:         "cleanup",
	PauseFull:            "full",
}

func (p Pause) String() string {
	if int(p) < len(pauseNames) {
		return pauseNames[p]
	}
	return fmt.Sprintf("Pause(%d)", uint8(p))
}

// Cause records why a pause ran.
type Cause uint8

const (
	CauseAllocation Cause = iota
	CauseExplicit
	CauseEvacuationFailure
	CauseConcurrentMark
)

var causeNames = [...]string{
	CauseAllocation:        "allocation",
	CauseExplicit:          "explicit",
	CauseEvacuationFailure: "evacuation-failure",
	CauseConcurrentMark:    "concurrent-mark",
}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("Cause(%d)", uint8(c))
}

// Collect runs a collection of the given kind and waits for it.
//
// PauseYoung and PauseFull always run. PauseMixed runs a young collection
// if no marking cycle left candidates or a marking cycle is in progress.
// PauseConcurrentStart runs a young
// collection if marking is already in progress or the heap is not
// KindRegion. Remark and cleanup pauses belong to marking cycles and cannot
// be requested. A KindNoOp heap never collects.
//
// The calling goroutine must not be a running mutator; see
// Mutator.Collect.
func (h *Heap) Collect(kind Pause) error {
	if h.closed.Load() {
		return ErrClosed
	}
	switch kind {
	case PauseYoung, PauseMixed, PauseConcurrentStart, PauseFull:
	default:
		return fmt.Errorf("gcheap: cannot request a %v pause", kind)
	}
	if h.cfg.Kind == KindNoOp {
		return nil
	}
	return h.collect(kind, CauseExplicit, 0, false)
}

// collect runs a pause. If checkSeen is set and a pause has completed since
// gcCount was seen, another goroutine already freed memory and collect
// returns without collecting.
func (h *Heap) collect(kind Pause, cause Cause, seen uint32, checkSeen bool) error {
	h.gcLock.Lock()
	defer h.gcLock.Unlock()
	if h.closed.Load() {
		return ErrClosed
	}
	if checkSeen && h.gcCount.Load() != seen {
		return nil
	}
	h.sp.stopTheWorld()
	defer h.sp.startTheWorld()

	if kind == PauseFull {
		h.runPause(PauseFull, cause, h.fullPause)
		return nil
	}
	pk := h.evacuationKind(kind, cause)
	h.runPause(pauseOf(pk), cause, func(p *pauseInfo) {
		h.evacuationPause(pk, p)
	})
	return nil
}

// evacuationKind maps a requested pause to a policy collection kind.
func (h *Heap) evacuationKind(kind Pause, cause Cause) policy.Kind {
	marking := h.mark.inProgress()
	if cause == CauseAllocation {
		return h.policy.NextKind(marking)
	}
	switch {
	case h.cfg.Kind != KindRegion:
		return policy.Young
	case kind == PauseMixed && !marking && len(h.policy.Candidates()) > 0:
		return policy.Mixed
	case kind == PauseConcurrentStart && !marking:
		return policy.ConcurrentStart
	}
	return policy.Young
}

func pauseOf(k policy.Kind) Pause {
	switch k {
	case policy.Mixed:
		return PauseMixed
	case policy.ConcurrentStart:
		return PauseConcurrentStart
	case policy.Full:
		return PauseFull
	}
	return PauseYoung
}

// pauseInfo accumulates what one pause did.
type pauseInfo struct {
	kind  Pause
	cause Cause
	start time.Time

	before, after Bytes
	copied        Bytes
	promoted      Bytes
	csetRegions   int
	evacFailed    bool
	// reclaims reports whether the pause can have freed memory for the
	// allocator.
	reclaims bool
}

// runPause runs body with the world stopped, bracketed by the common
// prologue and epilogue. h.gcLock must be held.
func (h *Heap) runPause(kind Pause, cause Cause, body func(*pauseInfo)) {
	p := &pauseInfo{kind: kind, cause: cause, start: time.Now()}
	h.limiter.StartPause(h.mark.time(), h.now())

	h.retireAllocation()
	p.before = h.usedBytes()
	if h.cfg.Verify {
		h.mustVerify("before " + kind.String())
	}

	body(p)

	p.after = h.usedBytes()
	if h.cfg.Verify {
		h.mustVerify("after " + p.kind.String())
	}
	h.limiter.FinishPause(h.mark.inProgress(), h.now())
	pause := time.Since(p.start)
	if p.reclaims {
		h.resizeTLABs()
		h.gcCount.Add(1)
	}
	h.stats.record(h, p, pause)
}

// retireAllocation makes every region parsable: TLABs are retired and the
// shared eden region dropped. The world is stopped.
func (h *Heap) retireAllocation() {
	h.sp.forEachMutator(func(m *Mutator) {
		m.retireTLAB()
	})
	h.allocRegion.Store(nil)
}

// resizeTLABs recomputes each mutator's TLAB size from its share of the
// allocation since the last collection.
func (h *Heap) resizeTLABs() {
	var total Bytes
	h.sp.forEachMutator(func(m *Mutator) {
		total += m.allocated
	})
	h.sp.forEachMutator(func(m *Mutator) {
		m.resizeTLAB(total)
	})
}

// usedBytes returns the bytes below top in every committed region.
func (h *Heap) usedBytes() Bytes {
	var n Bytes
	for r := range h.regions.All() {
		if r.State() != region.Free {
			n += r.Used()
		}
	}
	return n
}

// youngRegions returns the eden and survivor regions and the bytes they
// hold.
func (h *Heap) youngRegions() ([]region.Index, Bytes) {
	var young []region.Index
	var used Bytes
	for r := range h.regions.All() {
		if r.State().IsYoung() {
			young = append(young, r.Index())
			used += r.Used()
		}
	}
	return young, used
}

// oldStats returns the number of old and humongous regions and the bytes
// they hold.
func (h *Heap) oldStats() (int, Bytes) {
	n := 0
	var used Bytes
	for r := range h.regions.All() {
		if r.State().IsOld() {
			n++
			used += r.Used()
		}
	}
	return n, used
}

// parallel runs f on n goroutines and waits for them.
func parallel(n int, f func(worker int)) {
	if n == 1 {
		f(0)
		return
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			f(i)
		}()
	}
	wg.Wait()
}

// sinceLastPause returns the mutator time since the previous evacuating
// or full pause ended.
func (h *Heap) sinceLastPause(now int64) time.Duration {
	if h.lastPauseEnd == 0 {
		return time.Duration(now)
	}
	return time.Duration(now - h.lastPauseEnd)
}

// recordPolicy ends the policy's view of an evacuating or full pause.
func (h *Heap) recordPolicy(kind policy.Kind, p *pauseInfo, youngRegions, oldRegions int, youngUsed Bytes) {
	var allocated Bytes
	h.sp.forEachMutator(func(m *Mutator) {
		allocated += m.allocated
	})
	now := h.now()
	oldTotal, oldUsed := h.oldStats()
	h.policy.BeginCleanup()
	h.policy.RecordCycleStats(policy.CycleStats{
		Kind:         kind,
		Pause:        time.Since(p.start),
		SinceLast:    h.sinceLastPause(now),
		YoungRegions: youngRegions,
		OldRegions:   oldRegions,
		YoungUsed:    youngUsed,
		Allocated:    allocated,
		Copied:       p.copied,
		Reclaimed:    p.before - min(p.before, h.usedBytes()),
		Committed:    h.regions.Committed(),
		OldTotal:     oldTotal,
		OldUsed:      oldUsed,
		Failed:       p.evacFailed,
	})
	h.lastPauseEnd = now
}
