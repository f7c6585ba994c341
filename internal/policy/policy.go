// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package policy decides when to collect, what to collect, and how big the
// young generation, the TLABs and the committed heap should be.
//
// Decisions are driven by predictions: decaying averages of copy cost,
// survival rate and allocation rate, revised after every collection. The
// young generation is sized so that a young collection is predicted to fit
// the pause goal. Old regions identified by concurrent marking are added to
// later ("mixed") collections in order of reclaimable bytes per predicted
// millisecond.
package policy

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gcheap/internal/fault"
	"gcheap/internal/mem"
	"gcheap/internal/region"
)

// Kind is the kind of an evacuating collection.
type Kind uint8

const (
	Young           Kind = iota // all young regions
	Mixed                       // young regions plus marked old candidates
	ConcurrentStart             // young, then start concurrent marking
	Full                        // mark-compact of the whole heap
)

var kindNames = [...]string{
	Young:           "young",
	Mixed:           "mixed",
	ConcurrentStart: "concurrent-start",
	Full:            "full",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Phase is the collection state machine.
type Phase uint32

const (
	Idle Phase = iota
	SelectingSet
	Evacuating
	Cleanup
)

var phaseNames = [...]string{
	Idle:         "idle",
	SelectingSet: "selecting-set",
	Evacuating:   "evacuating",
	Cleanup:      "cleanup",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint32(p))
}

// Config parameterizes a Policy.
type Config struct {
	Sizer

	PauseGoal time.Duration

	// IHOPPercent is the old generation occupancy, as a percentage of the
	// committed heap, that triggers concurrent marking.
	IHOPPercent int
	// MixedCountTarget is the number of mixed collections over which the
	// candidates of one marking cycle should be spread.
	MixedCountTarget int
	// LiveThresholdPercent excludes regions more live than this from
	// mixed collections.
	LiveThresholdPercent int
	// HeapWastePercent is the reclaimable fraction of the heap below which
	// mixed collections stop.
	HeapWastePercent int
	// MaxOldPercent caps the old regions of one mixed collection, as a
	// percentage of the committed heap.
	MaxOldPercent int

	// Generational selects a fixed young generation and no concurrent
	// marking.
	Generational bool
}

// Candidate is an old region that may be collected in a mixed collection.
type Candidate struct {
	Region region.Index
	Used   mem.Bytes
	Live   mem.Bytes
}

// Reclaimable returns the bytes collecting c would free.
func (c Candidate) Reclaimable() mem.Bytes {
	return c.Used - c.Live
}

// CollectionSet is the result of SelectCollectionSet.
type CollectionSet struct {
	Kind  Kind
	Young []region.Index
	Old   []region.Index
	// Predicted is the predicted evacuation time.
	Predicted time.Duration
}

// CycleStats describes a finished collection.
type CycleStats struct {
	Kind  Kind
	Pause time.Duration
	// SinceLast is the mutator time since the previous collection ended.
	SinceLast time.Duration

	YoungRegions, OldRegions int
	YoungUsed                mem.Bytes // bytes in young cset regions
	Allocated                mem.Bytes // bytes allocated since the last collection
	Copied                   mem.Bytes
	Reclaimed                mem.Bytes

	// Heap shape after the collection.
	Committed   int
	OldTotal    int
	OldUsed     mem.Bytes
	Failed      bool // evacuation failed
}

// Predictions summarizes the policy's current model.
type Predictions struct {
	YoungTarget    int
	SurvivalRate   float64
	CopyCostNsPerB float64
	AllocRateBPerS float64
	Candidates     int
}

const (
	decay = 0.7
	sigma = 0.5
	// Assumed copy throughput before the first collection: 1 GiB/s.
	defaultCopyCost = 1.0 / float64(mem.GiB) * float64(time.Second)
	defaultSurvival = 0.25
)

// Policy is the collector policy of one heap.
type Policy struct {
	cfg     Config
	limiter *Limiter

	phase       atomic.Uint32
	youngTarget atomic.Int64

	mu       sync.Mutex
	copyCost *Seq // nanoseconds per copied byte
	survival *Seq // fraction of young bytes copied
	alloc    *Seq // bytes allocated per second of mutator time

	candidates      []Candidate // ranked, best first
	candidatesStart int         // candidates when marking finished
	concRequested   bool
}

// New returns a policy for a heap of committed regions.
func New(cfg Config, committed int, limiter *Limiter) *Policy {
	p := &Policy{
		cfg:      cfg,
		limiter:  limiter,
		copyCost: NewSeq(decay),
		survival: NewSeq(decay),
		alloc:    NewSeq(decay),
	}
	p.updateYoungTarget(committed, 0)
	return p
}

// Phase returns the current phase.
func (p *Policy) Phase() Phase {
	return Phase(p.phase.Load())
}

func (p *Policy) transition(from, to Phase) {
	if !p.phase.CompareAndSwap(uint32(from), uint32(to)) {
		fault.Throw("policy: illegal phase transition", "from", p.Phase(), "to", to, "want", from)
	}
}

// YoungTarget returns the number of young regions that triggers a young
// collection.
func (p *Policy) YoungTarget() int {
	return int(p.youngTarget.Load())
}

// ShouldCollect reports whether eden has reached its target. It is cheap
// enough for the allocation slow path.
func (p *Policy) ShouldCollect(eden int) bool {
	return eden >= p.YoungTarget()
}

// Begin starts a collection.
func (p *Policy) Begin() {
	p.transition(Idle, SelectingSet)
}

// NextKind returns the kind of the next evacuating collection. marking
// reports whether a concurrent marking cycle is in progress.
func (p *Policy) NextKind(marking bool) Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Generational {
		return Young
	}
	limiting := p.limiter != nil && p.limiter.Limiting()
	if !marking && len(p.candidates) > 0 && !limiting {
		return Mixed
	}
	if !marking && p.concRequested && !limiting {
		return ConcurrentStart
	}
	return Young
}

// SelectCollectionSet chooses the regions to evacuate. Every young region is
// included; a mixed collection adds old candidates while they fit the pause
// goal, at least the minimum per collection and at most MaxOldPercent of
// the heap.
func (p *Policy) SelectCollectionSet(kind Kind, young []region.Index, youngUsed mem.Bytes, committed int) CollectionSet {
	p.transition(SelectingSet, Evacuating)

	p.mu.Lock()
	defer p.mu.Unlock()
	cs := CollectionSet{Kind: kind, Young: young}
	cost := p.copyCost.Predict(sigma, defaultCopyCost)
	surv := min(1, p.survival.Predict(sigma, defaultSurvival))
	predicted := float64(youngUsed) * surv * cost
	if kind != Mixed || len(p.candidates) == 0 {
		cs.Predicted = time.Duration(predicted)
		return cs
	}

	minOld := (p.candidatesStart + p.cfg.MixedCountTarget - 1) / max(1, p.cfg.MixedCountTarget)
	maxOld := max(1, ceilPercent(committed, p.cfg.MaxOldPercent))
	budget := float64(p.cfg.PauseGoal)
	n := 0
	for _, c := range p.candidates {
		if n >= maxOld {
			break
		}
		t := float64(c.Live) * cost
		if n >= minOld && predicted+t > budget {
			break
		}
		predicted += t
		cs.Old = append(cs.Old, c.Region)
		n++
	}
	p.candidates = p.candidates[n:]
	cs.Predicted = time.Duration(predicted)
	return cs
}

// BeginCleanup moves from evacuation to cleanup.
func (p *Policy) BeginCleanup() {
	p.transition(Evacuating, Cleanup)
}

// RecordCycleStats folds a finished collection into the predictions, revises
// the young target, and ends the collection.
func (p *Policy) RecordCycleStats(st CycleStats) {
	p.transition(Cleanup, Idle)

	p.mu.Lock()
	defer p.mu.Unlock()
	if st.Kind != Full {
		if st.Copied > 0 {
			p.copyCost.Add(float64(st.Pause) / float64(st.Copied))
		}
		if st.YoungUsed > 0 {
			p.survival.Add(min(1, float64(st.Copied)/float64(st.YoungUsed)))
		}
	}
	if st.SinceLast > 0 {
		p.alloc.Add(float64(st.Allocated) / st.SinceLast.Seconds())
	}
	if st.Kind == Full {
		// A full collection invalidates the marking results.
		p.candidates = nil
		p.concRequested = false
	}
	if st.Kind == ConcurrentStart {
		p.concRequested = false
	}
	if !p.cfg.Generational && st.Kind != Full {
		heap := p.cfg.RegionSize.Mul(st.Committed)
		if st.OldUsed*100 >= heap*mem.Bytes(p.cfg.IHOPPercent) {
			p.concRequested = true
		}
	}
	p.updateYoungTarget(st.Committed, len(p.candidates))
}

// updateYoungTarget picks the largest young generation predicted to
// evacuate within the pause goal. p.mu must be held or p unpublished.
func (p *Policy) updateYoungTarget(committed, pendingOld int) {
	s := &p.cfg.Sizer
	var target int
	if p.cfg.Generational {
		young := s.GenerationalYoung(committed)
		target = max(1, young-s.MaxSurvivor(young))
	} else {
		lo := s.MinYoung(committed)
		hi := max(lo, s.MaxYoung(committed)-s.Reserve(committed))
		cost := p.copyCost.Predict(sigma, defaultCopyCost)
		surv := min(1, p.survival.Predict(sigma, defaultSurvival))
		perRegion := float64(s.RegionSize) * surv * cost
		target = hi
		if perRegion > 0 {
			budget := float64(p.cfg.PauseGoal)
			if pendingOld > 0 {
				// Leave room for old regions in the coming mixed
				// collections.
				budget /= 2
			}
			target = int(budget / perRegion)
		}
		target = min(max(target, lo), hi)
	}
	p.youngTarget.Store(int64(target))
}

// SetCandidates publishes the old regions found by a marking cycle. Regions
// more live than LiveThresholdPercent are dropped, the rest ranked by
// reclaimable bytes per predicted nanosecond. If what remains is less than
// HeapWastePercent of the heap, there is nothing worth a mixed collection.
func (p *Policy) SetCandidates(cands []Candidate, committed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cost := p.copyCost.Predict(sigma, defaultCopyCost)
	var keep []Candidate
	var total mem.Bytes
	for _, c := range cands {
		if c.Used == 0 || c.Live*100 > c.Used*mem.Bytes(p.cfg.LiveThresholdPercent) {
			continue
		}
		keep = append(keep, c)
		total += c.Reclaimable()
	}
	eff := func(c Candidate) float64 {
		return float64(c.Reclaimable()) / (float64(c.Live)*cost + 1)
	}
	sort.SliceStable(keep, func(i, j int) bool { return eff(keep[i]) > eff(keep[j]) })
	if total*100 < p.cfg.RegionSize.Mul(committed)*mem.Bytes(p.cfg.HeapWastePercent) {
		keep = nil
	}
	p.candidates = keep
	p.candidatesStart = len(keep)
	p.updateYoungTarget(committed, len(keep))
}

// Efficiency returns the ranking score of c.
func (p *Policy) Efficiency(c Candidate) float64 {
	p.mu.Lock()
	cost := p.copyCost.Predict(sigma, defaultCopyCost)
	p.mu.Unlock()
	return float64(c.Reclaimable()) / (float64(c.Live)*cost + 1) * float64(time.Millisecond)
}

// Candidates returns the pending mixed collection candidates.
func (p *Policy) Candidates() []region.Index {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := make([]region.Index, len(p.candidates))
	for i, c := range p.candidates {
		idx[i] = c.Region
	}
	return idx
}

// DropCandidates forgets pending candidates, e.g. when a full collection
// compacted them away.
func (p *Policy) DropCandidates() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = nil
}

// ConcurrentStartRequested reports whether old occupancy has crossed the
// IHOP threshold since the last concurrent start.
func (p *Policy) ConcurrentStartRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.concRequested
}

// DesiredTLAB returns the TLAB size for a mutator performing fraction of all
// allocation.
func (p *Policy) DesiredTLAB(fraction float64) mem.Bytes {
	return p.cfg.Sizer.DesiredTLAB(fraction, p.YoungTarget())
}

// ResizeAfterFull returns the committed region count to aim for.
func (p *Policy) ResizeAfterFull(used, committed int) int {
	return p.cfg.Sizer.ResizeAfterFull(used, committed)
}

// Predictions returns the current model.
func (p *Policy) Predictions() Predictions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Predictions{
		YoungTarget:    p.YoungTarget(),
		SurvivalRate:   p.survival.Avg(),
		CopyCostNsPerB: p.copyCost.Avg(),
		AllocRateBPerS: p.alloc.Avg(),
		Candidates:     len(p.candidates),
	}
}
