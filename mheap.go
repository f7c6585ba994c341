// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gcheap/internal/cardtable"
	"gcheap/internal/fault"
	"gcheap/internal/mem"
	"gcheap/internal/policy"
	"gcheap/internal/region"
	"gcheap/internal/remset"
	"gcheap/internal/work"
)

// Addr is the address of an object in the heap. The zero Addr is nil.
type Addr = mem.Addr

// Bytes is a byte count.
type Bytes = mem.Bytes

// ErrClosed is returned by operations on a closed heap.
var ErrClosed = errors.New("gcheap: heap closed")

// Heap is a garbage-collected heap. All of its methods are safe for
// concurrent use.
type Heap struct {
	cfg Config
	log *slog.Logger

	arena   *mem.Arena
	regions *region.Table
	cards   *cardtable.Table
	geo     remset.Geometry
	types   typeTable

	limiter *policy.Limiter
	policy  *policy.Policy
	sizer   policy.Sizer
	satb    *work.SATBSet
	sp      safepoint

	// gcLock serializes pauses. It is held while the world is stopped.
	gcLock sync.Mutex
	// gcCount counts completed pauses that reclaim memory.
	gcCount atomic.Uint32
	// lastPauseEnd is when the last evacuating or full pause ended, in
	// heap nanoseconds. It is only accessed with the world stopped.
	lastPauseEnd int64

	// Mutator allocation. allocMu guards replacing allocRegion, the eden
	// region TLABs are carved from.
	allocMu            sync.Mutex
	allocRegion        atomic.Pointer[region.Region]
	edenRegions        atomic.Int32
	humongousThreshold Bytes

	globals     Globals
	rootMu      sync.Mutex
	rootSources []*rootEntry

	mark    marker
	barrier barrierCounters
	stats   heapStats

	nextMutatorID atomic.Int32
	epoch         time.Time
	removeDumper  func()
	closed        atomic.Bool
}

// New returns a heap configured by cfg. The initial heap is committed
// before New returns.
func New(cfg Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()

	arena, err := mem.Reserve(cfg.MaxHeapSize)
	if err != nil {
		return nil, fmt.Errorf("gcheap: reserving heap: %w", err)
	}
	h := &Heap{
		cfg:                cfg,
		log:                cfg.Logger,
		arena:              arena,
		humongousThreshold: cfg.RegionSize / 2,
		epoch:              time.Now(),
	}
	h.geo = remset.Geometry{
		Base:           arena.Base(),
		CardShift:      cfg.CardSize.Log2(),
		CardsPerRegion: cfg.RegionSize.Div(cfg.CardSize),
	}
	h.regions = region.NewTable(arena, cfg.RegionSize, h.geo, cfg.Workers, cfg.RemSetCoarsenThreshold)
	h.cards = cardtable.New(arena.Range(), cfg.CardSize)
	if _, err := h.regions.Expand(cfg.InitialHeapSize.Div(cfg.RegionSize)); err != nil {
		arena.Release()
		return nil, fmt.Errorf("gcheap: committing initial heap: %w", err)
	}
	h.types.init()
	h.sp.init()
	h.globals.h = h
	h.satb = work.NewSATBSet(cfg.SATBBufferEntries)
	h.limiter = policy.NewLimiter(h.now(), cfg.Workers)
	pc := h.policyConfig()
	h.sizer = pc.Sizer
	h.policy = policy.New(pc, h.regions.Committed(), h.limiter)
	h.mark.init(h)
	h.stats.init()
	removeRegions := fault.AddDumper(fmt.Sprintf("heap %p regions", h), h.dumpRegions)
	removeGraph := fault.AddDumper(fmt.Sprintf("heap %p objects", h), h.dumpGraph)
	h.removeDumper = func() {
		removeRegions()
		removeGraph()
	}

	h.log.Info("heap initialized",
		"kind", cfg.Kind,
		"initial", cfg.InitialHeapSize,
		"max", cfg.MaxHeapSize,
		"region_size", cfg.RegionSize,
		"regions", h.regions.Len(),
		"workers", cfg.Workers)
	return h, nil
}

func (h *Heap) policyConfig() policy.Config {
	c := &h.cfg
	return policy.Config{
		Sizer: policy.Sizer{
			RegionSize:       c.RegionSize,
			MinRegions:       c.MinHeapSize.Div(c.RegionSize),
			InitialRegions:   c.InitialHeapSize.Div(c.RegionSize),
			MaxRegions:       c.MaxHeapSize.Div(c.RegionSize),
			MinYoungPercent:  c.MinYoungPercent,
			MaxYoungPercent:  c.MaxYoungPercent,
			ReservePercent:   c.ReservePercent,
			NewRatio:         c.NewRatio,
			SurvivorRatio:    c.SurvivorRatio,
			MinHeapFreeRatio: c.MinHeapFreeRatio,
			MaxHeapFreeRatio: c.MaxHeapFreeRatio,
			MinTLAB:          c.MinTLABSize,
			MaxTLAB:          c.MaxTLABSize,
			TargetRefills:    c.TLABRefills,
		},
		PauseGoal:            c.PauseTimeGoal,
		IHOPPercent:          c.IHOPPercent,
		MixedCountTarget:     c.MixedCountTarget,
		LiveThresholdPercent: c.LiveThresholdPercent,
		HeapWastePercent:     c.HeapWastePercent,
		MaxOldPercent:        c.MaxOldPercent,
		Generational:         c.Kind == KindGenerational,
	}
}

// Close stops concurrent marking and releases the heap's memory. Mutators
// must be closed first; any object address becomes invalid.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if n := h.sp.numMutators(); n > 0 {
		fault.Throw("gcheap: Close with live mutators", "mutators", n)
	}
	h.mark.abort()
	h.mark.wait()
	h.removeDumper()
	h.stopNotifyAll()
	return h.arena.Release()
}

// Kind returns the collector kind.
func (h *Heap) Kind() Kind {
	return h.cfg.Kind
}

// Config returns the configuration in effect, with defaults filled in.
func (h *Heap) Config() Config {
	return h.cfg
}

// now returns monotonic nanoseconds since the heap was created.
func (h *Heap) now() int64 {
	return int64(time.Since(h.epoch))
}

// Contains reports whether a is a heap address.
func (h *Heap) Contains(a Addr) bool {
	return h.regions.Contains(a)
}

// SizeOf returns the size of the object at obj, header included.
func (h *Heap) SizeOf(obj Addr) Bytes {
	return h.loadHeader(h.checkObject(obj)).size()
}

// TypeOf returns the type of the object at obj.
func (h *Heap) TypeOf(obj Addr) TypeID {
	return h.loadHeader(h.checkObject(obj)).typ()
}

// checkObject faults unless obj is the start of an allocated object.
func (h *Heap) checkObject(obj Addr) Addr {
	r := h.regions.Lookup(obj)
	if r.State() == region.Free || obj >= r.Top() || !r.Starts.Has(r.WordIndex(obj)) {
		fault.Throw("gcheap: not an object", "addr", obj, "region", r.String())
	}
	return obj
}

// dumpRegions is the fault dumper listing every committed region.
func (h *Heap) dumpRegions(w io.Writer) {
	for r := range h.regions.All() {
		if r.State() == region.Free {
			continue
		}
		fmt.Fprintf(w, "%v tams=%v live=%v rem=%d\n", r, r.TAMS(), r.LiveBytes(), r.Rem.Len())
	}
}
