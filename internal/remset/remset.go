// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package remset implements per-region remembered sets.
//
// The remembered set of a region R records the cards, anywhere else in the
// heap, that may hold a reference into R. Collecting R then only needs to
// scan R's set instead of the whole heap. A set may over-approximate: a
// recorded card whose reference has since been overwritten costs a scan but
// is harmless. It must never under-approximate.
//
// Entries are grouped by source region. Each source region is tracked either
// "fine", as a bitmap of its cards, or "coarse", meaning every card of the
// source region. A set that tracks too many fine source regions coarsens the
// oldest one, bounding its memory.
//
// Parallel GC workers add to private partitions without locking. The
// mutator partition (worker -1) is shared and guarded by a mutex. Merge folds
// the private partitions into the shared one after the workers join.
package remset

import (
	"iter"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"gcheap/internal/bitmap"
	"gcheap/internal/cardtable"
	"gcheap/internal/fault"
	"gcheap/internal/mem"
)

// MutatorWorker is the worker id for additions from outside a parallel GC
// phase.
const MutatorWorker = -1

// Geometry maps addresses to cards and cards to regions.
type Geometry struct {
	Base           mem.Addr
	CardShift      uint
	CardsPerRegion int
}

// Card returns the card containing a.
func (g Geometry) Card(a mem.Addr) cardtable.Card {
	return cardtable.Card(a.Minus(g.Base) >> g.CardShift)
}

// Region returns the region index containing card c.
func (g Geometry) Region(c cardtable.Card) uint32 {
	return uint32(c / cardtable.Card(g.CardsPerRegion))
}

func (g Geometry) firstCard(region uint32) cardtable.Card {
	return cardtable.Card(region) * cardtable.Card(g.CardsPerRegion)
}

type partition struct {
	fine   map[uint32]bitmap.Set[uint64]
	coarse map[uint32]struct{}
	order  []uint32 // fine source regions, oldest first
}

type workerPartition struct {
	partition
	_ cpu.CacheLinePad
}

// Set is the remembered set of one region.
type Set struct {
	owner     uint32
	geo       Geometry
	coarsenAt int

	nworkers int
	mu       sync.Mutex
	shared   partition
	// workers is allocated on the first addition from a GC worker. Most
	// regions never receive one.
	workers atomic.Pointer[[]workerPartition]

	duplicates  atomic.Uint64
	coarsenings atomic.Uint64
}

// Stats describes the occupancy of a set.
type Stats struct {
	Entries       int    // cards covered, counting coarse regions in full
	FineRegions   int    // source regions tracked per card
	CoarseRegions int    // source regions tracked whole
	Duplicates    uint64 // additions of an already recorded card
	Coarsenings   uint64 // fine source regions converted to coarse
}

// New returns an empty set for region owner. workers is the number of
// private partitions; coarsenAt is the number of fine source regions kept
// before coarsening (0 means never).
func New(owner uint32, geo Geometry, workers, coarsenAt int) *Set {
	return &Set{
		owner:     owner,
		geo:       geo,
		coarsenAt: coarsenAt,
		nworkers:  workers,
	}
}

// Owner returns the index of the region the set belongs to.
func (s *Set) Owner() uint32 {
	return s.owner
}

// AddReference records that the field at address field, in region from, may
// hold a reference into the owning region. worker selects the partition.
func (s *Set) AddReference(from uint32, field mem.Addr, worker int) {
	c := s.geo.Card(field)
	if s.geo.Region(c) != from {
		fault.Throw("remset: field not in source region", "field", field, "from", from)
	}
	if worker == MutatorWorker {
		s.mu.Lock()
		s.add(&s.shared, from, c)
		s.mu.Unlock()
		return
	}
	s.add(&s.workerPartitions()[worker].partition, from, c)
}

func (s *Set) workerPartitions() []workerPartition {
	if ws := s.workers.Load(); ws != nil {
		return *ws
	}
	ws := make([]workerPartition, s.nworkers)
	if s.workers.CompareAndSwap(nil, &ws) {
		return ws
	}
	return *s.workers.Load()
}

// partitions returns the worker partitions allocated so far.
func (s *Set) partitions() []workerPartition {
	if ws := s.workers.Load(); ws != nil {
		return *ws
	}
	return nil
}

func (s *Set) add(p *partition, from uint32, c cardtable.Card) {
	if _, ok := p.coarse[from]; ok {
		s.duplicates.Add(1)
		return
	}
	cards, ok := p.fine[from]
	if !ok {
		if p.fine == nil {
			p.fine = make(map[uint32]bitmap.Set[uint64])
		}
		cards = bitmap.NewSet[uint64](uint64(s.geo.CardsPerRegion))
		p.fine[from] = cards
		p.order = append(p.order, from)
		s.maybeCoarsen(p)
	}
	if !cards.TryAdd(uint64(c - s.geo.firstCard(from))) {
		s.duplicates.Add(1)
	}
}

func (s *Set) maybeCoarsen(p *partition) {
	for s.coarsenAt > 0 && len(p.fine) > s.coarsenAt {
		victim := p.order[0]
		p.order = p.order[1:]
		if _, ok := p.fine[victim]; !ok {
			continue
		}
		delete(p.fine, victim)
		p.addCoarse(victim)
		s.coarsenings.Add(1)
	}
}

func (p *partition) addCoarse(from uint32) {
	if p.coarse == nil {
		p.coarse = make(map[uint32]struct{})
	}
	p.coarse[from] = struct{}{}
}

func (p *partition) empty() bool {
	return len(p.fine) == 0 && len(p.coarse) == 0
}

func (p *partition) reset() {
	*p = partition{}
}

// mergeFrom folds q into p and empties q.
func (s *Set) mergeFrom(p, q *partition) {
	for from := range q.coarse {
		delete(p.fine, from)
		p.addCoarse(from)
	}
	for _, from := range q.order {
		cards, ok := q.fine[from]
		if !ok {
			continue
		}
		if _, ok := p.coarse[from]; ok {
			continue
		}
		if have, ok := p.fine[from]; ok {
			have.Union(cards)
			continue
		}
		if p.fine == nil {
			p.fine = make(map[uint32]bitmap.Set[uint64])
		}
		p.fine[from] = cards
		p.order = append(p.order, from)
		s.maybeCoarsen(p)
	}
	q.reset()
}

// Merge folds every worker partition into the shared partition. It must not
// run concurrently with additions from workers.
func (s *Set) Merge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.partitions()
	for i := range ws {
		if !ws[i].empty() {
			s.mergeFrom(&s.shared, &ws[i].partition)
		}
	}
}

// Drain merges, then yields every recorded card once and leaves the set
// empty. Each call to the returned sequence takes whatever the set holds at
// that moment, so iterating it a second time yields nothing unless cards
// were added in between.
func (s *Set) Drain() iter.Seq[cardtable.Card] {
	return func(yield func(cardtable.Card) bool) {
		s.Merge()
		s.mu.Lock()
		p := s.shared
		s.shared.reset()
		s.mu.Unlock()
		for c := range s.cards(&p) {
			if !yield(c) {
				return
			}
		}
	}
}

// cards yields the cards of p, coarse regions first, in source region order.
func (s *Set) cards(p *partition) iter.Seq[cardtable.Card] {
	return func(yield func(cardtable.Card) bool) {
		for _, from := range sortedKeys(p.coarse) {
			first := s.geo.firstCard(from)
			for i := range s.geo.CardsPerRegion {
				if !yield(first + cardtable.Card(i)) {
					return
				}
			}
		}
		for _, from := range sortedKeys(p.fine) {
			first := s.geo.firstCard(from)
			for off := range p.fine[from].All() {
				if !yield(first + cardtable.Card(off)) {
					return
				}
			}
		}
	}
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// All yields the recorded cards without consuming them. A card recorded in
// several partitions may be yielded more than once. The set must not be
// modified during the iteration.
func (s *Set) All() iter.Seq[cardtable.Card] {
	return func(yield func(cardtable.Card) bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for c := range s.cards(&s.shared) {
			if !yield(c) {
				return
			}
		}
		ws := s.partitions()
		for i := range ws {
			for c := range s.cards(&ws[i].partition) {
				if !yield(c) {
					return
				}
			}
		}
	}
}

func (p *partition) contains(from uint32, off uint64) bool {
	if _, ok := p.coarse[from]; ok {
		return true
	}
	cards, ok := p.fine[from]
	return ok && cards.Has(off)
}

// Contains reports whether card c is covered by the set.
func (s *Set) Contains(c cardtable.Card) bool {
	from := s.geo.Region(c)
	off := uint64(c - s.geo.firstCard(from))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shared.contains(from, off) {
		return true
	}
	ws := s.partitions()
	for i := range ws {
		if ws[i].contains(from, off) {
			return true
		}
	}
	return false
}

func (p *partition) drop(dead func(from uint32) bool) {
	for from := range p.coarse {
		if dead(from) {
			delete(p.coarse, from)
		}
	}
	for from := range p.fine {
		if dead(from) {
			delete(p.fine, from)
		}
	}
	live := p.order[:0]
	for _, from := range p.order {
		if _, ok := p.fine[from]; ok {
			live = append(live, from)
		}
	}
	p.order = live
}

// DropFrom removes every entry whose source region satisfies dead.
func (s *Set) DropFrom(dead func(from uint32) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shared.drop(dead)
	ws := s.partitions()
	for i := range ws {
		ws[i].drop(dead)
	}
}

// Clear empties the set.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shared.reset()
	ws := s.partitions()
	for i := range ws {
		ws[i].reset()
	}
}

func (p *partition) stats(cardsPerRegion int, st *Stats) {
	st.CoarseRegions += len(p.coarse)
	st.FineRegions += len(p.fine)
	st.Entries += len(p.coarse) * cardsPerRegion
	for _, cards := range p.fine {
		st.Entries += cards.Len()
	}
}

// Len returns the number of cards covered by the set.
func (s *Set) Len() int {
	return s.Stats().Entries
}

func (s *Set) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Duplicates:  s.duplicates.Load(),
		Coarsenings: s.coarsenings.Load(),
	}
	s.shared.stats(s.geo.CardsPerRegion, &st)
	ws := s.partitions()
	for i := range ws {
		ws[i].stats(s.geo.CardsPerRegion, &st)
	}
	return st
}
