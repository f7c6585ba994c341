// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package region implements the fixed-size regions the heap is divided into
// and the table that owns them.
package region

import (
	"fmt"
	"sync/atomic"

	"gcheap/internal/bitmap"
	"gcheap/internal/fault"
	"gcheap/internal/mem"
	"gcheap/internal/remset"
)

// Index identifies a region by its position in the table.
type Index uint32

// State is the role a region currently plays.
type State uint32

const (
	Free State = iota
	Eden
	Survivor
	Old
	StartsHumongous
	ContinuesHumongous
)

var stateNames = [...]string{
	Free:               "free",
	Eden:               "eden",
	Survivor:           "survivor",
	Old:                "old",
	StartsHumongous:    "humongous-start",
	ContinuesHumongous: "humongous-cont",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

func (s State) IsYoung() bool {
	return s == Eden || s == Survivor
}

func (s State) IsHumongous() bool {
	return s == StartsHumongous || s == ContinuesHumongous
}

// IsOld reports whether regions in state s belong to the old generation.
// Humongous regions are old.
func (s State) IsOld() bool {
	return s == Old || s.IsHumongous()
}

// A Region is a contiguous, fixed-size slice of the heap.
//
// bottom ≤ top ≤ end holds at all times. Allocation moves top with a CAS so
// several goroutines can carve a shared region.
type Region struct {
	idx    Index
	bottom mem.Addr
	end    mem.Addr

	top   atomic.Uint64
	state atomic.Uint32

	// tams is the top at mark start. Objects at or above it were allocated
	// after the marking snapshot and are implicitly live.
	tams atomic.Uint64
	// marked is the number of bytes marked live below tams.
	marked atomic.Uint64

	// humStart is the first region of the humongous object covering this
	// region.
	humStart Index

	committed atomic.Bool

	// Age of a survivor region, in collections survived.
	Age int

	// Efficiency is set when the region becomes a mixed collection
	// candidate: reclaimable bytes per predicted millisecond of copying.
	Efficiency float64

	Rem    *remset.Set
	Starts *bitmap.AtomicSet[uint64] // object starts, one bit per word
	Marks  *bitmap.AtomicSet[uint64] // marked objects, one bit per word
}

func (r *Region) Index() Index {
	return r.idx
}

func (r *Region) Bottom() mem.Addr {
	return r.bottom
}

func (r *Region) End() mem.Addr {
	return r.end
}

func (r *Region) Range() mem.Range {
	return mem.Range{Start: r.bottom, Len: r.end.Minus(r.bottom)}
}

func (r *Region) Size() mem.Bytes {
	return r.end.Minus(r.bottom)
}

func (r *Region) Contains(a mem.Addr) bool {
	return r.bottom <= a && a < r.end
}

func (r *Region) Top() mem.Addr {
	return mem.Addr(r.top.Load())
}

// SetTop moves top. A value outside [bottom, end] is a fatal error.
func (r *Region) SetTop(t mem.Addr) {
	r.checkTop(t)
	r.top.Store(uint64(t))
}

func (r *Region) checkTop(t mem.Addr) {
	if t < r.bottom || t > r.end {
		fault.Throw("region: top out of bounds", "region", r.idx, "bottom", r.bottom, "top", t, "end", r.end)
	}
}

// Used returns the bytes between bottom and top.
func (r *Region) Used() mem.Bytes {
	return r.Top().Minus(r.bottom)
}

// Free returns the bytes between top and end.
func (r *Region) Free() mem.Bytes {
	return r.end.Minus(r.Top())
}

func (r *Region) State() State {
	return State(r.state.Load())
}

func (r *Region) SetState(s State) {
	r.state.Store(uint32(s))
}

// ParAllocate carves n bytes from the region. It is safe for concurrent use
// and fails when fewer than n bytes remain.
func (r *Region) ParAllocate(n mem.Bytes) (mem.Addr, bool) {
	for {
		top := r.top.Load()
		next, ok := mem.Addr(top).PlusOK(n)
		if !ok || next > r.end {
			return 0, false
		}
		if r.top.CompareAndSwap(top, uint64(next)) {
			return mem.Addr(top), true
		}
	}
}

// ParAllocateUpTo carves between minSize and desired bytes, as many as
// remain.
func (r *Region) ParAllocateUpTo(minSize, desired mem.Bytes) (mem.Addr, mem.Bytes, bool) {
	for {
		top := r.top.Load()
		avail := r.end.Minus(mem.Addr(top))
		if avail < minSize {
			return 0, 0, false
		}
		n := min(desired, avail)
		if r.top.CompareAndSwap(top, top+uint64(n)) {
			return mem.Addr(top), n, true
		}
	}
}

// Undo returns [a, limit) to the region if it is still the most recent
// allocation. It reports whether it did.
func (r *Region) Undo(a, limit mem.Addr) bool {
	r.checkTop(a)
	return r.top.CompareAndSwap(uint64(limit), uint64(a))
}

// TAMS returns the top at mark start.
func (r *Region) TAMS() mem.Addr {
	return mem.Addr(r.tams.Load())
}

func (r *Region) SetTAMS(t mem.Addr) {
	r.checkTop(t)
	r.tams.Store(uint64(t))
}

// MarkedBytes returns the bytes marked below TAMS in the current cycle.
func (r *Region) MarkedBytes() mem.Bytes {
	return mem.Bytes(r.marked.Load())
}

func (r *Region) AddMarked(n mem.Bytes) {
	r.marked.Add(uint64(n))
}

// LiveBytes estimates the live bytes: marked bytes plus everything allocated
// since marking started.
func (r *Region) LiveBytes() mem.Bytes {
	return r.MarkedBytes() + r.Top().Minus(r.TAMS())
}

// ClearMarks prepares the region for a marking cycle.
func (r *Region) ClearMarks() {
	r.Marks.Clear()
	r.marked.Store(0)
	r.tams.Store(uint64(r.bottom))
}

// HumongousStart returns the index of the first region of the humongous
// object covering r.
func (r *Region) HumongousStart() Index {
	return r.humStart
}

// WordIndex returns the bitmap index of the word at a.
func (r *Region) WordIndex(a mem.Addr) uint64 {
	return uint64(a.Minus(r.bottom) / mem.WordBytes)
}

// WordAddr is the inverse of WordIndex.
func (r *Region) WordAddr(i uint64) mem.Addr {
	return r.bottom.PlusWords(mem.Words(i))
}

// reset returns the region to the free state.
func (r *Region) reset() {
	r.SetState(Free)
	r.top.Store(uint64(r.bottom))
	r.tams.Store(uint64(r.bottom))
	r.marked.Store(0)
	r.humStart = r.idx
	r.Age = 0
	r.Efficiency = 0
	r.Starts.Clear()
	r.Marks.Clear()
	r.Rem.Clear()
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d %s [%s,%s) top=%s", r.idx, r.State(), r.bottom, r.end, r.Top())
}
