// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"fmt"
	"iter"
	"sync"

	"gcheap/internal/bitmap"
	"gcheap/internal/fault"
	"gcheap/internal/mem"
	"gcheap/internal/remset"
)

// Table owns every region of the heap. The regions tile the arena
// reservation; only committed regions may be used. Committed free regions
// are kept in address order.
type Table struct {
	arena      *mem.Arena
	regionSize mem.Bytes
	shift      uint
	regions    []*Region

	mu        sync.Mutex // guards free and committed
	free      indexRanges
	committed int
}

// NewTable divides arena into regions of regionSize bytes, none of them
// committed. Each region gets a remembered set with the given number of
// worker partitions.
func NewTable(arena *mem.Arena, regionSize mem.Bytes, geo remset.Geometry, workers, coarsenAt int) *Table {
	ar := arena.Range()
	if !regionSize.IsPowerOfTwo() || ar.Len%regionSize != 0 {
		fault.Throw("region: bad region size", "region_size", regionSize, "arena", ar)
	}
	n := ar.Len.Div(regionSize)
	words := uint64(regionSize.Words())
	t := &Table{
		arena:      arena,
		regionSize: regionSize,
		shift:      regionSize.Log2(),
		regions:    make([]*Region, n),
	}
	for i := range t.regions {
		bottom := ar.Start.Plus(regionSize.Mul(i))
		r := &Region{
			idx:      Index(i),
			bottom:   bottom,
			end:      bottom.Plus(regionSize),
			humStart: Index(i),
			Rem:      remset.New(uint32(i), geo, workers, coarsenAt),
			Starts:   bitmap.NewAtomicSet(words),
			Marks:    bitmap.NewAtomicSet(words),
		}
		r.top.Store(uint64(bottom))
		r.tams.Store(uint64(bottom))
		t.regions[i] = r
	}
	return t
}

// RegionSize returns the size of every region.
func (t *Table) RegionSize() mem.Bytes {
	return t.regionSize
}

// Len returns the number of regions, committed or not.
func (t *Table) Len() int {
	return len(t.regions)
}

func (t *Table) At(i Index) *Region {
	return t.regions[i]
}

// Contains reports whether a lies in the arena.
func (t *Table) Contains(a mem.Addr) bool {
	return t.arena.Range().Contains(a)
}

// Lookup returns the region containing a. An address outside the heap is a
// fatal error.
func (t *Table) Lookup(a mem.Addr) *Region {
	if !t.Contains(a) {
		fault.Throw("region: address outside heap", "addr", a, "heap", t.arena.Range())
	}
	return t.regions[a.Minus(t.arena.Base())>>t.shift]
}

// Committed returns the number of committed regions.
func (t *Table) Committed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// FreeCount returns the number of committed free regions.
func (t *Table) FreeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.free.total
}

// Allocate takes the lowest free region and gives it state s.
func (t *Table) Allocate(s State) (*Region, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	got, ok := t.free.removeFirstFit(1)
	if !ok {
		return nil, false
	}
	r := t.regions[got.base]
	r.SetState(s)
	return r, true
}

// AllocateHumongous takes the lowest run of n contiguous free regions for an
// object of size bytes. The first region starts the object; top of every
// region covers its part of the object.
func (t *Table) AllocateHumongous(size mem.Bytes) (*Region, bool) {
	n := size.CeilDiv(t.regionSize)
	t.mu.Lock()
	got, ok := t.free.removeFirstFit(n)
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	first := t.regions[got.base]
	remaining := size
	for i := got.base; i < got.limit; i++ {
		r := t.regions[i]
		r.humStart = got.base
		if i == got.base {
			r.SetState(StartsHumongous)
		} else {
			r.SetState(ContinuesHumongous)
		}
		used := min(remaining, t.regionSize)
		r.SetTop(r.bottom.Plus(used))
		remaining -= used
	}
	return first, true
}

// Humongous yields the regions of the humongous object starting at r.
func (t *Table) Humongous(r *Region) iter.Seq[*Region] {
	return func(yield func(*Region) bool) {
		if r.State() != StartsHumongous {
			fault.Throw("region: not a humongous start", "region", r.idx, "state", r.State())
		}
		if !yield(r) {
			return
		}
		for i := int(r.idx) + 1; i < len(t.regions); i++ {
			c := t.regions[i]
			if c.State() != ContinuesHumongous || c.humStart != r.idx {
				return
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Release resets r and returns it to the free list.
func (t *Table) Release(r *Region) {
	r.reset()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !r.committed.Load() {
		fault.Throw("region: releasing uncommitted region", "region", r.idx)
	}
	t.free.add(indexRange{r.idx, r.idx + 1})
}

// Expand commits up to n more regions, lowest indices first, and returns how
// many it committed.
func (t *Table) Expand(n int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, r := range t.regions {
		if added == n {
			break
		}
		if r.committed.Load() {
			continue
		}
		if err := t.arena.Commit(r.Range()); err != nil {
			return added, fmt.Errorf("region: expand: %w", err)
		}
		r.committed.Store(true)
		r.reset()
		t.free.add(indexRange{r.idx, r.idx + 1})
		t.committed++
		added++
	}
	return added, nil
}

// Shrink decommits up to n free regions, highest indices first, and returns
// how many it decommitted.
func (t *Table) Shrink(n int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for removed < n {
		got := t.free.removeLast(n - removed)
		if got.size() == 0 {
			break
		}
		for i := got.base; i < got.limit; i++ {
			r := t.regions[i]
			if err := t.arena.Decommit(r.Range()); err != nil {
				t.free.add(indexRange{i, got.limit})
				return removed, fmt.Errorf("region: shrink: %w", err)
			}
			r.committed.Store(false)
			t.committed--
			removed++
		}
	}
	return removed, nil
}

// All yields every committed region in address order.
func (t *Table) All() iter.Seq[*Region] {
	return func(yield func(*Region) bool) {
		for _, r := range t.regions {
			if r.committed.Load() && !yield(r) {
				return
			}
		}
	}
}

// Count returns the number of committed regions in state s.
func (t *Table) Count(s State) int {
	n := 0
	for r := range t.All() {
		if r.State() == s {
			n++
		}
	}
	return n
}
