// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"sync"
	"testing"

	"gcheap/internal/fault"
	"gcheap/internal/mem"
	"gcheap/internal/remset"
)

const testRegionSize = 4 * mem.KiB

func newTestTable(t *testing.T, regions, committed int) *Table {
	t.Helper()
	arena, err := mem.Reserve(testRegionSize.Mul(regions))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { arena.Release() })
	geo := remset.Geometry{Base: arena.Base(), CardShift: 9, CardsPerRegion: 8}
	tab := NewTable(arena, testRegionSize, geo, 2, 0)
	if n, err := tab.Expand(committed); err != nil || n != committed {
		t.Fatalf("Expand(%d) = %d, %v", committed, n, err)
	}
	return tab
}

func TestIndexRanges(t *testing.T) {
	var a indexRanges
	a.add(indexRange{4, 6})
	a.add(indexRange{0, 2})
	a.add(indexRange{2, 4}) // coalesces both ways
	if len(a.ranges) != 1 || a.ranges[0] != (indexRange{0, 6}) || a.total != 6 {
		t.Fatalf("after coalescing: %+v total %d", a.ranges, a.total)
	}
	a.add(indexRange{10, 12})
	if !a.contains(11) || a.contains(7) {
		t.Fatalf("contains wrong: %+v", a.ranges)
	}
	if got, ok := a.removeFirstFit(3); !ok || got != (indexRange{0, 3}) {
		t.Fatalf("removeFirstFit(3) = %+v, %v", got, ok)
	}
	if _, ok := a.removeFirstFit(4); ok {
		t.Fatalf("removeFirstFit(4) succeeded with %+v", a.ranges)
	}
	if got := a.removeLast(1); got != (indexRange{11, 12}) {
		t.Fatalf("removeLast(1) = %+v", got)
	}
	if got := a.removeLast(5); got != (indexRange{10, 11}) {
		t.Fatalf("removeLast(5) = %+v", got)
	}
	if a.total != 3 {
		t.Fatalf("total = %d, want 3", a.total)
	}
}

func TestParAllocate(t *testing.T) {
	tab := newTestTable(t, 4, 4)
	r, ok := tab.Allocate(Eden)
	if !ok || r.Index() != 0 || r.State() != Eden {
		t.Fatalf("Allocate = %v, %v", r, ok)
	}

	const goroutines, each = 8, 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[mem.Addr]bool{}
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				a, ok := r.ParAllocate(64)
				if !ok {
					t.Errorf("ParAllocate failed with %s free", r.Free())
					return
				}
				mu.Lock()
				if seen[a] {
					t.Errorf("address %s handed out twice", a)
				}
				seen[a] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if r.Free() != 0 {
		t.Fatalf("Free = %s after filling the region", r.Free())
	}
	if _, ok := r.ParAllocate(8); ok {
		t.Fatalf("ParAllocate succeeded on a full region")
	}

	// Only the most recent allocation can be undone.
	s, _ := tab.Allocate(Survivor)
	a, _ := s.ParAllocate(128)
	b, _ := s.ParAllocate(64)
	if s.Undo(a, a.Plus(128)) {
		t.Fatalf("undid a buried allocation")
	}
	if !s.Undo(b, b.Plus(64)) || s.Top() != b {
		t.Fatalf("Undo of the last allocation failed, top %s", s.Top())
	}
	p, n, ok := s.ParAllocateUpTo(64, 8*mem.KiB)
	if !ok || p != b || n != testRegionSize-128 {
		t.Fatalf("ParAllocateUpTo = %s, %s, %v", p, n, ok)
	}
}

func TestTopInvariant(t *testing.T) {
	tab := newTestTable(t, 2, 2)
	r := tab.At(1)
	defer func() {
		if _, ok := recover().(*fault.Error); !ok {
			t.Fatalf("SetTop past end did not fault")
		}
	}()
	r.SetTop(r.End().Plus(8))
}

func TestHumongousAndRelease(t *testing.T) {
	tab := newTestTable(t, 8, 6)
	tab.Allocate(Old) // region 0

	h, ok := tab.AllocateHumongous(2*testRegionSize + 16)
	if !ok || h.Index() != 1 {
		t.Fatalf("AllocateHumongous = %v, %v", h, ok)
	}
	var got []State
	for r := range tab.Humongous(h) {
		got = append(got, r.State())
		if r.HumongousStart() != 1 {
			t.Errorf("region %d humongous start %d", r.Index(), r.HumongousStart())
		}
	}
	if len(got) != 3 || got[0] != StartsHumongous || got[2] != ContinuesHumongous {
		t.Fatalf("humongous regions %v", got)
	}
	if used := tab.At(3).Used(); used != 16 {
		t.Fatalf("last humongous region used %s, want 16", used)
	}
	if _, ok := tab.AllocateHumongous(3 * testRegionSize); ok {
		t.Fatalf("found 3 contiguous regions among %d free", tab.FreeCount())
	}

	for r := range tab.Humongous(h) {
		tab.Release(r)
	}
	if tab.FreeCount() != 5 || tab.At(2).State() != Free || tab.At(2).Used() != 0 {
		t.Fatalf("after release: %d free, %v", tab.FreeCount(), tab.At(2))
	}
}

func TestExpandShrink(t *testing.T) {
	tab := newTestTable(t, 8, 2)
	if n, err := tab.Expand(10); err != nil || n != 6 {
		t.Fatalf("Expand(10) = %d, %v; want 6", n, err)
	}
	tab.Allocate(Old)
	if n, err := tab.Shrink(3); err != nil || n != 3 {
		t.Fatalf("Shrink(3) = %d, %v", n, err)
	}
	if tab.Committed() != 5 || tab.FreeCount() != 4 {
		t.Fatalf("committed %d free %d", tab.Committed(), tab.FreeCount())
	}
	for r := range tab.All() {
		if r.Index() >= 5 {
			t.Fatalf("region %d still committed", r.Index())
		}
	}
	if tab.Lookup(tab.At(4).Bottom().Plus(100)).Index() != 4 {
		t.Fatalf("Lookup returned the wrong region")
	}
}
