// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package remset

import (
	"slices"
	"sync"
	"testing"

	"gcheap/internal/cardtable"
	"gcheap/internal/mem"
)

// 4 KiB regions of eight 512-byte cards.
var geo = Geometry{Base: mem.ArenaBase, CardShift: 9, CardsPerRegion: 8}

func field(region, card int, off mem.Bytes) mem.Addr {
	return mem.ArenaBase.Plus(mem.Bytes(region)*4*mem.KiB + mem.Bytes(card)*512 + off)
}

func TestAddAndDrain(t *testing.T) {
	s := New(0, geo, 2, 0)
	s.AddReference(3, field(3, 1, 8), MutatorWorker)
	s.AddReference(3, field(3, 1, 16), 0) // same card, other partition
	s.AddReference(2, field(2, 7, 0), 1)
	s.AddReference(5, field(5, 0, 0), 0)

	if !s.Contains(geo.Card(field(3, 1, 0))) {
		t.Fatalf("Contains missed a worker-partition card")
	}
	if s.Contains(geo.Card(field(3, 2, 0))) {
		t.Fatalf("Contains reported an unrecorded card")
	}

	want := []cardtable.Card{2*8 + 7, 3*8 + 1, 5 * 8}
	if got := slices.Collect(s.Drain()); !slices.Equal(got, want) {
		t.Fatalf("Drain = %v, want %v", got, want)
	}
	if got := slices.Collect(s.Drain()); len(got) != 0 {
		t.Fatalf("second Drain yielded %v", got)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after drain", s.Len())
	}
}

func TestDrainIsNotRestartable(t *testing.T) {
	s := New(0, geo, 1, 0)
	s.AddReference(1, field(1, 0, 0), MutatorWorker)
	seq := s.Drain()
	n := 0
	for range seq {
		n++
	}
	for range seq {
		n++
	}
	if n != 1 {
		t.Fatalf("iterating one Drain twice yielded %d cards, want 1", n)
	}
}

func TestDuplicatesAndCoarsening(t *testing.T) {
	s := New(0, geo, 1, 2)
	s.AddReference(1, field(1, 3, 0), 0)
	s.AddReference(1, field(1, 3, 8), 0)
	if got := s.Stats().Duplicates; got != 1 {
		t.Fatalf("Duplicates = %d, want 1", got)
	}
	s.AddReference(2, field(2, 0, 0), 0)
	s.AddReference(4, field(4, 0, 0), 0) // third source region coarsens region 1

	st := s.Stats()
	if st.Coarsenings != 1 || st.CoarseRegions != 1 || st.FineRegions != 2 {
		t.Fatalf("after coarsening: %+v", st)
	}
	// A coarse region covers every one of its cards.
	for c := 0; c < 8; c++ {
		if !s.Contains(geo.Card(field(1, c, 0))) {
			t.Fatalf("coarse region 1 does not contain card %d", c)
		}
	}
	if st.Entries != 8+1+1 {
		t.Fatalf("Entries = %d, want 10", st.Entries)
	}

	s.Merge()
	if got := s.Len(); got != 10 {
		t.Fatalf("Len after merge = %d, want 10", got)
	}
}

func TestDropFrom(t *testing.T) {
	s := New(0, geo, 1, 0)
	s.AddReference(1, field(1, 0, 0), 0)
	s.AddReference(2, field(2, 0, 0), MutatorWorker)
	s.DropFrom(func(from uint32) bool { return from == 1 })
	if got, want := slices.Collect(s.All()), []cardtable.Card{16}; !slices.Equal(got, want) {
		t.Fatalf("All after DropFrom = %v, want %v", got, want)
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len after Clear = %d", s.Len())
	}
}

func TestParallelAdd(t *testing.T) {
	const workers = 4
	s := New(0, geo, workers, 0)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 1; r < 16; r++ {
				for c := 0; c < 8; c++ {
					s.AddReference(uint32(r), field(r, c, mem.Bytes(w)*8), w)
				}
			}
			s.AddReference(1, field(1, 0, 0), MutatorWorker)
		}()
	}
	wg.Wait()
	s.Merge()
	if got := s.Len(); got != 15*8 {
		t.Fatalf("Len = %d, want %d", got, 15*8)
	}
}
