// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cardtable

import (
	"slices"
	"sync"
	"testing"

	"gcheap/internal/fault"
	"gcheap/internal/mem"
)

func newTable(t *testing.T, cards int) *Table {
	t.Helper()
	return New(mem.Range{Start: mem.ArenaBase, Len: mem.Bytes(cards) * 512}, 512)
}

func TestIndexAndRange(t *testing.T) {
	tab := newTable(t, 16)
	for _, tc := range []struct {
		off  mem.Bytes
		card Card
	}{
		{0, 0},
		{511, 0},
		{512, 1},
		{4096, 8}, // a region boundary belongs to the card that starts there
		{16*512 - 8, 15},
	} {
		if got := tab.Index(mem.ArenaBase.Plus(tc.off)); got != tc.card {
			t.Errorf("Index(base+%d) = %d, want %d", tc.off, got, tc.card)
		}
	}
	r := tab.Range(3)
	if r.Start != mem.ArenaBase.Plus(3*512) || r.Len != 512 {
		t.Errorf("Range(3) = %s", r)
	}
}

func TestOutOfHeapFaults(t *testing.T) {
	tab := newTable(t, 4)
	defer func() {
		if _, ok := recover().(*fault.Error); !ok {
			t.Fatalf("dirtying outside the heap did not fault")
		}
	}()
	tab.Dirty(mem.ArenaBase.Plus(4 * 512))
}

func TestDirtyClaimClean(t *testing.T) {
	tab := newTable(t, 10)
	for _, c := range []Card{1, 4, 5, 9} {
		tab.DirtyCard(c)
	}
	if got, want := slices.Collect(tab.DirtyCards(0, 10)), []Card{1, 4, 5, 9}; !slices.Equal(got, want) {
		t.Fatalf("DirtyCards = %v, want %v", got, want)
	}
	if got := tab.CountDirty(2, 4); got != 2 {
		t.Fatalf("CountDirty(2, 4) = %d, want 2", got)
	}

	if !tab.Claim(4) {
		t.Fatalf("Claim(4) failed on a dirty card")
	}
	if tab.Claim(4) {
		t.Fatalf("second Claim(4) succeeded")
	}
	if tab.Claim(3) {
		t.Fatalf("Claim(3) succeeded on a clean card")
	}
	if tab.IsDirty(4) {
		t.Fatalf("claimed card still reads dirty")
	}
	// A store while claimed must survive the release.
	tab.DirtyCard(4)
	tab.Release(4)
	if !tab.IsDirty(4) {
		t.Fatalf("re-dirtied card lost on release")
	}
	tab.Claim(5)
	tab.Release(5)
	if tab.Value(5) != Clean {
		t.Fatalf("released card = %d, want clean", tab.Value(5))
	}

	tab.CleanRange(0, 10)
	if n := tab.CountDirty(0, 10); n != 0 {
		t.Fatalf("%d dirty cards after CleanRange", n)
	}
}

func TestConcurrentDirtyIsIdempotent(t *testing.T) {
	const cards, goroutines = 64, 16
	tab := newTable(t, cards)
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := Card(0); c < cards; c += 2 {
				a := tab.Range(c).Start.Plus(8)
				tab.Dirty(a)
				tab.Dirty(a)
			}
		}()
	}
	wg.Wait()

	got := slices.Collect(tab.DirtyCards(0, cards))
	if len(got) != cards/2 {
		t.Fatalf("scan saw %d dirty cards, want %d", len(got), cards/2)
	}
	for _, c := range got {
		if c%2 != 0 || tab.Value(c) != Dirty {
			t.Fatalf("card %d has value %d", c, tab.Value(c))
		}
	}
	if got := tab.Stats().Dirtied; got != cards/2 {
		t.Fatalf("Dirtied = %d, want %d transitions", got, cards/2)
	}
}
