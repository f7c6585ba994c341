// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mem

import (
	"testing"

	"gcheap/internal/fault"
)

func TestBytes(t *testing.T) {
	for _, tc := range []struct {
		b    Bytes
		want string
	}{
		{0, "0 bytes"},
		{3, "3 bytes"},
		{4 * KiB, "4 KiB"},
		{MiB, "1 MiB"},
		{3 * GiB, "3 GiB"},
		{KiB + 1, "1025 bytes"},
	} {
		if got := tc.b.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", uint64(tc.b), got, tc.want)
		}
	}
	if got := Bytes(100).AlignUp(64); got != 128 {
		t.Errorf("AlignUp = %d, want 128", got)
	}
	if !Bytes(4096).IsPowerOfTwo() || Bytes(4095).IsPowerOfTwo() || Bytes(0).IsPowerOfTwo() {
		t.Errorf("IsPowerOfTwo wrong")
	}
	if got := Bytes(512).Log2(); got != 9 {
		t.Errorf("Log2(512) = %d, want 9", got)
	}
}

func TestRange(t *testing.T) {
	r := Range{ArenaBase, 4 * KiB}
	if !r.Contains(ArenaBase) {
		t.Errorf("range does not contain its start")
	}
	if r.Contains(r.End()) {
		t.Errorf("range contains its end")
	}
	if r.Contains(ArenaBase - 1) {
		t.Errorf("range contains address below start")
	}
	if !r.Overlaps(Range{ArenaBase.Plus(4*KiB - 8), 16}) {
		t.Errorf("overlapping ranges reported disjoint")
	}
	if r.Overlaps(Range{r.End(), 16}) {
		t.Errorf("adjacent ranges reported overlapping")
	}
}

func TestArena(t *testing.T) {
	a, err := Reserve(64 * KiB)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	r := Range{a.Base(), 16 * KiB}
	if err := a.Commit(r); err != nil {
		t.Fatal(err)
	}
	if got := a.Committed(); got != 16*KiB {
		t.Fatalf("Committed = %s, want 16 KiB", got)
	}

	p := a.Base().Plus(64)
	if got := a.Load(p); got != 0 {
		t.Fatalf("fresh memory = %#x, want 0", got)
	}
	a.Store(p, 0xfeed)
	if !a.CompareAndSwap(p, 0xfeed, 0xbeef) {
		t.Fatalf("CAS failed")
	}
	if a.CompareAndSwap(p, 0xfeed, 1) {
		t.Fatalf("CAS with stale old value succeeded")
	}

	q := a.Base().Plus(1024)
	a.Copy(q, p, 1)
	if got := a.Load(q); got != 0xbeef {
		t.Fatalf("copied word = %#x, want 0xbeef", got)
	}
	a.Clear(p, 1)
	if got := a.Load(p); got != 0 {
		t.Fatalf("cleared word = %#x, want 0", got)
	}

	if err := a.Decommit(r); err != nil {
		t.Fatal(err)
	}
	if got := a.Committed(); got != 0 {
		t.Fatalf("Committed after decommit = %s, want 0", got)
	}
}

func TestArenaBadAddress(t *testing.T) {
	a, err := Reserve(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	for _, addr := range []Addr{0, a.Base().Plus(3), a.Range().End()} {
		func() {
			defer func() {
				if _, ok := recover().(*fault.Error); !ok {
					t.Errorf("index(%s) did not fault", addr)
				}
			}()
			a.index(addr)
		}()
	}
}
