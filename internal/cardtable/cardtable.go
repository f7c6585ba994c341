// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cardtable implements the card table: a byte per fixed-size span
// of the heap ("card") recording whether a reference field in the card was
// written since the card was last scanned.
//
// Cards are packed four to a uint32 so that marking is a single atomic OR and
// claiming a single CAS. Mutators mark cards concurrently with each other and
// with refinement, so every access is atomic.
package cardtable

import (
	"iter"
	"sync/atomic"

	"gcheap/internal/fault"
	"gcheap/internal/mem"
)

// Card is the index of a card in the table.
type Card uint64

// Card values.
const (
	Clean   byte = 0
	Dirty   byte = 1 << 0
	Claimed byte = 1 << 1
)

const cardsPerWord = 4

// Table is a card table covering one contiguous address range.
type Table struct {
	covered mem.Range
	shift   uint
	n       int
	words   []atomic.Uint32

	// dirtied counts clean→dirty transitions. It is the number of cards a
	// scan would have to visit, so redundant dirties don't count.
	dirtied atomic.Uint64
	cleaned atomic.Uint64
}

// Stats are card table counters.
type Stats struct {
	Cards   int    // cards in the table
	Dirtied uint64 // clean to dirty transitions
	Cleaned uint64 // cards cleaned after a scan
}

// New returns a table covering r with cards of cardSize bytes. cardSize
// must be a power of two dividing r.Len.
func New(r mem.Range, cardSize mem.Bytes) *Table {
	if !cardSize.IsPowerOfTwo() || r.Len%cardSize != 0 {
		fault.Throw("cardtable: bad card size", "card_size", cardSize, "range", r)
	}
	n := r.Len.Div(cardSize)
	return &Table{
		covered: r,
		shift:   cardSize.Log2(),
		n:       n,
		words:   make([]atomic.Uint32, (n+cardsPerWord-1)/cardsPerWord),
	}
}

// CardSize returns the number of bytes covered by a card.
func (t *Table) CardSize() mem.Bytes {
	return 1 << t.shift
}

// Len returns the number of cards.
func (t *Table) Len() int {
	return t.n
}

// Index returns the card covering a. An address outside the table is a
// fatal error.
func (t *Table) Index(a mem.Addr) Card {
	if !t.covered.Contains(a) {
		fault.Throw("cardtable: address outside heap", "addr", a, "heap", t.covered)
	}
	return Card(a.Minus(t.covered.Start) >> t.shift)
}

// Range returns the address range covered by c.
func (t *Table) Range(c Card) mem.Range {
	t.check(c)
	return mem.Range{Start: t.covered.Start.Plus(mem.Bytes(c) << t.shift), Len: t.CardSize()}
}

func (t *Table) check(c Card) {
	if c >= Card(t.n) {
		fault.Throw("cardtable: card out of range", "card", c, "cards", t.n)
	}
}

func lane(c Card) (word int, shift uint) {
	return int(c / cardsPerWord), uint(c%cardsPerWord) * 8
}

// Value returns the current value of c.
func (t *Table) Value(c Card) byte {
	t.check(c)
	w, s := lane(c)
	return byte(t.words[w].Load() >> s)
}

func (t *Table) IsDirty(c Card) bool {
	return t.Value(c)&Dirty != 0
}

// Dirty marks the card covering a. It is idempotent and safe to call from
// any number of goroutines at once.
func (t *Table) Dirty(a mem.Addr) {
	t.DirtyCard(t.Index(a))
}

func (t *Table) DirtyCard(c Card) {
	t.check(c)
	w, s := lane(c)
	bit := uint32(Dirty) << s
	word := &t.words[w]
	// Most stores hit an already dirty card. Avoid the atomic RMW then.
	if word.Load()&bit != 0 {
		return
	}
	if word.Or(bit)&bit == 0 {
		t.dirtied.Add(1)
	}
}

// Claim atomically moves c from dirty to claimed. It reports false if c was
// not dirty or another worker claimed it first. A store after the claim
// dirties the card again, so the store is not lost.
func (t *Table) Claim(c Card) bool {
	t.check(c)
	w, s := lane(c)
	word := &t.words[w]
	for {
		old := word.Load()
		v := byte(old >> s)
		if v&Dirty == 0 || v&Claimed != 0 {
			return false
		}
		new := old&^(0xff<<s) | uint32(Claimed)<<s
		if word.CompareAndSwap(old, new) {
			return true
		}
	}
}

// Release ends a claim on c. The card stays dirty if it was dirtied again
// while claimed.
func (t *Table) Release(c Card) {
	t.check(c)
	w, s := lane(c)
	old := t.words[w].And(^(uint32(Claimed) << s))
	if byte(old>>s)&Dirty == 0 {
		t.cleaned.Add(1)
	}
}

// Clean resets c to clean.
func (t *Table) Clean(c Card) {
	t.check(c)
	w, s := lane(c)
	t.words[w].And(^(uint32(0xff) << s))
	t.cleaned.Add(1)
}

// CleanRange resets cards [first, first+n) to clean.
func (t *Table) CleanRange(first Card, n int) {
	if n == 0 {
		return
	}
	t.check(first + Card(n) - 1)
	c, end := first, first+Card(n)
	for ; c < end && c%cardsPerWord != 0; c++ {
		t.Clean(c)
	}
	for ; c+cardsPerWord <= end; c += cardsPerWord {
		t.words[c/cardsPerWord].Store(0)
		t.cleaned.Add(cardsPerWord)
	}
	for ; c < end; c++ {
		t.Clean(c)
	}
}

// DirtyCards yields the dirty cards in [first, first+n) in increasing order.
// Cards dirtied during the iteration may or may not be observed.
func (t *Table) DirtyCards(first Card, n int) iter.Seq[Card] {
	return func(yield func(Card) bool) {
		if n == 0 {
			return
		}
		t.check(first + Card(n) - 1)
		end := first + Card(n)
		for c := first; c < end; {
			w, s := lane(c)
			word := t.words[w].Load() >> s
			if word == 0 {
				c = Card(w+1) * cardsPerWord
				continue
			}
			if byte(word)&Dirty != 0 && !yield(c) {
				return
			}
			c++
		}
	}
}

// CountDirty returns the number of dirty cards in [first, first+n).
func (t *Table) CountDirty(first Card, n int) int {
	count := 0
	for range t.DirtyCards(first, n) {
		count++
	}
	return count
}

func (t *Table) Stats() Stats {
	return Stats{
		Cards:   t.n,
		Dirtied: t.dirtied.Load(),
		Cleaned: t.cleaned.Load(),
	}
}
