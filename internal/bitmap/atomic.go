// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bitmap

import (
	"iter"
	"math/bits"
	"sync/atomic"
)

// AtomicSet is a fixed-size bit set whose single-bit operations are safe for
// concurrent use. Bulk operations (Clear, ClearRange) must not race with
// additions to the same words.
type AtomicSet[K ~uint64] struct {
	n    K
	bits []atomic.Uint64
}

func NewAtomicSet[K ~uint64](nBits K) *AtomicSet[K] {
	return &AtomicSet[K]{n: nBits, bits: make([]atomic.Uint64, (nBits+63)/64)}
}

// Cap returns the number of bits in the set.
func (b *AtomicSet[K]) Cap() K {
	return b.n
}

func (b *AtomicSet[K]) Has(i K) bool {
	return b.bits[i/64].Load()&(1<<(i%64)) != 0
}

func (b *AtomicSet[K]) Add(i K) {
	b.bits[i/64].Or(1 << (i % 64))
}

// TryAdd adds i and reports whether this call was the one that set it.
func (b *AtomicSet[K]) TryAdd(i K) bool {
	m := uint64(1) << (i % 64)
	w := &b.bits[i/64]
	if w.Load()&m != 0 {
		return false
	}
	return w.Or(m)&m == 0
}

func (b *AtomicSet[K]) Remove(i K) {
	b.bits[i/64].And(^(uint64(1) << (i % 64)))
}

func (b *AtomicSet[K]) Clear() {
	for i := range b.bits {
		b.bits[i].Store(0)
	}
}

// ClearRange removes every element in [start, end).
func (b *AtomicSet[K]) ClearRange(start, end K) {
	for start < end && start%64 != 0 {
		b.Remove(start)
		start++
	}
	for ; start+64 <= end; start += 64 {
		b.bits[start/64].Store(0)
	}
	for ; start < end; start++ {
		b.Remove(start)
	}
}

// Len returns the number of elements.
func (b *AtomicSet[K]) Len() int {
	var sum int
	for i := range b.bits {
		sum += bits.OnesCount64(b.bits[i].Load())
	}
	return sum
}

// Next returns the smallest element ≥ i and < end.
func (b *AtomicSet[K]) Next(i, end K) (K, bool) {
	if end > b.n {
		end = b.n
	}
	for i < end {
		w := b.bits[i/64].Load() >> (i % 64)
		if w != 0 {
			j := i + K(bits.TrailingZeros64(w))
			return j, j < end
		}
		i = (i/64 + 1) * 64
	}
	return 0, false
}

// Prev returns the largest element ≤ i.
func (b *AtomicSet[K]) Prev(i K) (K, bool) {
	if i >= b.n {
		if b.n == 0 {
			return 0, false
		}
		i = b.n - 1
	}
	for {
		w := b.bits[i/64].Load() << (63 - i%64)
		if w != 0 {
			return i - K(bits.LeadingZeros64(w)), true
		}
		if i < 64 {
			return 0, false
		}
		i = (i/64)*64 - 1
	}
}

// Range yields the elements in [start, end) in increasing order.
func (b *AtomicSet[K]) Range(start, end K) iter.Seq[K] {
	return func(yield func(K) bool) {
		for i := start; ; i++ {
			j, ok := b.Next(i, end)
			if !ok || !yield(j) {
				return
			}
			i = j
		}
	}
}
