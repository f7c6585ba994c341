// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bitmap provides dense bit sets indexed by small integers.
package bitmap

import (
	"iter"
	"math/bits"
)

// Set is a non-concurrent dense bit set.
type Set[K ~uint64] struct {
	bits []uint64
}

func NewSet[K ~uint64](nBits K) Set[K] {
	return Set[K]{make([]uint64, (nBits+63)/64)}
}

func (b Set[K]) Cap() K {
	return K(len(b.bits) * 64)
}

func (b Set[K]) Has(i K) bool {
	return i/64 < K(len(b.bits)) && (b.bits[i/64]&(1<<(i%64))) != 0
}

func (b Set[K]) Add(i K) {
	b.bits[i/64] |= 1 << (i % 64)
}

// TryAdd adds i and reports whether it was absent.
func (b Set[K]) TryAdd(i K) bool {
	w, m := &b.bits[i/64], uint64(1)<<(i%64)
	if *w&m != 0 {
		return false
	}
	*w |= m
	return true
}

func (b Set[K]) Remove(i K) {
	b.bits[i/64] &^= 1 << (i % 64)
}

func (b Set[K]) Clear() {
	clear(b.bits)
}

// Fill adds every element in [0, n).
func (b Set[K]) Fill(n K) {
	for i := range n / 64 {
		b.bits[i] = ^uint64(0)
	}
	if n%64 != 0 {
		b.bits[n/64] |= 1<<(n%64) - 1
	}
}

func (b Set[K]) Empty() bool {
	for _, w := range b.bits {
		if w != 0 {
			return false
		}
	}
	return true
}

func (b Set[K]) Len() int {
	var sum int
	for _, w := range b.bits {
		sum += bits.OnesCount64(w)
	}
	return sum
}

func (b Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for i, val := range b.bits {
			for val != 0 {
				bitI := bits.TrailingZeros64(val)
				if !yield(K(i*64 + bitI)) {
					return
				}
				val &^= 1 << bitI
			}
		}
	}
}

// Union adds every element of o to b. The sets must have the same capacity.
func (b Set[K]) Union(o Set[K]) {
	for i, w := range o.bits {
		b.bits[i] |= w
	}
}
