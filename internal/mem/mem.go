// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mem provides the address types of the heap and the arena that
// backs simulated heap addresses with real memory.
package mem

import (
	"fmt"
	"sync/atomic"

	"gcheap/internal/fault"
)

// ArenaBase is the address of the first byte of every arena. It mirrors the
// runtime's 0x00c0<<32 heap hint and keeps heap addresses far away from small
// integers.
const ArenaBase Addr = 0x00c0 << 32

// PageSize is the granularity of commit and decommit.
const PageSize Bytes = 4 * KiB

// An Arena is a contiguous reservation of address space. Addresses in
// [Base, Base+Size) map to words of the reservation. Memory must be committed
// before it is touched.
type Arena struct {
	base  Addr
	size  Bytes
	mem   []byte
	words []uint64

	committed atomic.Uint64
}

// Reserve reserves size bytes of address space, which must be a multiple of
// PageSize.
func Reserve(size Bytes) (*Arena, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("mem: reservation size %s is not a multiple of %s", size, PageSize)
	}
	b, err := sysReserve(size)
	if err != nil {
		return nil, fmt.Errorf("mem: reserve %s: %w", size, err)
	}
	return &Arena{
		base:  ArenaBase,
		size:  size,
		mem:   b,
		words: CastSlice[uint64](b),
	}, nil
}

func (a *Arena) Base() Addr {
	return a.base
}

func (a *Arena) Range() Range {
	return Range{a.base, a.size}
}

// Committed returns the number of committed bytes.
func (a *Arena) Committed() Bytes {
	return Bytes(a.committed.Load())
}

func (a *Arena) bytes(r Range) []byte {
	if !r.Start.IsAligned(PageSize) || r.Len%PageSize != 0 {
		fault.Throw("mem: unaligned commit range", "range", r)
	}
	if r.Start < a.base || r.End() > a.base.Plus(a.size) {
		fault.Throw("mem: range outside arena", "range", r, "arena", a.Range())
	}
	off := r.Start.Minus(a.base)
	return a.mem[off : off+r.Len]
}

// Commit makes r readable and writable. Newly committed memory reads as zero.
func (a *Arena) Commit(r Range) error {
	if err := sysMap(a.bytes(r)); err != nil {
		return fmt.Errorf("mem: commit %s: %w", r, err)
	}
	a.committed.Add(uint64(r.Len))
	return nil
}

// Decommit returns the memory backing r to the operating system. The range
// must be committed again before use.
func (a *Arena) Decommit(r Range) error {
	if err := sysUnused(a.bytes(r)); err != nil {
		return fmt.Errorf("mem: decommit %s: %w", r, err)
	}
	a.committed.Add(-uint64(r.Len))
	return nil
}

// Release frees the whole reservation. The arena must not be used afterwards.
func (a *Arena) Release() error {
	if a.mem == nil {
		return nil
	}
	err := sysFree(a.mem)
	a.mem, a.words = nil, nil
	a.committed.Store(0)
	return err
}

func (a *Arena) index(addr Addr) int {
	if addr < a.base || !addr.IsAligned(WordBytes) || addr.Minus(a.base) >= a.size {
		fault.Throw("mem: bad heap address", "addr", addr, "arena", a.Range())
	}
	return int(addr.Minus(a.base) / WordBytes)
}

// Load atomically loads the word at addr.
func (a *Arena) Load(addr Addr) uint64 {
	return atomic.LoadUint64(&a.words[a.index(addr)])
}

// Store atomically stores v at addr.
func (a *Arena) Store(addr Addr, v uint64) {
	atomic.StoreUint64(&a.words[a.index(addr)], v)
}

// CompareAndSwap executes the compare-and-swap operation for the word at addr.
func (a *Arena) CompareAndSwap(addr Addr, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&a.words[a.index(addr)], old, new)
}

// Words returns the words covering [addr, addr+n words) for bulk copying or
// clearing. The caller must own the range exclusively.
func (a *Arena) Words(addr Addr, n Words) []uint64 {
	if n == 0 {
		return nil
	}
	i := a.index(addr)
	a.index(addr.PlusWords(n - 1))
	return a.words[i : i+int(n)]
}

// Copy copies n words from src to dst. The ranges may overlap.
func (a *Arena) Copy(dst, src Addr, n Words) {
	copy(a.Words(dst, n), a.Words(src, n))
}

// Clear zeroes n words starting at addr.
func (a *Arena) Clear(addr Addr, n Words) {
	clear(a.Words(addr, n))
}
