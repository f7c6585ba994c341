// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mem

import (
	"fmt"
	"math/bits"
	"unsafe"
)

// WordBytes is the size of a heap word.
const WordBytes Bytes = 8

// Bytes is a count of bytes or a byte offset.
type Bytes uint64

func (a Bytes) Div(b Bytes) int {
	return int(a / b)
}

func (a Bytes) CeilDiv(b Bytes) int {
	return int((a + b - 1) / b)
}

func (a Bytes) Mul(b int) Bytes {
	return a * Bytes(b)
}

func (a Bytes) Words() Words {
	return Words(a / WordBytes)
}

// AlignUp rounds a up to a multiple of align, which must be a power of two.
func (a Bytes) AlignUp(align Bytes) Bytes {
	return (a + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether a is a non-zero power of two.
func (a Bytes) IsPowerOfTwo() bool {
	return a != 0 && a&(a-1) == 0
}

// Log2 returns log2(a) for a power of two a.
func (a Bytes) Log2() uint {
	return uint(bits.TrailingZeros64(uint64(a)))
}

func (a Bytes) String() string {
	if a == 0 {
		return "0 bytes"
	} else if a%TiB == 0 {
		return fmt.Sprintf("%d TiB", a/TiB)
	} else if a%GiB == 0 {
		return fmt.Sprintf("%d GiB", a/GiB)
	} else if a%MiB == 0 {
		return fmt.Sprintf("%d MiB", a/MiB)
	} else if a%KiB == 0 {
		return fmt.Sprintf("%d KiB", a/KiB)
	}
	return fmt.Sprintf("%d bytes", a)
}

const (
	KiB Bytes = 1 << 10
	MiB Bytes = 1 << 20
	GiB Bytes = 1 << 30
	TiB Bytes = 1 << 40
)

// Words is a count of words or a word offset.
type Words uint64

func (a Words) Bytes() Bytes {
	return Bytes(a) * WordBytes
}

func (a Words) Mul(b int) Words {
	return a * Words(b)
}

func (a Words) Div(b Words) int {
	return int(a / b)
}

// Addr is a simulated heap address. The zero Addr is nil; no arena is ever
// placed at address 0.
type Addr uint64

func (a Addr) IsNil() bool {
	return a == 0
}

func (a Addr) Plus(b Bytes) Addr {
	c, ok := a.PlusOK(b)
	if !ok {
		panic(fmt.Sprintf("%s+%s overflowed", a, b))
	}
	return c
}

func (a Addr) PlusOK(b Bytes) (Addr, bool) {
	c := a + Addr(b)
	if c < a {
		return 0, false
	}
	return c, true
}

// PlusWords returns the address n words past a.
func (a Addr) PlusWords(n Words) Addr {
	return a.Plus(n.Bytes())
}

func (a Addr) Minus(b Addr) Bytes {
	c := a - b
	if c > a {
		panic(fmt.Sprintf("%s-%s overflowed", a, b))
	}
	return Bytes(c)
}

// AlignDown rounds a down to a multiple of align, which must be a power of two.
func (a Addr) AlignDown(align Bytes) Addr {
	return a &^ Addr(align-1)
}

// IsAligned reports whether a is a multiple of align.
func (a Addr) IsAligned(align Bytes) bool {
	return a&Addr(align-1) == 0
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%012x", uint64(a))
}

// Range is the half-open address range [Start, Start+Len).
type Range struct {
	Start Addr
	Len   Bytes
}

func (r Range) End() Addr {
	end, ok := r.Start.PlusOK(r.Len)
	if !ok {
		panic(fmt.Sprintf("range end overflowed: %s", r))
	}
	return end
}

func (r Range) Contains(x Addr) bool {
	return r.Start <= x && x.Minus(r.Start) < r.Len
}

func (r Range) Overlaps(r2 Range) bool {
	return r.Start < r2.End() && r2.Start < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%s,%s)", r.Start, r.End())
}

func (r Range) ShortString() string {
	return fmt.Sprintf("[%#x,%#x)", uint64(r.Start), uint64(r.End()))
}

func CastSlice[To any](src []byte) []To {
	d := (*To)(unsafe.Pointer(unsafe.SliceData(src)))
	return unsafe.Slice(d, len(src)/int(unsafe.Sizeof(*d)))
}
