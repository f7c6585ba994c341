// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import "gcheap/internal/mem"

// Sizer derives generation and buffer sizes from the heap configuration.
// All region counts are relative to the committed heap.
type Sizer struct {
	RegionSize mem.Bytes

	MinRegions, InitialRegions, MaxRegions int

	MinYoungPercent, MaxYoungPercent int
	ReservePercent                   int

	// NewRatio is old:young for the generational heap.
	NewRatio int
	// SurvivorRatio bounds survivor space to young/SurvivorRatio regions.
	SurvivorRatio int

	MinHeapFreeRatio, MaxHeapFreeRatio int

	MinTLAB, MaxTLAB mem.Bytes
	// TargetRefills is the number of TLAB refills a mutator should need per
	// young collection.
	TargetRefills int
}

func ceilPercent(n, pct int) int {
	return (n*pct + 99) / 100
}

// MinYoung returns the smallest young generation, in regions.
func (s *Sizer) MinYoung(committed int) int {
	return max(1, committed*s.MinYoungPercent/100)
}

// MaxYoung returns the largest young generation, in regions.
func (s *Sizer) MaxYoung(committed int) int {
	return max(s.MinYoung(committed), committed*s.MaxYoungPercent/100)
}

// Reserve returns the regions held back from the young generation to
// absorb evacuation.
func (s *Sizer) Reserve(committed int) int {
	return ceilPercent(committed, s.ReservePercent)
}

// GenerationalYoung returns the fixed young generation size of the
// generational heap, in regions.
func (s *Sizer) GenerationalYoung(committed int) int {
	return max(2, committed/(s.NewRatio+1))
}

// MaxSurvivor returns the survivor space cap for a young generation of
// young regions.
func (s *Sizer) MaxSurvivor(young int) int {
	return max(1, young/s.SurvivorRatio)
}

// ResizeAfterFull returns the committed region count to aim for after a full
// collection left used regions occupied: enough that at least
// MinHeapFreeRatio percent is free, and not so many that more than
// MaxHeapFreeRatio percent is.
func (s *Sizer) ResizeAfterFull(used, committed int) int {
	target := committed
	if need := used * 100 / max(1, 100-s.MinHeapFreeRatio); committed < need {
		target = need
	}
	if allow := used * 100 / max(1, 100-s.MaxHeapFreeRatio); committed > allow {
		target = allow
	}
	return min(max(target, s.MinRegions, used+1), s.MaxRegions)
}

// DesiredTLAB returns the TLAB size for a mutator that performs fraction of
// all allocation, given the young target.
func (s *Sizer) DesiredTLAB(fraction float64, youngTarget int) mem.Bytes {
	eden := float64(s.RegionSize.Mul(youngTarget))
	n := mem.Bytes(fraction*eden/float64(max(1, s.TargetRefills))) &^ (mem.WordBytes - 1)
	return min(max(n, s.MinTLAB), s.MaxTLAB)
}
