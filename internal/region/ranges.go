// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Free region ranges.
//
// This file contains an implementation of a data structure which manages
// ordered ranges of region indices. The table keeps its free regions in one,
// so that taking the lowest free region, finding a contiguous run for a
// humongous object, and giving back the highest regions on shrink are all
// simple.

package region

import "gcheap/internal/fault"

// indexRange is the half-open range of regions [base, limit).
type indexRange struct {
	base, limit Index
}

func (r indexRange) size() int {
	return int(r.limit - r.base)
}

func (r indexRange) contains(i Index) bool {
	return r.base <= i && i < r.limit
}

// indexRanges is a collection of disjoint ranges of region indices sorted by
// base. The ranges are coalesced eagerly to reduce the number of ranges it
// holds.
//
// indexRanges is not thread-safe.
type indexRanges struct {
	ranges []indexRange

	// total is the number of regions counted by this indexRanges.
	total int
}

// findSucc returns the first index in a such that i is less than the base of
// the range at that index.
func (a *indexRanges) findSucc(i Index) int {
	lo, hi := 0, len(a.ranges)
	for lo < hi {
		m := int(uint(lo+hi) >> 1)
		if i < a.ranges[m].base {
			hi = m
		} else {
			lo = m + 1
		}
	}
	return lo
}

// contains returns true if a covers region i.
func (a *indexRanges) contains(i Index) bool {
	j := a.findSucc(i)
	if j == 0 {
		return false
	}
	return a.ranges[j-1].contains(i)
}

// add inserts a new range to a.
//
// r must not overlap with any range in a.
func (a *indexRanges) add(r indexRange) {
	if r.size() <= 0 {
		return
	}
	// Because we assume r is not currently represented in a,
	// findSucc gives us our insertion index.
	i := a.findSucc(r.base)
	if i > 0 && a.ranges[i-1].limit > r.base || i < len(a.ranges) && r.limit > a.ranges[i].base {
		fault.Throw("region: free range overlaps", "base", r.base, "limit", r.limit)
	}
	coalescesDown := i > 0 && a.ranges[i-1].limit == r.base
	coalescesUp := i < len(a.ranges) && r.limit == a.ranges[i].base
	if coalescesUp && coalescesDown {
		// We have neighbors and they both border us.
		// Merge a.ranges[i-1], r, and a.ranges[i] together into a.ranges[i-1].
		a.ranges[i-1].limit = a.ranges[i].limit

		// Delete a.ranges[i].
		copy(a.ranges[i:], a.ranges[i+1:])
		a.ranges = a.ranges[:len(a.ranges)-1]
	} else if coalescesDown {
		a.ranges[i-1].limit = r.limit
	} else if coalescesUp {
		a.ranges[i].base = r.base
	} else {
		a.ranges = append(a.ranges, indexRange{})
		copy(a.ranges[i+1:], a.ranges[i:])
		a.ranges[i] = r
	}
	a.total += r.size()
}

// removeFirstFit removes and returns the lowest run of n contiguous
// regions. It reports false if no range is large enough.
func (a *indexRanges) removeFirstFit(n int) (indexRange, bool) {
	for i, r := range a.ranges {
		if r.size() < n {
			continue
		}
		got := indexRange{r.base, r.base + Index(n)}
		if r.size() == n {
			a.ranges = append(a.ranges[:i], a.ranges[i+1:]...)
		} else {
			a.ranges[i].base = got.limit
		}
		a.total -= n
		return got, true
	}
	return indexRange{}, false
}

// removeLast removes and returns the highest-indexed contiguous range of a,
// or the last n regions of that range, whichever is smaller. If a is empty,
// it returns an empty range.
func (a *indexRanges) removeLast(n int) indexRange {
	if len(a.ranges) == 0 {
		return indexRange{}
	}
	r := a.ranges[len(a.ranges)-1]
	if r.size() > n {
		newLimit := r.limit - Index(n)
		a.ranges[len(a.ranges)-1].limit = newLimit
		a.total -= n
		return indexRange{newLimit, r.limit}
	}
	a.ranges = a.ranges[:len(a.ranges)-1]
	a.total -= r.size()
	return r
}
