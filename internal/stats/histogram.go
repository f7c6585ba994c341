// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stats records and summarizes collector measurements.
package stats

import (
	"iter"
	"math/bits"
	"sync/atomic"
	"time"

	"gcheap/internal/fault"
)

const (
	subBucketBits = 4
	numSubBuckets = 1 << subBucketBits
	// Durations up to 2^47ns (about 39 hours) get a bucket.
	maxExp     = 47
	numBuckets = numSubBuckets + (maxExp-subBucketBits+1)*numSubBuckets
)

// Histogram is a concurrent HDR-style histogram of durations.
//
// Durations below 16ns each get their own bucket. Above that, every power of
// two range [2^e, 2^(e+1)) is split into 16 linear sub-buckets, so a bucket's
// width is at most 1/16th of its lower bound. Durations past the last bucket
// are counted in an overflow bucket.
//
// The zero value is ready to use. Record may run concurrently with readers;
// readers see each count atomically but not a consistent snapshot.
type Histogram struct {
	counts   [numBuckets]atomic.Uint64
	overflow atomic.Uint64
}

func bucketOf(d uint64) int {
	if d < numSubBuckets {
		return int(d)
	}
	exp := bits.Len64(d) - 1
	top := d >> (exp - subBucketBits)
	return numSubBuckets + (exp-subBucketBits)*numSubBuckets + int(top-numSubBuckets)
}

// bucketBounds returns the half-open range [lo, hi) of bucket i.
func bucketBounds(i int) (lo, hi time.Duration) {
	if i < numSubBuckets {
		return time.Duration(i), time.Duration(i + 1)
	}
	e := (i - numSubBuckets) / numSubBuckets
	s := (i - numSubBuckets) % numSubBuckets
	return time.Duration(numSubBuckets+s) << e, time.Duration(numSubBuckets+s+1) << e
}

// Record adds a duration to the histogram.
func (h *Histogram) Record(d time.Duration) {
	if d < 0 {
		fault.Throw("histogram: negative duration", "d", d)
	}
	i := bucketOf(uint64(d))
	if i >= len(h.counts) {
		h.overflow.Add(1)
		return
	}
	h.counts[i].Add(1)
}

// Count returns the number of recorded durations.
func (h *Histogram) Count() uint64 {
	n := h.overflow.Load()
	for i := range h.counts {
		n += h.counts[i].Load()
	}
	return n
}

// Overflow returns the number of durations too long to bucket.
func (h *Histogram) Overflow() uint64 {
	return h.overflow.Load()
}

// Quantile returns an upper bound on the q'th quantile: the exclusive upper
// end of the bucket that contains it. It returns 0 for an empty histogram
// and the largest bucketed duration if the quantile falls in overflow.
func (h *Histogram) Quantile(q float64) time.Duration {
	total := h.Count()
	if total == 0 {
		return 0
	}
	q = min(max(q, 0), 1)
	target := max(uint64(q*float64(total)+0.5), 1)
	var n uint64
	for i := range h.counts {
		n += h.counts[i].Load()
		if n >= target {
			_, hi := bucketBounds(i)
			return hi
		}
	}
	_, hi := bucketBounds(len(h.counts) - 1)
	return hi
}

// Bucket is one non-empty histogram bucket covering [Lo, Hi).
type Bucket struct {
	Lo, Hi time.Duration
	N      uint64
}

// Buckets yields the non-empty buckets in increasing order. The overflow
// bucket, if non-empty, is yielded last with Hi = -1.
func (h *Histogram) Buckets() iter.Seq[Bucket] {
	return func(yield func(Bucket) bool) {
		for i := range h.counts {
			n := h.counts[i].Load()
			if n == 0 {
				continue
			}
			lo, hi := bucketBounds(i)
			if !yield(Bucket{lo, hi, n}) {
				return
			}
		}
		if n := h.overflow.Load(); n != 0 {
			_, lo := bucketBounds(len(h.counts) - 1)
			yield(Bucket{lo, -1, n})
		}
	}
}

// Reset clears the histogram. It must not race with Record.
func (h *Histogram) Reset() {
	for i := range h.counts {
		h.counts[i].Store(0)
	}
	h.overflow.Store(0)
}
