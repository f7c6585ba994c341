// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aclements/go-moremath/stats"
)

// Number is the set of sample types a Dist can hold.
type Number interface {
	~int | ~int64 | ~uint64 | ~float64
}

// Dist is an exact distribution of samples. It is not safe for concurrent
// use.
type Dist[T Number] struct {
	vals   []T
	sorted bool
}

func (d *Dist[T]) Add(v T) {
	d.vals = append(d.vals, v)
	d.sorted = false
}

func (d *Dist[T]) Len() int {
	return len(d.vals)
}

func (d *Dist[T]) Reset() {
	d.vals = d.vals[:0]
}

func (d *Dist[T]) sort() {
	if !d.sorted {
		slices.Sort(d.vals)
		d.sorted = true
	}
}

// Quantiles returns the nearest-rank value of each quantile in qs. An empty
// distribution yields zeros.
func (d *Dist[T]) Quantiles(qs ...float64) []T {
	out := make([]T, len(qs))
	if len(d.vals) == 0 {
		return out
	}
	d.sort()
	for i, q := range qs {
		q = min(max(q, 0), 1)
		out[i] = d.vals[int(q*float64(len(d.vals)-1)+0.5)]
	}
	return out
}

func (d *Dist[T]) sample() stats.Sample {
	xs := make([]float64, len(d.vals))
	for i, v := range d.vals {
		xs[i] = float64(v)
	}
	return stats.Sample{Xs: xs}
}

// Mean returns the arithmetic mean, or NaN if d is empty.
func (d *Dist[T]) Mean() float64 {
	return d.sample().Mean()
}

// StdDev returns the sample standard deviation.
func (d *Dist[T]) StdDev() float64 {
	return d.sample().StdDev()
}

// Bounds returns the smallest and largest samples.
func (d *Dist[T]) Bounds() (lo, hi T) {
	if len(d.vals) == 0 {
		return
	}
	d.sort()
	return d.vals[0], d.vals[len(d.vals)-1]
}

// String summarizes d as "n=N min=... p50=... p95=... max=...".
func (d *Dist[T]) String() string {
	if len(d.vals) == 0 {
		return "n=0"
	}
	q := d.Quantiles(0, 0.5, 0.95, 0.99, 1)
	var b strings.Builder
	fmt.Fprintf(&b, "n=%d min=%v p50=%v p95=%v p99=%v max=%v", len(d.vals), q[0], q[1], q[2], q[3], q[4])
	return b.String()
}
