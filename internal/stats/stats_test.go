// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"bytes"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBuckets(t *testing.T) {
	// Every duration falls within its bucket's bounds, and bucket widths
	// stay within 1/16th of the lower bound.
	r := rand.New(rand.NewPCG(1, 2))
	check := func(d uint64) {
		t.Helper()
		i := bucketOf(d)
		lo, hi := bucketBounds(i)
		if time.Duration(d) < lo || time.Duration(d) >= hi {
			t.Fatalf("duration %d in bucket %d = [%d, %d)", d, i, lo, hi)
		}
		if lo >= numSubBuckets && (hi-lo)*numSubBuckets > lo {
			t.Fatalf("bucket %d = [%d, %d) too wide", i, lo, hi)
		}
	}
	for d := range uint64(1024) {
		check(d)
	}
	for range 10000 {
		check(r.Uint64N(1 << maxExp))
	}
	for i := 1; i < numBuckets; i++ {
		_, prevHi := bucketBounds(i - 1)
		lo, _ := bucketBounds(i)
		if prevHi != lo {
			t.Fatalf("gap between bucket %d and %d: %d != %d", i-1, i, prevHi, lo)
		}
	}
}

func TestHistogram(t *testing.T) {
	var h Histogram
	if h.Quantile(0.5) != 0 {
		t.Fatalf("empty quantile = %v", h.Quantile(0.5))
	}
	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 250 {
				h.Record(time.Duration(g*250+i+1) * time.Microsecond)
			}
		}()
	}
	wg.Wait()
	h.Record(1 << 50)

	if h.Count() != 1001 || h.Overflow() != 1 {
		t.Fatalf("count=%d overflow=%d, want 1001, 1", h.Count(), h.Overflow())
	}
	for _, tt := range []struct {
		q    float64
		want time.Duration
	}{
		{0.5, 500 * time.Microsecond},
		{0.99, 990 * time.Microsecond},
	} {
		got := h.Quantile(tt.q)
		// The bound is at most one bucket width above the true value.
		if got < tt.want || float64(got) > float64(tt.want)*(1+1.0/numSubBuckets) {
			t.Errorf("Quantile(%v) = %v, want just above %v", tt.q, got, tt.want)
		}
	}

	var n uint64
	last := time.Duration(-1)
	for b := range h.Buckets() {
		if b.Hi != -1 && b.Lo <= last {
			t.Fatalf("buckets out of order at %v", b.Lo)
		}
		last = b.Lo
		n += b.N
	}
	if n != h.Count() {
		t.Fatalf("buckets sum to %d, want %d", n, h.Count())
	}
	h.Reset()
	if h.Count() != 0 {
		t.Fatalf("count after reset = %d", h.Count())
	}
}

func TestDist(t *testing.T) {
	var d Dist[time.Duration]
	if got := d.Quantiles(0.5); got[0] != 0 {
		t.Fatalf("empty quantile = %v", got)
	}
	for i := 100; i >= 1; i-- {
		d.Add(time.Duration(i) * time.Millisecond)
	}
	q := d.Quantiles(0, 0.5, 1)
	if q[0] != time.Millisecond || q[2] != 100*time.Millisecond {
		t.Fatalf("bounds %v", q)
	}
	if q[1] != 51*time.Millisecond && q[1] != 50*time.Millisecond {
		t.Fatalf("median %v", q[1])
	}
	if m := d.Mean(); math.Abs(m-float64(50500*time.Microsecond)) > 1 {
		t.Fatalf("mean %v", time.Duration(m))
	}
	if sd := d.StdDev(); sd <= 0 {
		t.Fatalf("stddev %v", sd)
	}
	if lo, hi := d.Bounds(); lo != time.Millisecond || hi != 100*time.Millisecond {
		t.Fatalf("Bounds = %v, %v", lo, hi)
	}
	if s := d.String(); !strings.HasPrefix(s, "n=100 min=1ms") {
		t.Fatalf("String = %q", s)
	}
}

func TestPlot(t *testing.T) {
	var d Dist[time.Duration]
	if err := d.Plot(&bytes.Buffer{}, "x.png", "pause"); err == nil {
		t.Fatalf("plotting an empty distribution succeeded")
	}
	for i := range 50 {
		d.Add(time.Duration(i+1) * 100 * time.Microsecond)
	}
	var buf bytes.Buffer
	if err := d.Plot(&buf, "pause.png", "pause"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`set output "pause.png"`, "set xtics (", "plot '-'", "reset\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("script missing %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "\ne\n"); n != 3 {
		t.Errorf("script has %d data blocks, want 3", n)
	}
}
