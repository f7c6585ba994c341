// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// Plot writes a gnuplot script to w that renders d as a cumulative
// distribution into pngPath, with the x axis labeled x.
func (d *Dist[T]) Plot(w io.Writer, pngPath, x string) error {
	if len(d.vals) == 0 {
		return fmt.Errorf("plot %s: empty distribution", x)
	}
	d.sort()
	buf := bufio.NewWriter(w)
	n := len(d.vals)
	fmt.Fprintf(buf, "set terminal pngcairo\n")
	fmt.Fprintf(buf, "set output %q\n", pngPath)
	fmt.Fprintf(buf, "set xlabel %q\n", x)
	fmt.Fprintf(buf, "set ylabel %q\n", "samples")
	fmt.Fprintf(buf, "set yrange [0:%d]\n", n)
	fmt.Fprintf(buf, "set ytics nomirror\n")
	fmt.Fprintf(buf, "set ytics add (\"n=%d\" %d)\n", n, n)
	fmt.Fprintf(buf, "set y2label %q\n", "quantile")
	fmt.Fprintf(buf, "set y2range [0:1]\n")
	fmt.Fprintf(buf, "set y2tics nomirror\n")

	// Trim long tails so the body of the distribution stays readable.
	mid := d.Quantiles(0, 0.01, 0.99, 1)
	lo, hi := mid[0], mid[3]
	if float64(lo) < 1.5*float64(mid[1])-0.5*float64(mid[2]) {
		lo = mid[1]
	}
	if float64(hi) > 1.5*float64(mid[2])-0.5*float64(mid[1]) {
		hi = mid[2]
	}
	if lo == hi {
		if lo > 0 {
			lo--
		}
		hi++
	}

	if lo, ok := any(lo).(time.Duration); ok {
		hi := any(hi).(time.Duration)
		var tics []string
		for _, tic := range durationTicks(lo, hi) {
			tics = append(tics, fmt.Sprintf("%q %d %d", tic.label, tic.pos, tic.level))
		}
		if len(tics) > 0 {
			fmt.Fprintf(buf, "set xtics (%s)\n", strings.Join(tics, ","))
		}
	}
	fmt.Fprintf(buf, "set xrange [%v:%v]\n", float64(lo), float64(hi))
	fmt.Fprintf(buf, "set label %q at graph 0,0 offset 0,char -1.75\n", fmt.Sprint("min ", d.vals[0]))
	fmt.Fprintf(buf, "set label %q at graph 1,0 right offset 0,char -1.75\n", fmt.Sprint("max ", d.vals[n-1]))

	fmt.Fprintf(buf, "plot '-' notitle with steps, ")
	fmt.Fprintf(buf, "'-' notitle axes x1y2 with labels left offset char 0.2,char -0.25 point ps 2,")
	fmt.Fprintf(buf, "'-' notitle axes x1y2 with labels right offset char -1.2,char -0.25 point ps 2\n")
	for i, val := range d.vals {
		fmt.Fprintf(buf, "%v %d\n", float64(val), i)
	}
	fmt.Fprintf(buf, "e\n")

	// Label quantiles on whichever side of the plot has room.
	qs := []float64{0.05, 0.25, 0.5, 0.75, 0.95}
	qvs := d.Quantiles(qs...)
	for _, left := range []bool{true, false} {
		for i, val := range qvs {
			if (val <= (lo+hi)/2) == left {
				fmt.Fprintf(buf, "%v %g %v\n", float64(val), qs[i], val)
			}
		}
		fmt.Fprintf(buf, "e\n")
	}
	fmt.Fprintf(buf, "unset output\n")
	fmt.Fprintf(buf, "reset\n")
	return buf.Flush()
}

type durationTick struct {
	label string
	pos   time.Duration
	level int
}

// durationTicks returns at most maxTicks major ticks on a 1-2-5 style
// duration scale, plus minor ticks one level down.
func durationTicks(lo, hi time.Duration) []durationTick {
	const maxTicks = 8
	var out []durationTick
	add := func(d time.Duration, level int) { out = append(out, durationTick{d.String(), d, level}) }
	for level := range durationLevels {
		tlo, step, n := ticksAt(lo, hi, level)
		if n > maxTicks {
			continue
		}
		minStep := step
		if level > 0 {
			_, minStep, _ = ticksAt(lo, hi, level-1)
		}
		for major := -1; major < n; major++ {
			pos := tlo + step*time.Duration(major)
			add(pos, 0)
			for minor := 1; ; minor++ {
				p := pos + minStep*time.Duration(minor)
				if p >= pos+step {
					break
				}
				add(p, 1)
			}
		}
		break
	}
	return out
}

func makeDurationLevels(factors ...int) []time.Duration {
	var out []time.Duration
	fi := 0
	next := func() time.Duration {
		f := time.Duration(factors[fi%len(factors)])
		fi++
		return f
	}
	d := time.Nanosecond
	for d < time.Minute {
		out = append(out, d)
		d *= next()
	}
	d, fi = time.Minute, 0
	for d < time.Hour {
		out = append(out, d)
		d *= next()
	}
	d, fi = time.Hour, 0
	for d <= 100000*time.Hour {
		out = append(out, d)
		d *= next()
	}
	return out
}

var durationLevels = makeDurationLevels(5, 2)

func ticksAt(lo, hi time.Duration, level int) (start, step time.Duration, n int) {
	step = durationLevels[level]
	start = ((lo + step - 1) / step) * step
	stop := (hi / step) * step
	n = 1 + int((stop-start)/step)
	return
}
