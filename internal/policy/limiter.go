// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"sync"
	"sync/atomic"

	"gcheap/internal/fault"
)

// Limiter is a mechanism to limit GC CPU utilization in situations where it
// might become excessive and inhibit mutator progress (e.g. a heap that is
// nearly full and collecting back to back).
//
// The core of the limiter is a leaky bucket that fills with GC CPU time and
// drains with mutator time. Because the bucket fills and drains with time
// directly (i.e. without any weighting), this effectively sets a very
// conservative limit of 50%. The purpose of the bucket is to accommodate
// spikes in GC CPU utilization without hurting throughput.
//
// While the limiter is on, the policy skips optional work: it does not start
// concurrent cycles and does not add old regions to collections.
type Limiter struct {
	mu sync.Mutex

	limiting atomic.Bool
	// Invariants:
	// - fill <= capacity
	fill, capacity uint64
	// overflow estimates how much GC time was dropped on the floor while
	// the bucket was full.
	overflow uint64

	marking      bool
	paused       bool
	lastMarkTime int64
	lastUpdate   int64
	nprocs       int
}

// CapacityPerProc is the limiter's bucket capacity for each processor.
const CapacityPerProc = 1e9 // 1 second in nanoseconds

// NewLimiter returns a limiter for nprocs processors. now is the current
// monotonic time in nanoseconds.
func NewLimiter(now int64, nprocs int) *Limiter {
	l := &Limiter{lastUpdate: now}
	l.ResetCapacity(now, nprocs)
	return l
}

// Limiting reports whether GC CPU use is currently excessive.
//
// It is safe to call concurrently with other operations.
func (l *Limiter) Limiting() bool {
	return l.limiting.Load()
}

// StartPause notifies the limiter that a pause begins. markTime is the same
// as described for Update. now must be the start of the pause.
//
// This call takes ownership of the limiter and disables all other means of
// updating it. Release ownership by calling FinishPause.
func (l *Limiter) StartPause(markTime, now int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		fault.Throw("limiter: pause started twice")
	}
	// Flush whatever was left between the last update and now.
	l.updateLocked(markTime, now)
	l.paused = true
}

// FinishPause notifies the limiter that the pause is complete and releases
// ownership of it. The whole pause counts as GC time on every processor.
// marking reports whether concurrent marking runs after the pause; when it
// starts, the mark time passed to Update restarts from zero. now must be the
// end of the pause.
func (l *Limiter) FinishPause(marking bool, now int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused {
		fault.Throw("limiter: FinishPause without StartPause")
	}
	l.accumulate(0, (now-l.lastUpdate)*int64(l.nprocs))
	l.lastUpdate = now
	if marking && !l.marking {
		l.lastMarkTime = 0
	}
	l.marking = marking
	l.paused = false
}

// Update updates the bucket. markTime is the total CPU time spent by
// concurrent mark workers in the current marking cycle; it must increase
// monotonically and restarts at zero with each cycle. now is the current
// monotonic time in nanoseconds.
func (l *Limiter) Update(markTime, now int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused {
		l.updateLocked(markTime, now)
	}
}

// updateLocked is the implementation of Update. l.mu must be held.
func (l *Limiter) updateLocked(markTime, now int64) {
	windowTotalTime := (now - l.lastUpdate) * int64(l.nprocs)
	l.lastUpdate = now
	if !l.marking {
		l.accumulate(windowTotalTime, 0)
		return
	}
	windowGCTime := markTime - l.lastMarkTime
	l.lastMarkTime = markTime
	l.accumulate(windowTotalTime-windowGCTime, windowGCTime)
}

// accumulate adds time to the bucket and signals whether the limiter is on.
// l.mu must be held.
func (l *Limiter) accumulate(mutatorTime, gcTime int64) {
	enabled := l.fill == l.capacity

	change := gcTime - mutatorTime

	// Handle limiting case.
	if change > 0 && l.capacity-l.fill <= uint64(change) {
		l.overflow += uint64(change) - (l.capacity - l.fill)
		l.fill = l.capacity
		if !enabled {
			l.limiting.Store(true)
		}
		return
	}

	// Handle non-limiting cases.
	if change < 0 && l.fill <= uint64(-change) {
		// Bucket emptied.
		l.fill = 0
	} else {
		// All other cases.
		l.fill -= uint64(-change)
	}
	if change != 0 && enabled {
		l.limiting.Store(false)
	}
}

// ResetCapacity updates the capacity for nprocs processors. Must not be
// called during a pause.
func (l *Limiter) ResetCapacity(now int64, nprocs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Flush the rest of the time for this period.
	l.updateLocked(l.lastMarkTime, now)
	l.nprocs = nprocs

	enabled := l.fill == l.capacity

	l.capacity = uint64(nprocs) * CapacityPerProc
	if l.fill > l.capacity {
		l.fill = l.capacity
		if !enabled {
			l.limiting.Store(true)
		}
	} else if l.fill < l.capacity && enabled {
		l.limiting.Store(false)
	}
}

// Fill returns the current bucket fill in CPU nanoseconds.
func (l *Limiter) Fill() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fill
}

func (l *Limiter) Capacity() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

func (l *Limiter) Overflow() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overflow
}
