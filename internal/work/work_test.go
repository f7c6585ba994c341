// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package work

import (
	"sync"
	"sync/atomic"
	"testing"

	"gcheap/internal/mem"
)

func TestLocalPutGet(t *testing.T) {
	q := NewQueue()
	l := NewLocal(q)
	const n = 3*BufEntries + 7
	for i := 1; i <= n; i++ {
		l.Put(mem.Addr(i))
	}
	seen := make(map[mem.Addr]bool)
	for {
		a, ok := l.TryGet()
		if !ok {
			break
		}
		if seen[a] {
			t.Fatalf("got %d twice", a)
		}
		seen[a] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d objects, want %d", len(seen), n)
	}
	if !l.Empty() || !q.Empty() {
		t.Fatalf("work left over")
	}
}

func TestDisposeAndBalance(t *testing.T) {
	q := NewQueue()
	l := NewLocal(q)
	for i := 1; i <= 10; i++ {
		l.Put(mem.Addr(i))
	}
	l.Balance()
	if q.Empty() {
		t.Fatalf("Balance did not hand off work")
	}
	l.Dispose()
	if !l.Empty() {
		t.Fatalf("Dispose left cached work")
	}
	other := NewLocal(q)
	count := 0
	for {
		if _, ok := other.TryGet(); !ok {
			break
		}
		count++
	}
	if count != 10 {
		t.Fatalf("drained %d objects, want 10", count)
	}
	q.Drop()
}

// TestParallelTermination runs a fan-out workload: every object below a
// bound produces two children. All workers must agree on termination only
// after every object has been processed.
func TestParallelTermination(t *testing.T) {
	const workers, limit = 4, 5000
	q := NewQueue()
	q.Reset(workers)
	var processed atomic.Int64
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewLocal(q)
			if w == 0 {
				l.Put(1)
			}
			for {
				a, ok := l.Get()
				if !ok {
					return
				}
				processed.Add(1)
				for _, c := range []mem.Addr{2 * a, 2*a + 1} {
					if c <= limit {
						l.Put(c)
					}
				}
				l.Balance()
			}
		}()
	}
	wg.Wait()
	if got := processed.Load(); got != limit {
		t.Fatalf("processed %d objects, want %d", got, limit)
	}
}

func TestSATB(t *testing.T) {
	set := NewSATBSet(4)
	set.SetActive(true)
	q := NewSATBQueue(set)
	for i := 1; i <= 10; i++ {
		q.Enqueue(mem.Addr(i))
	}
	if got := set.NumCompleted(); got != 2 {
		t.Fatalf("NumCompleted = %d, want 2", got)
	}
	if q.Len() != 2 {
		t.Fatalf("queue holds %d, want 2", q.Len())
	}
	q.Flush()
	total := 0
	for {
		b, ok := set.TakeCompleted()
		if !ok {
			break
		}
		total += len(b)
		set.Recycle(b)
	}
	if total != 10 {
		t.Fatalf("completed buffers held %d entries, want 10", total)
	}
	enq, flushed := set.Stats()
	if enq != 10 || flushed != 3 {
		t.Fatalf("Stats = %d, %d", enq, flushed)
	}

	q.Enqueue(11)
	set.Abandon()
	q.Reset()
	if set.NumCompleted() != 0 || q.Len() != 0 {
		t.Fatalf("Abandon/Reset left entries")
	}
}
