// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package work implements the queues that carry grey objects between GC
// workers and the SATB buffers that carry overwritten references from
// mutators to the marker.
//
// The mark queue follows a producer/consumer model for addresses of grey
// objects. A grey object is marked and on a work queue. A black object is
// marked and not on a work queue. Root discovery, object scanning and the
// SATB barrier produce grey objects; scanning consumes them, blackening them
// and possibly producing new grey objects.
package work

import (
	"sync"

	"gcheap/internal/fault"
	"gcheap/internal/mem"
)

// BufEntries is the number of addresses in a work buffer. Small buffers are
// passed to other workers in a timely fashion.
const BufEntries = 254

// A Buf is a fixed-size stack of grey object addresses.
type Buf struct {
	n   int
	obj [BufEntries]mem.Addr
}

func (b *Buf) checkNonEmpty() {
	if b.n == 0 {
		fault.Throw("work: buffer is empty")
	}
}

func (b *Buf) checkEmpty() {
	if b.n != 0 {
		fault.Throw("work: buffer is not empty", "n", b.n)
	}
}

// Queue is the global pool of work buffers shared by a set of workers.
type Queue struct {
	mu    sync.Mutex
	cond  sync.Cond
	full  []*Buf
	empty []*Buf

	// nproc is the number of workers taking part in termination detection
	// and nwait the number currently waiting for work in Get.
	nproc, nwait int
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond.L = &q.mu
	return q
}

// Reset prepares q for a phase with nproc workers. Buffered work is kept.
func (q *Queue) Reset(nproc int) {
	q.mu.Lock()
	q.nproc, q.nwait = nproc, 0
	q.mu.Unlock()
}

// getEmpty pops an empty work buffer, allocating one if none is available.
func (q *Queue) getEmpty() *Buf {
	q.mu.Lock()
	var b *Buf
	if n := len(q.empty); n > 0 {
		b = q.empty[n-1]
		q.empty = q.empty[:n-1]
	}
	q.mu.Unlock()
	if b == nil {
		b = new(Buf)
	}
	b.checkEmpty()
	return b
}

func (q *Queue) putEmpty(b *Buf) {
	b.checkEmpty()
	q.mu.Lock()
	q.empty = append(q.empty, b)
	q.mu.Unlock()
}

// putFull puts a non-empty buffer on the full list. Partially filled
// buffers are accepted.
func (q *Queue) putFull(b *Buf) {
	b.checkNonEmpty()
	q.mu.Lock()
	q.full = append(q.full, b)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *Queue) popFullLocked() *Buf {
	n := len(q.full)
	if n == 0 {
		return nil
	}
	b := q.full[n-1]
	q.full = q.full[:n-1]
	return b
}

// tryGetFull returns a non-empty buffer or nil if none is immediately
// available.
func (q *Queue) tryGetFull() *Buf {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popFullLocked()
}

// getFull returns a non-empty buffer, waiting for one if necessary. It acts
// as a barrier for the nproc workers: as long as one worker is still
// scanning it may produce a buffer the others can work on. getFull returns
// nil once all nproc workers are waiting, which is the termination condition
// of a parallel mark.
func (q *Queue) getFull() *Buf {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b := q.popFullLocked(); b != nil {
		return b
	}
	q.nwait++
	if q.nwait > q.nproc {
		fault.Throw("work: nwait > nproc", "nwait", q.nwait, "nproc", q.nproc)
	}
	for {
		if q.nwait == q.nproc && len(q.full) == 0 {
			q.cond.Broadcast()
			return nil
		}
		if b := q.popFullLocked(); b != nil {
			q.nwait--
			return b
		}
		q.cond.Wait()
	}
}

// Empty reports whether the queue holds no buffered work.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.full) == 0
}

// Drop discards all buffered work.
func (q *Queue) Drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.full {
		b.n = 0
		q.empty = append(q.empty, b)
	}
	q.full = q.full[:0]
}

// A Local provides the interface to produce and consume work for one
// worker. It caches a buffer until full (or empty) to avoid contending on
// the queue.
//
//	l := work.NewLocal(q)
//	.. call l.Put() to produce and l.TryGet() or l.Get() to consume ..
//	l.Dispose()
type Local struct {
	q *Queue

	// Invariant: buf is nil or neither full nor empty.
	buf *Buf

	// Bytes scanned on this Local.
	ScannedBytes mem.Bytes
}

func NewLocal(q *Queue) *Local {
	return &Local{q: q}
}

// Put enqueues the address of a grey object.
func (l *Local) Put(obj mem.Addr) {
	b := l.buf
	if b == nil {
		b = l.q.getEmpty()
		l.buf = b
	}
	b.obj[b.n] = obj
	b.n++
	if b.n == len(b.obj) {
		l.q.putFull(b)
		l.buf = nil
	}
}

func (l *Local) take(b *Buf) mem.Addr {
	b.n--
	obj := b.obj[b.n]
	if b.n == 0 {
		l.q.putEmpty(b)
		l.buf = nil
	} else {
		l.buf = b
	}
	return obj
}

// TryGet dequeues a grey object. If there are none in this Local or in the
// queue it returns false. There may still be work in other Locals.
func (l *Local) TryGet() (mem.Addr, bool) {
	b := l.buf
	if b == nil {
		b = l.q.tryGetFull()
		if b == nil {
			return 0, false
		}
		b.checkNonEmpty()
	}
	return l.take(b), true
}

// Get dequeues a grey object, blocking if necessary to ensure all objects
// from all Locals sharing the queue have been retrieved. It returns false
// when the phase is done. Only a worker counted in the queue's nproc may
// call Get.
func (l *Local) Get() (mem.Addr, bool) {
	b := l.buf
	if b == nil {
		b = l.q.getFull()
		if b == nil {
			return 0, false
		}
		b.checkNonEmpty()
	}
	return l.take(b), true
}

// Dispose returns any cached objects to the queue.
func (l *Local) Dispose() {
	if b := l.buf; b != nil {
		l.q.putFull(b)
		l.buf = nil
	}
}

// Balance moves some cached work back to the queue so that idle workers can
// take it.
func (l *Local) Balance() {
	b := l.buf
	if b == nil || b.n <= 4 {
		return
	}
	// Hand off half.
	b1 := l.q.getEmpty()
	n := b.n / 2
	b.n -= n
	copy(b1.obj[:n], b.obj[b.n:b.n+n])
	b1.n = n
	l.q.putFull(b1)
}

// Empty reports whether l has no cached work.
func (l *Local) Empty() bool {
	return l.buf == nil || l.buf.n == 0
}
