// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This implements the snapshot-at-the-beginning buffers. The pre-write
// barrier records the value a store is about to overwrite so that concurrent
// marking still reaches every object that was reachable when marking
// started.
//
// Each mutator owns a SATBQueue. The barrier fast path appends to it; when
// the buffer fills, the slow path hands it to the SATBSet's completed list
// under a short lock and starts a fresh buffer. Marking workers take
// completed buffers and mark their contents.

package work

import (
	"sync"
	"sync/atomic"

	"gcheap/internal/mem"
)

// DefaultSATBBufferEntries trades flushing latency for amortization.
const DefaultSATBBufferEntries = 256

// SATBSet is the global side of the SATB buffers: the completed list and a
// cache of spare buffers.
type SATBSet struct {
	entries int
	active  atomic.Bool

	mu        sync.Mutex
	completed [][]mem.Addr
	spare     [][]mem.Addr

	enqueued atomic.Uint64
	flushed  atomic.Uint64
}

// NewSATBSet returns a set whose buffers hold entries addresses.
func NewSATBSet(entries int) *SATBSet {
	if entries <= 0 {
		entries = DefaultSATBBufferEntries
	}
	return &SATBSet{entries: entries}
}

// Active reports whether marking is in progress and the barrier must
// record overwritten values.
func (s *SATBSet) Active() bool {
	return s.active.Load()
}

// SetActive turns recording on or off. It is called with the world stopped.
func (s *SATBSet) SetActive(on bool) {
	s.active.Store(on)
}

func (s *SATBSet) newBuffer() []mem.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.spare); n > 0 {
		b := s.spare[n-1]
		s.spare = s.spare[:n-1]
		return b[:0]
	}
	return make([]mem.Addr, 0, s.entries)
}

func (s *SATBSet) enqueueCompleted(b []mem.Addr) {
	s.mu.Lock()
	s.completed = append(s.completed, b)
	s.mu.Unlock()
	s.flushed.Add(1)
}

// TakeCompleted removes one completed buffer. The caller returns it with
// Recycle once its contents are processed.
func (s *SATBSet) TakeCompleted() ([]mem.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.completed)
	if n == 0 {
		return nil, false
	}
	b := s.completed[n-1]
	s.completed = s.completed[:n-1]
	return b, true
}

// Recycle returns a processed buffer to the spare list.
func (s *SATBSet) Recycle(b []mem.Addr) {
	s.mu.Lock()
	s.spare = append(s.spare, b[:0])
	s.mu.Unlock()
}

// NumCompleted returns the number of completed buffers waiting.
func (s *SATBSet) NumCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// Abandon drops every completed buffer, for a marking cycle that is being
// aborted. Per-mutator queues must be reset separately.
func (s *SATBSet) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.completed {
		s.spare = append(s.spare, b[:0])
	}
	s.completed = s.completed[:0]
}

// Stats returns the number of entries enqueued and buffers completed.
func (s *SATBSet) Stats() (enqueued, flushed uint64) {
	return s.enqueued.Load(), s.flushed.Load()
}

// SATBQueue is a mutator's private SATB buffer.
type SATBQueue struct {
	set *SATBSet
	buf []mem.Addr
}

func NewSATBQueue(set *SATBSet) *SATBQueue {
	return &SATBQueue{set: set}
}

// Enqueue records obj. A full buffer is handed to the completed list.
func (q *SATBQueue) Enqueue(obj mem.Addr) {
	if q.buf == nil {
		q.buf = q.set.newBuffer()
	}
	q.buf = append(q.buf, obj)
	q.set.enqueued.Add(1)
	if len(q.buf) == cap(q.buf) {
		q.set.enqueueCompleted(q.buf)
		q.buf = nil
	}
}

// Flush hands a partially filled buffer to the completed list. It is called
// for every mutator at remark, with the world stopped.
func (q *SATBQueue) Flush() {
	if len(q.buf) == 0 {
		return
	}
	q.set.enqueueCompleted(q.buf)
	q.buf = nil
}

// Reset discards buffered entries.
func (q *SATBQueue) Reset() {
	if q.buf != nil {
		q.buf = q.buf[:0]
	}
}

// Len returns the number of buffered entries.
func (q *SATBQueue) Len() int {
	return len(q.buf)
}
