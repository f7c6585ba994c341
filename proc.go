// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"sync"
	"sync/atomic"

	"gcheap/internal/fault"
)

// Safepoints.
//
// Suspension is cooperative. A mutator is either running or parked; a
// running mutator polls the requested flag and parks itself when it sees it
// set. Concurrent marking workers join the suspendible set and yield in the
// same way. The world is stopped once no mutator runs and no suspendible
// worker is active.
//
// A goroutine that stops the world must not itself be a running mutator:
// mutators park with Block before collecting.

type safepoint struct {
	requested atomic.Bool

	mu   sync.Mutex
	cond sync.Cond
	// running counts registered mutators that are not parked.
	running int
	// suspendible counts concurrent workers that have joined and not
	// yielded.
	suspendible int
	stopped     bool
	mutators    []*Mutator
}

func (sp *safepoint) init() {
	sp.cond.L = &sp.mu
}

// waitStartLocked waits until no stop is requested. sp.mu must be held.
func (sp *safepoint) waitStartLocked() {
	for sp.requested.Load() {
		sp.cond.Wait()
	}
}

func (sp *safepoint) register(m *Mutator) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.waitStartLocked()
	sp.running++
	m.parked = false
	sp.mutators = append(sp.mutators, m)
}

func (sp *safepoint) unregister(m *Mutator) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !m.parked {
		sp.running--
	}
	for i, x := range sp.mutators {
		if x == m {
			sp.mutators = append(sp.mutators[:i], sp.mutators[i+1:]...)
			break
		}
	}
	sp.cond.Broadcast()
}

// park marks m parked. The caller must not touch the heap until unpark.
func (sp *safepoint) park(m *Mutator) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if m.parked {
		fault.Throw("safepoint: mutator parked twice", "mutator", m.id)
	}
	m.parked = true
	sp.running--
	sp.cond.Broadcast()
}

// unpark waits for any stop to end and marks m running.
func (sp *safepoint) unpark(m *Mutator) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !m.parked {
		fault.Throw("safepoint: mutator not parked", "mutator", m.id)
	}
	sp.waitStartLocked()
	m.parked = false
	sp.running++
}

// poll parks m for the duration of a requested stop.
func (sp *safepoint) poll(m *Mutator) {
	if !sp.requested.Load() {
		return
	}
	sp.park(m)
	sp.unpark(m)
}

// stopTheWorld requests a stop and waits until every mutator is parked and
// every suspendible worker has yielded. The caller must hold the heap's
// collection lock.
func (sp *safepoint) stopTheWorld() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.stopped {
		fault.Throw("safepoint: world already stopped")
	}
	sp.requested.Store(true)
	for sp.running > 0 || sp.suspendible > 0 {
		sp.cond.Wait()
	}
	sp.stopped = true
}

func (sp *safepoint) startTheWorld() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.stopped {
		fault.Throw("safepoint: world not stopped")
	}
	sp.stopped = false
	sp.requested.Store(false)
	sp.cond.Broadcast()
}

// forEachMutator calls f for every registered mutator. The world must be
// stopped.
func (sp *safepoint) forEachMutator(f func(*Mutator)) {
	sp.mu.Lock()
	ms := append([]*Mutator(nil), sp.mutators...)
	sp.mu.Unlock()
	for _, m := range ms {
		f(m)
	}
}

func (sp *safepoint) numMutators() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.mutators)
}

// joinSuspendible adds the caller to the suspendible set, waiting out any
// stop in progress.
func (sp *safepoint) joinSuspendible() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.waitStartLocked()
	sp.suspendible++
}

func (sp *safepoint) leaveSuspendible() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.suspendible--
	sp.cond.Broadcast()
}

// yield blocks a suspendible worker while a stop is requested. It reports
// whether it blocked.
func (sp *safepoint) yield() bool {
	if !sp.requested.Load() {
		return false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.suspendible--
	sp.cond.Broadcast()
	sp.waitStartLocked()
	sp.suspendible++
	return true
}
