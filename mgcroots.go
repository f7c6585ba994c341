// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"sync"
)

// Roots.
//
// The collector finds live objects starting from three kinds of roots:
// the handle stacks of registered mutators, the heap's global slots, and
// any RootSource registered with AddRootSource. Roots are visited by
// pointer so that moving collections can update them in place.

// A RootSource supplies extra roots. IterateRoots is called with the world
// stopped and must call visit with a pointer to every slot holding a heap
// reference. visit may change the slot.
type RootSource interface {
	IterateRoots(visit func(slot *Addr))
}

// RootFunc adapts a function to RootSource.
type RootFunc func(visit func(slot *Addr))

func (f RootFunc) IterateRoots(visit func(slot *Addr)) { f(visit) }

// Globals is a table of global reference slots. Globals are roots.
type Globals struct {
	h     *Heap
	mu    sync.Mutex
	slots []Addr
}

// Globals returns the heap's global slots.
func (h *Heap) Globals() *Globals {
	return &h.globals
}

// Add appends a slot holding obj and returns its index.
func (g *Globals) Add(obj Addr) int {
	if !obj.IsNil() {
		g.h.checkObject(obj)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots = append(g.slots, obj)
	return len(g.slots) - 1
}

// Get returns the object in slot i. Callers must be registered, unparked
// mutators, or the value may move under them.
func (g *Globals) Get(i int) Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[i]
}

// Set stores obj in slot i.
func (g *Globals) Set(i int, obj Addr) {
	if !obj.IsNil() {
		g.h.checkObject(obj)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[i] = obj
}

// Len returns the number of slots.
func (g *Globals) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

func (g *Globals) IterateRoots(visit func(*Addr)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.slots {
		visit(&g.slots[i])
	}
}

// rootEntry gives a registered source an identity; RootFunc values are
// not comparable.
type rootEntry struct {
	RootSource
}

// AddRootSource registers src. It returns a function that unregisters it.
func (h *Heap) AddRootSource(src RootSource) (remove func()) {
	h.rootMu.Lock()
	defer h.rootMu.Unlock()
	e := &rootEntry{src}
	h.rootSources = append(h.rootSources, e)
	return func() {
		h.rootMu.Lock()
		defer h.rootMu.Unlock()
		for i, s := range h.rootSources {
			if s == e {
				h.rootSources = append(h.rootSources[:i], h.rootSources[i+1:]...)
				return
			}
		}
	}
}

// rootTasks returns the root sets as independent units of work for
// parallel scanning: one per mutator, one for globals, one per source. The
// world must be stopped.
func (h *Heap) rootTasks() []func(visit func(*Addr)) {
	var tasks []func(func(*Addr))
	h.sp.forEachMutator(func(m *Mutator) {
		tasks = append(tasks, m.iterateRoots)
	})
	tasks = append(tasks, h.globals.IterateRoots)
	h.rootMu.Lock()
	for _, src := range h.rootSources {
		tasks = append(tasks, src.RootSource.IterateRoots)
	}
	h.rootMu.Unlock()
	return tasks
}

// iterateRoots visits every root serially.
func (h *Heap) iterateRoots(visit func(*Addr)) {
	for _, t := range h.rootTasks() {
		t(visit)
	}
}
