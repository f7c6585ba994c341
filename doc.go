// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package gcheap implements a garbage-collected heap for a managed runtime.

The heap is divided into fixed-size regions. Mutators allocate from
thread-local allocation buffers (TLABs) carved from shared eden regions, and
execute a write barrier on every reference store. The barrier dirties cards
for cross-region stores and, while concurrent marking runs, records the
overwritten value in a snapshot-at-the-beginning (SATB) buffer.

Collections are stop-the-world evacuations of a collection set: all young
regions, plus old regions chosen by the policy after concurrent marking has
measured their liveness. Per-region remembered sets, fed by refining dirty
cards, locate the references into the collection set without scanning the
whole heap. A full mark-compact collection is the fallback when evacuation
runs out of space or the heap is exhausted.

Three kinds of heap are available:

	KindRegion        regions, remembered sets, concurrent marking, mixed collections
	KindGenerational  fixed young/old split, card table scanned for old→young references
	KindNoOp          allocation only; memory is never reclaimed

A Heap is created with New and used through Mutators:

	h, err := gcheap.New(gcheap.DefaultConfig())
	...
	m := h.NewMutator()
	defer m.Close()
	obj, err := m.Allocate(64, gcheap.TypeRefArray)
	m.Push(obj) // keep obj alive

Mutators must call Poll regularly (at loop back edges and calls), and must
call Block before any operation that may wait for another mutator.

# Configuration

Config is read once by New. ParseConfig and ConfigFromEnv accept a
comma-separated list of key=value settings, such as

	GCHEAP=max_heap_size=64m,region_size=256k,pause_time_goal_ms=5,gctrace=1

The gctrace setting controls logging: 1 emits one record per pause and 2
adds records for the phases of each pause.
*/
package gcheap
