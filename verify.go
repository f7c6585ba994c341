// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aclements/go-moremath/graph/graphalg"

	"gcheap/internal/fault"
	"gcheap/internal/region"
)

// ErrCorrupt is wrapped by the error Verify returns when a heap invariant
// does not hold.
var ErrCorrupt = errors.New("gcheap: heap corrupt")

// maxProblems bounds the problems one verification reports.
const maxProblems = 32

// objectGraph is the graph of the objects in the heap. Node i is the object
// at objs[i]; fillers are not nodes. It implements graph.Graph.
type objectGraph struct {
	h     *Heap
	objs  []Addr
	index map[Addr]int
	out   [][]int

	rooted bool // roots were scanned
	roots  []int
}

func (g *objectGraph) NumNodes() int {
	return len(g.objs)
}

func (g *objectGraph) Out(i int) []int {
	return g.out[i]
}

// Label names node i by its address and type.
func (g *objectGraph) Label(i int) string {
	obj := g.objs[i]
	typ := g.h.loadHeader(obj).typ()
	if te := g.h.types.lookup(typ); te != nil && te.Name != "" {
		return fmt.Sprintf("%s %s", obj, te.Name)
	}
	return fmt.Sprintf("%s type %d", obj, typ)
}

func (g *objectGraph) add(obj Addr) {
	g.index[obj] = len(g.objs)
	g.objs = append(g.objs, obj)
	g.out = append(g.out, nil)
}

// reachable returns the marks of every node reachable from the roots.
func (g *objectGraph) reachable() *graphalg.NodeMarks {
	marks := graphalg.NewNodeMarks()
	stack := make([]int, 0, len(g.roots))
	for _, n := range g.roots {
		if !marks.Test(n) {
			marks.Mark(n)
			stack = append(stack, n)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, succ := range g.out[n] {
			if !marks.Test(succ) {
				marks.Mark(succ)
				stack = append(stack, succ)
			}
		}
	}
	return marks
}

// cyclic returns the marks of every node on a reference cycle.
func (g *objectGraph) cyclic() *graphalg.NodeMarks {
	scc := graphalg.SCC(g, graphalg.SCCSubnodeComponent)
	marks := graphalg.NewNodeMarks()
	for cid := 0; cid < scc.NumNodes(); cid++ {
		nids := scc.Subnodes(cid)
		// A single node is a cycle only if it refers to itself.
		if len(nids) == 1 && !slices.Contains(g.out[nids[0]], nids[0]) {
			continue
		}
		for _, nid := range nids {
			marks.Mark(nid)
		}
	}
	return marks
}

type verifier struct {
	h        *Heap
	g        *objectGraph
	problems []error
	dropped  int
}

func (v *verifier) errorf(format string, args ...any) {
	if len(v.problems) == maxProblems {
		v.dropped++
		return
	}
	v.problems = append(v.problems, fmt.Errorf(format, args...))
}

func (v *verifier) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	n := len(v.problems) + v.dropped
	return fmt.Errorf("%w: %d problems: %w", ErrCorrupt, n, errors.Join(v.problems...))
}

// Verify checks the heap's invariants and returns an error wrapping
// ErrCorrupt describing what does not hold. It stops the world, so the
// calling goroutine must not be a running mutator.
//
// Verify checks that every region is well formed, that every region is a
// dense sequence of valid objects, that every root and every reference
// field points to an object, and that the card table and remembered sets
// cover every reference a collection would need to find.
func (h *Heap) Verify() error {
	h.gcLock.Lock()
	defer h.gcLock.Unlock()
	if h.closed.Load() {
		return ErrClosed
	}
	h.sp.stopTheWorld()
	defer h.sp.startTheWorld()
	h.retireAllocation()
	_, err := h.verifyLocked()
	return err
}

// mustVerify throws if the heap is corrupt. The world is stopped and
// allocation retired.
func (h *Heap) mustVerify(when string) {
	if _, err := h.verifyLocked(); err != nil {
		fault.Throw("gcheap: heap verification failed", "when", when, "err", err)
	}
}

// verifyLocked builds the object graph and checks it. The world is stopped
// and allocation retired.
func (h *Heap) verifyLocked() (*objectGraph, error) {
	v := h.verifyObjects()
	if len(v.problems) == 0 {
		v.checkRoots()
	}
	return v.g, v.err()
}

// verifyObjects checks the regions and every object in them, and builds
// the object graph without roots. It takes no heap locks.
func (h *Heap) verifyObjects() *verifier {
	v := &verifier{
		h: h,
		g: &objectGraph{h: h, index: make(map[Addr]int)},
	}
	for r := range h.regions.All() {
		v.checkRegion(r)
	}
	if len(v.problems) > 0 {
		// Object walks trust region bounds.
		return v
	}
	for r := range h.regions.All() {
		v.walkRegion(r)
	}
	if len(v.problems) > 0 {
		// Field scans trust object headers.
		return v
	}
	for n, obj := range v.g.objs {
		for slot := range h.refSlots(obj, h.loadHeader(obj)) {
			v.checkField(n, slot)
		}
	}
	return v
}

func (v *verifier) checkRoots() {
	v.g.rooted = true
	v.h.iterateRoots(func(slot *Addr) {
		if (*slot).IsNil() {
			return
		}
		n, ok := v.g.index[*slot]
		if !ok {
			v.errorf("root %p holds %s, not an object", slot, *slot)
			return
		}
		v.g.roots = append(v.g.roots, n)
	})
}

func (v *verifier) checkRegion(r *region.Region) {
	top := r.Top()
	if top < r.Bottom() || top > r.End() {
		v.errorf("%v: top out of bounds", r)
		return
	}
	if tams := r.TAMS(); tams < r.Bottom() || tams > top {
		v.errorf("%v: TAMS %s out of bounds", r, tams)
	}
	switch r.State() {
	case region.Free:
		if top != r.Bottom() {
			v.errorf("%v: free region not empty", r)
		}
		if r.Rem.Len() != 0 {
			v.errorf("%v: free region has %d remembered cards", r, r.Rem.Len())
		}
	case region.Eden, region.Survivor, region.Old, region.StartsHumongous:
	case region.ContinuesHumongous:
		start := v.h.regions.At(r.HumongousStart())
		if start.Index() >= r.Index() || start.State() != region.StartsHumongous {
			v.errorf("%v: humongous start %v", r, start)
		}
	default:
		v.errorf("%v: bad state", r)
	}
}

// walkRegion parses r from bottom to top and adds its objects to the graph.
func (v *verifier) walkRegion(r *region.Region) {
	h := v.h
	switch r.State() {
	case region.Free, region.ContinuesHumongous:
		return
	case region.StartsHumongous:
		obj := r.Bottom()
		hdr := h.loadHeader(obj)
		if !v.checkHeader(r, obj, hdr) {
			return
		}
		end := r.Top()
		for hr := range h.regions.Humongous(r) {
			end = hr.Top()
		}
		if obj.Plus(hdr.size()) != end {
			v.errorf("%v: humongous object %s of %d bytes ends at %s", r, obj, hdr.size(), end)
			return
		}
		if !r.Starts.Has(0) {
			v.errorf("%v: humongous object %s not in start bitmap", r, obj)
		}
		v.g.add(obj)
		return
	}

	top := r.Top()
	for obj := r.Bottom(); obj < top; {
		hdr := h.loadHeader(obj)
		if !v.checkHeader(r, obj, hdr) {
			return
		}
		end := obj.Plus(hdr.size())
		if end > top {
			v.errorf("%v: object %s of %d bytes crosses top", r, obj, hdr.size())
			return
		}
		i := r.WordIndex(obj)
		if !r.Starts.Has(i) {
			v.errorf("%v: object %s not in start bitmap", r, obj)
		}
		if j, ok := r.Starts.Next(i+1, r.WordIndex(end)); ok {
			v.errorf("%v: start bit inside object %s at %s", r, obj, r.WordAddr(j))
		}
		if hdr.typ() != TypeFiller {
			v.g.add(obj)
		}
		obj = end
	}
}

func (v *verifier) checkHeader(r *region.Region, obj Addr, hdr header) bool {
	switch {
	case hdr.forwarded():
		v.errorf("%v: object %s still forwarded to %s", r, obj, hdr.forwardee())
	case !v.h.types.valid(hdr.typ()):
		v.errorf("%v: object %s has bad type %d", r, obj, hdr.typ())
	case hdr.size() < minObjectLen:
		v.errorf("%v: object %s has bad size %d", r, obj, hdr.size())
	default:
		return true
	}
	return false
}

// checkField checks the reference at slot of node n and adds its edge.
func (v *verifier) checkField(n int, slot Addr) {
	h := v.h
	val := Addr(h.arena.Load(slot))
	if val.IsNil() {
		return
	}
	if !h.regions.Contains(val) {
		v.errorf("field %s of %s points outside the heap: %s", slot, v.g.objs[n], val)
		return
	}
	succ, ok := v.g.index[val]
	if !ok {
		v.errorf("field %s of %s points to %s, not an object (%v)", slot, v.g.objs[n], val, h.regions.Lookup(val))
		return
	}
	v.g.out[n] = append(v.g.out[n], succ)

	src, dst := h.regions.Lookup(slot), h.regions.Lookup(val)
	card := h.geo.Card(slot)
	switch h.cfg.Kind {
	case KindRegion:
		if src == dst || src.State().IsYoung() || dst.State().IsHumongous() {
			return
		}
		if !dst.Rem.Contains(card) && !h.cards.IsDirty(card) {
			v.errorf("field %s (%v) refers to %s (%v) but its card is neither remembered nor dirty", slot, src, val, dst)
		}
	case KindGenerational:
		if src.State().IsOld() && dst.State().IsYoung() && !h.cards.IsDirty(card) {
			v.errorf("old field %s refers to young %s on a clean card", slot, val)
		}
	}
}
