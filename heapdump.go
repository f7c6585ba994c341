// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/aclements/go-moremath/graph/graphout"
)

// maxDumpObjects bounds the object graph written by the fault dumper.
const maxDumpObjects = 2048

// WriteDOT writes the object graph of the heap to w in Graphviz DOT
// format. Objects referenced by a root are drawn as boxes, objects no root
// reaches are grey, and objects on a reference cycle are red. Like Verify,
// WriteDOT stops the world.
func (h *Heap) WriteDOT(w io.Writer) error {
	h.gcLock.Lock()
	defer h.gcLock.Unlock()
	if h.closed.Load() {
		return ErrClosed
	}
	h.sp.stopTheWorld()
	defer h.sp.startTheWorld()
	h.retireAllocation()

	g, err := h.verifyLocked()
	if err != nil {
		return fmt.Errorf("gcheap: writing object graph: %w", err)
	}
	var buf bytes.Buffer
	g.writeDOT(&buf)
	_, err = w.Write(buf.Bytes())
	return err
}

func (g *objectGraph) writeDOT(w io.Writer) {
	live := g.reachable()
	cyclic := g.cyclic()
	isRoot := make(map[int]bool, len(g.roots))
	for _, n := range g.roots {
		isRoot[n] = true
	}
	nodeAttrs := func(node int) []graphout.DotAttr {
		attrs := []graphout.DotAttr{
			{Name: "tooltip", Val: fmt.Sprintf("%d bytes", g.h.loadHeader(g.objs[node]).size())},
		}
		if isRoot[node] {
			attrs = append(attrs, graphout.DotAttr{Name: "shape", Val: "box"})
		}
		switch {
		case cyclic.Test(node):
			attrs = append(attrs, graphout.DotAttr{Name: "color", Val: "red"})
		case g.rooted && !live.Test(node):
			attrs = append(attrs, graphout.DotAttr{Name: "color", Val: "grey"})
		}
		return attrs
	}
	edgeAttrs := func(node, edge int) []graphout.DotAttr {
		if cyclic.Test(node) && cyclic.Test(g.out[node][edge]) {
			return []graphout.DotAttr{{Name: "color", Val: "red"}}
		}
		return nil
	}
	graphout.Dot{Label: g.Label, NodeAttrs: nodeAttrs, EdgeAttrs: edgeAttrs}.Fprint(w, g)
}

// dumpGraph is the fault dumper writing the object graph. The faulting
// goroutine may hold any heap lock, so roots are not scanned.
func (h *Heap) dumpGraph(w io.Writer) {
	v := h.verifyObjects()
	if err := v.err(); err != nil {
		fmt.Fprintf(w, "%v\n", err)
	}
	g := v.g
	if n := g.NumNodes(); n > maxDumpObjects {
		fmt.Fprintf(w, "%d objects, too many to draw\n", n)
		return
	}
	g.writeDOT(w)
}
