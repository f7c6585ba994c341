// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fault implements the fatal error path of the heap.
//
// An invariant violation (a dirty card outside the heap, a region whose top
// escaped its bounds, a remembered set missing a reference) means the heap can
// no longer be trusted to hand out memory. Throw records a diagnostic dump and
// panics with an *Error. Callers inside the heap never recover it.
package fault

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Error is the panic value raised by Throw.
type Error struct {
	Msg   string
	Attrs []any
}

func (e *Error) Error() string {
	if len(e.Attrs) == 0 {
		return "fatal error: " + e.Msg
	}
	var b strings.Builder
	b.WriteString("fatal error: ")
	b.WriteString(e.Msg)
	for i := 0; i+1 < len(e.Attrs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", e.Attrs[i], e.Attrs[i+1])
	}
	return b.String()
}

type dumper struct {
	name string
	fn   func(io.Writer)
}

var (
	dumpLock sync.Mutex
	dumpers  = map[*dumper]struct{}{}
	output   io.Writer = os.Stderr
)

// AddDumper registers fn to be called by Throw to write diagnostic state.
// It returns a function that unregisters it.
func AddDumper(name string, fn func(io.Writer)) (remove func()) {
	d := &dumper{name, fn}
	dumpLock.Lock()
	dumpers[d] = struct{}{}
	dumpLock.Unlock()
	return func() {
		dumpLock.Lock()
		delete(dumpers, d)
		dumpLock.Unlock()
	}
}

// SetOutput redirects diagnostic dumps and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	dumpLock.Lock()
	defer dumpLock.Unlock()
	old := output
	output = w
	return old
}

// Throw reports an unrecoverable heap invariant violation. args are
// alternating slog keys and values.
func Throw(msg string, args ...any) {
	slog.Error("fatal error: "+msg, args...)

	dumpLock.Lock()
	w := output
	ds := make([]*dumper, 0, len(dumpers))
	for d := range dumpers {
		ds = append(ds, d)
	}
	dumpLock.Unlock()

	fmt.Fprintf(w, "fatal error: %s\n", msg)
	for _, d := range ds {
		fmt.Fprintf(w, "\n-- %s --\n", d.name)
		runDumper(w, d)
	}
	panic(&Error{Msg: msg, Attrs: args})
}

// Throwf is Throw with a formatted message and no attributes.
func Throwf(format string, args ...any) {
	Throw(fmt.Sprintf(format, args...))
}

func runDumper(w io.Writer, d *dumper) {
	// The heap is already inconsistent, so a dumper may trip over the same
	// corruption. Report that and keep going.
	defer func() {
		if err := recover(); err != nil {
			fmt.Fprintf(w, "dumper %s panicked: %v\n", d.name, err)
		}
	}()
	d.fn(w)
}
