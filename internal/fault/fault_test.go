// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fault

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// catch runs f and returns the *Error it threw, or nil.
func catch(f func()) (e *Error) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			e = err
		}
	}()
	f()
	return nil
}

func TestThrowRunsDumpers(t *testing.T) {
	var buf bytes.Buffer
	old := SetOutput(&buf)
	defer SetOutput(old)

	remove := AddDumper("regions", func(w io.Writer) {
		io.WriteString(w, "region 3 top out of range\n")
	})
	defer remove()
	removeBad := AddDumper("broken", func(w io.Writer) {
		panic("dumper tripped")
	})
	defer removeBad()

	e := catch(func() { Throw("bad region top", "region", 3) })
	if e == nil {
		t.Fatalf("Throw returned normally")
	}
	if got, want := e.Error(), "fatal error: bad region top region=3"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	out := buf.String()
	for _, want := range []string{"fatal error: bad region top", "-- regions --", "region 3 top out of range", "dumper broken panicked"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestRemoveDumper(t *testing.T) {
	var buf bytes.Buffer
	old := SetOutput(&buf)
	defer SetOutput(old)

	remove := AddDumper("gone", func(w io.Writer) { io.WriteString(w, "should not appear") })
	remove()

	e := catch(func() { Throwf("card %d outside heap", 12) })
	var target *Error
	if !errors.As(error(e), &target) || target.Msg != "card 12 outside heap" {
		t.Fatalf("unexpected error %v", e)
	}
	if strings.Contains(buf.String(), "should not appear") {
		t.Fatalf("removed dumper still ran:\n%s", buf.String())
	}
}
