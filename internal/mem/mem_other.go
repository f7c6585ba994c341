// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package mem

// Without mmap the reservation is ordinary Go memory. Commit is free and
// decommit only clears.

func sysReserve(n Bytes) ([]byte, error) {
	return make([]byte, n), nil
}

func sysMap(b []byte) error {
	return nil
}

func sysUnused(b []byte) error {
	clear(b)
	return nil
}

func sysFree(b []byte) error {
	return nil
}
