// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package mem

import (
	"golang.org/x/sys/unix"
)

// sysReserve reserves address space without backing it. Accessing the
// reservation faults until the pages are mapped with sysMap.
func sysReserve(n Bytes) ([]byte, error) {
	return unix.Mmap(-1, 0, int(n), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func sysMap(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// sysUnused drops the pages and makes them inaccessible again. A later
// sysMap of the same range observes zero-filled pages on Linux. Callers must
// not rely on that elsewhere.
func sysUnused(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func sysFree(b []byte) error {
	return unix.Munmap(b)
}
