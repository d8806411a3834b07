// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package execblock

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func mapPages(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "execblock: mmap")
	}
	return b, nil
}

func unmapPages(b []byte) error {
	return unix.Munmap(b)
}

func protectExec(code []byte) error {
	return unix.Mprotect(code, unix.PROT_READ|unix.PROT_EXEC)
}

func protectWrite(code []byte) error {
	return unix.Mprotect(code, unix.PROT_READ|unix.PROT_WRITE)
}
