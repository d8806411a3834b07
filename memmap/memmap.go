// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memmap enumerates the mapped memory regions of a process.
package memmap

import (
	"path"

	"github.com/tsavola/weft/rangeset"
)

// Permission is a bitset of region access rights.
type Permission int

const (
	None = Permission(0)
	Read = Permission(1 << iota)
	Write
	Exec
)

func (p Permission) String() string {
	var b [3]byte
	b[0], b[1], b[2] = '-', '-', '-'
	if p&Read != 0 {
		b[0] = 'r'
	}
	if p&Write != 0 {
		b[1] = 'w'
	}
	if p&Exec != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// Map describes one mapped region.  Name is the basename (or full path)
// of the backing file, empty for anonymous mappings.
type Map struct {
	Range      rangeset.Range[uint64]
	Permission Permission
	Name       string
}

// FindModule returns the regions whose backing file matches name.
func FindModule(maps []Map, name string) []Map {
	var out []Map
	for _, m := range maps {
		if m.Name != "" && path.Base(m.Name) == path.Base(name) {
			out = append(out, m)
		}
	}
	return out
}

// FindModuleByAddr returns the regions sharing a backing file with the
// region containing addr.
func FindModuleByAddr(maps []Map, addr uint64) []Map {
	for _, m := range maps {
		if m.Range.Contains(addr) {
			if m.Name == "" {
				return []Map{m}
			}
			return FindModule(maps, m.Name)
		}
	}
	return nil
}

// ModuleNames returns the distinct backing file names in enumeration
// order.
func ModuleNames(maps []Map) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range maps {
		if m.Name == "" {
			continue
		}
		if _, found := seen[m.Name]; found {
			continue
		}
		seen[m.Name] = struct{}{}
		names = append(names, m.Name)
	}
	return names
}
