// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"

	"github.com/tsavola/weft/rangeset"
)

// Current enumerates the calling process's mappings.
func Current(fullPath bool) []Map {
	return Enumerate(os.Getpid(), fullPath)
}

// Enumerate parses /proc/<pid>/maps.  It returns an empty list if the
// file cannot be opened or read.
func Enumerate(pid int, fullPath bool) []Map {
	name := fmt.Sprintf("/proc/%d/maps", pid)

	f, err := os.Open(name)
	if err != nil {
		log.Debugf("memmap: %v", err)
		return nil
	}
	defer f.Close()

	maps, err := parseMaps(f, fullPath)
	if err != nil {
		log.Debugf("memmap: %s: %v", name, err)
	}
	return maps
}

// parseMaps processes lines of the form
//
//	00400000-0063c000 r-xp 00000000 fe:01 675628    /usr/bin/vim
func parseMaps(r io.Reader, fullPath bool) ([]Map, error) {
	var maps []Map

	scan := bufio.NewScanner(r)
	for scan.Scan() {
		m, err := parseLine(scan.Text(), fullPath)
		if err != nil {
			return maps, err
		}
		maps = append(maps, m)
	}

	return maps, scan.Err()
}

func parseLine(line string, fullPath bool) (m Map, err error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		err = fmt.Errorf("truncated maps line: %q", line)
		return
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		err = fmt.Errorf("malformed address range: %q", fields[0])
		return
	}

	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return
	}
	m.Range = rangeset.New(start, end)

	perms := fields[1]
	if len(perms) < 3 {
		err = fmt.Errorf("malformed permissions: %q", perms)
		return
	}
	if perms[0] == 'r' {
		m.Permission |= Read
	}
	if perms[1] == 'w' {
		m.Permission |= Write
	}
	if perms[2] == 'x' {
		m.Permission |= Exec
	}

	// Fields 2-4 are offset, device and inode; the path is optional and
	// may contain spaces.
	if len(fields) >= 6 {
		pathname := line[strings.Index(line, fields[5]):]
		if fullPath {
			m.Name = pathname
		} else if i := strings.LastIndexByte(pathname, '/'); i >= 0 {
			m.Name = pathname[i+1:]
		}
	}

	return
}
