// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event enumerates callback verdicts, callback positions and
// engine event identifiers.
package event

import (
	"fmt"
)

// InvalidEventID is returned by registration functions on invalid
// arguments.
const InvalidEventID = ^uint32(0)

// VirtualIDMask marks event identifiers which belong to virtual memory
// callbacks instead of engine instrumentation rules.
const VirtualIDMask = uint32(1) << 31

// VMAction is a callback's verdict on how execution should proceed.  When
// several callbacks fire at the same site, the largest verdict wins.
type VMAction int

const (
	Continue = VMAction(iota)
	SkipInst
	SkipPatch
	BreakToVM
	Stop
)

func (a VMAction) String() string {
	switch a {
	case Continue:
		return "continue"

	case SkipInst:
		return "skip instruction"

	case SkipPatch:
		return "skip patch"

	case BreakToVM:
		return "break to vm"

	case Stop:
		return "stop"

	default:
		return fmt.Sprintf("unknown action %d", int(a))
	}
}

// Position selects whether an instrumentation fires before or after the
// instruction it is attached to.
type Position int

const (
	PreInst = Position(iota)
	PostInst
)

func (p Position) String() string {
	if p == PreInst {
		return "preinst"
	}
	return "postinst"
}

// AccessType classifies a memory access.
type AccessType int

const (
	MemoryRead      = AccessType(1)
	MemoryWrite     = AccessType(2)
	MemoryReadWrite = MemoryRead | MemoryWrite
)

func (t AccessType) String() string {
	switch t {
	case MemoryRead:
		return "read"

	case MemoryWrite:
		return "write"

	case MemoryReadWrite:
		return "read-write"

	default:
		return fmt.Sprintf("unknown access type %d", int(t))
	}
}

// VMEvent is a bitmask of engine transitions which can be observed via an
// event callback.
type VMEvent int

const (
	SequenceEntry = VMEvent(1 << iota)
	SequenceExit
	BasicBlockEntry
	BasicBlockExit
	BasicBlockNew
	ExecTransfer
	ExecTransferReturn
)

func (e VMEvent) String() string {
	switch e {
	case SequenceEntry:
		return "sequence entry"

	case SequenceExit:
		return "sequence exit"

	case BasicBlockEntry:
		return "basic block entry"

	case BasicBlockExit:
		return "basic block exit"

	case BasicBlockNew:
		return "basic block new"

	case ExecTransfer:
		return "exec transfer"

	case ExecTransferReturn:
		return "exec transfer return"

	default:
		return fmt.Sprintf("event mask %#x", int(e))
	}
}
