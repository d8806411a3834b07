// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package weft

import (
	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/event"
	"github.com/tsavola/weft/patch"
	"github.com/tsavola/weft/rangeset"
)

// memCBEntry is one virtual memory-range callback, dispatched by the
// shared gates.
type memCBEntry struct {
	id   uint32
	typ  AccessType
	rng  rangeset.Range[arch.W]
	cb   InstCallback
	data any
}

// AddMemAccessCB fires the callback at every instruction performing the
// given kind of access.  Registering any memory callback enables
// per-instruction access recording.
func (vm *VM) AddMemAccessCB(typ AccessType, cb InstCallback, data any) uint32 {
	if cb == nil {
		return InvalidEventID
	}
	vm.recordMemoryAccess(typ)

	switch typ {
	case MemoryRead:
		return vm.addCallbackRule(patch.DoesReadAccess(), PreInst, cb, data)
	case MemoryWrite:
		return vm.addCallbackRule(patch.DoesWriteAccess(), PostInst, cb, data)
	case MemoryReadWrite:
		return vm.addCallbackRule(
			patch.Or(patch.DoesReadAccess(), patch.DoesWriteAccess()),
			PostInst, cb, data)
	default:
		return InvalidEventID
	}
}

// AddMemAddrCB watches the single byte at addr; only accesses
// intersecting [addr, addr+1) match.
func (vm *VM) AddMemAddrCB(addr W, typ AccessType, cb InstCallback, data any) uint32 {
	return vm.AddMemRangeCB(addr, addr+1, typ, cb, data)
}

// AddMemRangeCB fires the callback when an access of the given kind
// intersects [start, end).  The returned ID has the virtual bit set.
func (vm *VM) AddMemRangeCB(start, end W, typ AccessType, cb InstCallback, data any) uint32 {
	if start >= end || typ&MemoryReadWrite == 0 || cb == nil {
		return InvalidEventID
	}

	// Install the shared gates lazily; they do not influence code
	// generation beyond the physical hooks they ride on.
	if typ == MemoryRead && vm.readGateID == InvalidEventID {
		vm.readGateID = vm.AddMemAccessCB(MemoryRead, memReadGate, nil)
	}
	if typ&MemoryWrite != 0 && vm.writeGateID == InvalidEventID {
		vm.writeGateID = vm.AddMemAccessCB(MemoryReadWrite, memWriteGate, nil)
	}

	id := vm.memCBID
	vm.memCBID++
	if id >= event.VirtualIDMask {
		return InvalidEventID
	}

	vm.memCBs = append(vm.memCBs, memCBEntry{
		id:   id,
		typ:  typ,
		rng:  rangeset.New(start, end),
		cb:   cb,
		data: data,
	})
	return id | event.VirtualIDMask
}

func (vm *VM) deleteMemCB(id uint32) bool {
	id &^= event.VirtualIDMask
	for i := range vm.memCBs {
		if vm.memCBs[i].id == id {
			vm.memCBs = append(vm.memCBs[:i], vm.memCBs[i+1:]...)
			return true
		}
	}
	return false
}

// recordMemoryAccess installs the engine's internal recording rules for
// the requested access kinds, once each.  Addresses are derived at the
// pre-instruction exit, where the operand registers still hold their
// input values.
func (vm *VM) recordMemoryAccess(typ AccessType) {
	if typ&MemoryRead != 0 && vm.memLogging&MemoryRead == 0 {
		vm.memLogging |= MemoryRead
		vm.engine.AddRule(&patch.Rule{
			Cond:     patch.DoesReadAccess(),
			Position: PreInst,
			Range:    patch.EverywhereRange(),
			Callback: func(*arch.GPRState, *arch.FPRState) VMAction {
				vm.engine.RecordCurrentAccesses(event.MemoryRead)
				return Continue
			},
		})
	}
	if typ&MemoryWrite != 0 && vm.memLogging&MemoryWrite == 0 {
		vm.memLogging |= MemoryWrite
		vm.engine.AddRule(&patch.Rule{
			Cond:     patch.DoesWriteAccess(),
			Position: PreInst,
			Range:    patch.EverywhereRange(),
			Callback: func(*arch.GPRState, *arch.FPRState) VMAction {
				vm.engine.RecordCurrentAccesses(event.MemoryWrite)
				return Continue
			},
		})
	}
}

// memReadGate forwards recorded read accesses to the matching virtual
// callbacks.  The most aggressive verdict wins.
func memReadGate(vm *VM, gpr *GPRState, fpr *FPRState, _ any) VMAction {
	var readRange rangeset.Set[arch.W]
	for _, a := range vm.InstMemoryAccess() {
		if a.Type&MemoryRead != 0 {
			readRange.Add(rangeset.New(a.AccessAddress, a.AccessAddress+arch.W(a.Size)))
		}
	}

	action := Continue
	for _, entry := range vm.memCBs {
		if entry.typ == MemoryRead && readRange.Overlaps(entry.rng) {
			if a := entry.cb(vm, gpr, fpr, entry.data); a > action {
				action = a
			}
		}
	}
	return action
}

// memWriteGate forwards write (and read-write) accesses.  Entries with
// only MemoryRead are the read gate's business.
func memWriteGate(vm *VM, gpr *GPRState, fpr *FPRState, _ any) VMAction {
	var readRange, writeRange rangeset.Set[arch.W]
	for _, a := range vm.InstMemoryAccess() {
		r := rangeset.New(a.AccessAddress, a.AccessAddress+arch.W(a.Size))
		if a.Type&MemoryRead != 0 {
			readRange.Add(r)
		}
		if a.Type&MemoryWrite != 0 {
			writeRange.Add(r)
		}
	}

	action := Continue
	for _, entry := range vm.memCBs {
		hit := (entry.typ&MemoryWrite != 0 && writeRange.Overlaps(entry.rng)) ||
			(entry.typ == MemoryReadWrite && readRange.Overlaps(entry.rng))
		if hit {
			if a := entry.cb(vm, gpr, fpr, entry.data); a > action {
				action = a
			}
		}
	}
	return action
}
