// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package weft is a dynamic binary instrumentation engine.  It takes an
unmodified program's machine code, rewrites it one basic block at a
time into an instrumented equivalent, and executes the rewritten code
in the host process while preserving the guest's observable state.

Clients register instrumentation through a VM: callbacks around every
instruction, at chosen addresses or mnemonics, on memory accesses, or
on engine events.  See the engine, patch and execblock subpackages for
the pipeline underneath.
*/
package weft

import (
	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/engine"
	"github.com/tsavola/weft/event"
	"github.com/tsavola/weft/memmap"
)

// Re-exported identifiers so that most clients only import this
// package.
type (
	W             = arch.W
	VMAction      = event.VMAction
	Position      = event.Position
	AccessType    = event.AccessType
	VMEvent       = event.VMEvent
	VMState       = engine.VMState
	GPRState      = arch.GPRState
	FPRState      = arch.FPRState
	MemoryAccess  = arch.MemoryAccess
	InstAnalysis  = decode.InstAnalysis
	AnalysisFlags = decode.AnalysisFlags
)

const (
	Continue  = event.Continue
	SkipInst  = event.SkipInst
	SkipPatch = event.SkipPatch
	BreakToVM = event.BreakToVM
	Stop      = event.Stop

	PreInst  = event.PreInst
	PostInst = event.PostInst

	MemoryRead      = event.MemoryRead
	MemoryWrite     = event.MemoryWrite
	MemoryReadWrite = event.MemoryReadWrite

	InvalidEventID = event.InvalidEventID

	AnalysisInstruction = decode.AnalysisInstruction
	AnalysisDisassembly = decode.AnalysisDisassembly
	AnalysisOperands    = decode.AnalysisOperands
	AnalysisSymbol      = decode.AnalysisSymbol

	SequenceEntry   = event.SequenceEntry
	SequenceExit    = event.SequenceExit
	BasicBlockEntry = event.BasicBlockEntry
	BasicBlockExit  = event.BasicBlockExit
	BasicBlockNew   = event.BasicBlockNew
	ExecTransfer    = event.ExecTransfer
)

// VM is the client-facing façade over one instrumentation engine.  A VM
// is confined to one goroutine; independent VMs are independent.
type VM struct {
	engine *engine.Engine

	memCBs      []memCBEntry
	memCBID     uint32
	readGateID  uint32
	writeGateID uint32
	memLogging  event.AccessType
}

// New creates a VM with an empty instrumented range set.
func New() (*VM, error) {
	e, err := engine.New()
	if err != nil {
		return nil, err
	}

	return &VM{
		engine:      e,
		readGateID:  InvalidEventID,
		writeGateID: InvalidEventID,
	}, nil
}

// Close releases the engine and every execution block.
func (vm *VM) Close() error {
	return vm.engine.Close()
}

// State access.

// GPRState returns a copy of the guest's general registers.
func (vm *VM) GPRState() GPRState {
	return *vm.engine.GPRState()
}

// FPRState returns a copy of the guest's floating-point state.
func (vm *VM) FPRState() FPRState {
	return *vm.engine.FPRState()
}

func (vm *VM) SetGPRState(s *GPRState) {
	if s != nil {
		*vm.engine.GPRState() = *s
	}
}

func (vm *VM) SetFPRState(s *FPRState) {
	if s != nil {
		*vm.engine.FPRState() = *s
	}
}

// Instrumented ranges.

// AddInstrumentedRange marks [start, end) as subject to rewriting.
func (vm *VM) AddInstrumentedRange(start, end arch.W) {
	if start >= end {
		return
	}
	vm.engine.AddInstrumentedRange(start, end)
}

// AddInstrumentedModule instruments every executable mapping backed by
// the named module.
func (vm *VM) AddInstrumentedModule(name string) bool {
	return vm.eachModuleRange(memmap.FindModule(memmap.Current(false), name),
		vm.engine.AddInstrumentedRange)
}

// AddInstrumentedModuleFromAddr instruments the module containing an
// address.
func (vm *VM) AddInstrumentedModuleFromAddr(addr arch.W) bool {
	return vm.eachModuleRange(memmap.FindModuleByAddr(memmap.Current(false), uint64(addr)),
		vm.engine.AddInstrumentedRange)
}

// InstrumentAllExecutableMaps instruments every executable mapping of
// the process.
func (vm *VM) InstrumentAllExecutableMaps() bool {
	return vm.eachModuleRange(memmap.Current(false), vm.engine.AddInstrumentedRange)
}

func (vm *VM) RemoveInstrumentedRange(start, end arch.W) {
	if start >= end {
		return
	}
	vm.engine.RemoveInstrumentedRange(start, end)
}

func (vm *VM) RemoveInstrumentedModule(name string) bool {
	return vm.eachModuleRange(memmap.FindModule(memmap.Current(false), name),
		vm.engine.RemoveInstrumentedRange)
}

func (vm *VM) RemoveInstrumentedModuleFromAddr(addr arch.W) bool {
	return vm.eachModuleRange(memmap.FindModuleByAddr(memmap.Current(false), uint64(addr)),
		vm.engine.RemoveInstrumentedRange)
}

func (vm *VM) RemoveAllInstrumentedRanges() {
	vm.engine.RemoveAllInstrumentedRanges()
}

func (vm *VM) eachModuleRange(maps []memmap.Map, apply func(lo, hi arch.W)) bool {
	applied := false
	for _, m := range maps {
		if m.Permission&memmap.Exec == 0 {
			continue
		}
		apply(arch.W(m.Range.Start), arch.W(m.Range.End))
		applied = true
	}
	return applied
}

// Execution.

// Run executes the guest from start until a callback returns Stop,
// execution reaches stop, or it leaves the instrumented ranges.  The
// engine installs the synthetic stop callback itself.
func (vm *VM) Run(start, stop arch.W) bool {
	return vm.engine.Run(start, stop)
}

// Return address sentinel used by the call helpers; execution leaving
// to it ends the run.
const fakeRetAddr = arch.W(0x42)

// CallA makes the guest call a function with the given arguments,
// using the guest stack.  The guest stack pointer must be set.
func (vm *VM) CallA(retval *arch.W, fn arch.W, args []arch.W) bool {
	state := vm.engine.GPRState()
	if state.Get(arch.RegSP) == 0 {
		return false
	}

	state.SimulateCall(fakeRetAddr, args)

	ok := vm.Run(fn, fakeRetAddr)

	if retval != nil {
		*retval = state.Get(arch.RegReturn)
	}
	return ok
}

// Call is CallA with variadic arguments.
func (vm *VM) Call(retval *arch.W, fn arch.W, args ...arch.W) bool {
	return vm.CallA(retval, fn, args)
}

// Cache control.

// PrecacheBasicBlock builds the block at pc ahead of execution.
func (vm *VM) PrecacheBasicBlock(pc arch.W) bool {
	return vm.engine.PrecacheBasicBlock(pc)
}

// ClearCache invalidates cached blocks overlapping [start, end).
func (vm *VM) ClearCache(start, end arch.W) {
	if start >= end {
		return
	}
	vm.engine.ClearCache(start, end)
}

// ClearAllCache invalidates every cached block.
func (vm *VM) ClearAllCache() {
	vm.engine.ClearAllCache()
}

// Analysis.

// InstAnalysis analyzes the instruction the current callback fired at.
func (vm *VM) InstAnalysis(flags AnalysisFlags) *InstAnalysis {
	return vm.engine.CurInstAnalysis(flags)
}

// CachedInstAnalysis analyzes the instruction at an address.
func (vm *VM) CachedInstAnalysis(addr arch.W, flags AnalysisFlags) *InstAnalysis {
	return vm.engine.CachedInstAnalysis(addr, flags)
}

// InstMemoryAccess returns the accesses recorded for the current
// instruction.  Memory recording must be enabled by a memory callback.
func (vm *VM) InstMemoryAccess() []MemoryAccess {
	return vm.engine.InstMemoryAccess()
}

// BBMemoryAccess returns the accesses recorded since basic block entry.
func (vm *VM) BBMemoryAccess() []MemoryAccess {
	return vm.engine.BBMemoryAccess()
}
