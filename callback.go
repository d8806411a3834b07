// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package weft

import (
	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/engine"
	"github.com/tsavola/weft/event"
	"github.com/tsavola/weft/patch"
	"github.com/tsavola/weft/rangeset"
)

// InstCallback fires before or after an instrumented instruction with
// the guest state materialized and writable.
type InstCallback func(vm *VM, gpr *GPRState, fpr *FPRState, data any) VMAction

// VMCallback observes engine events.
type VMCallback func(vm *VM, state *VMState, gpr *GPRState, fpr *FPRState, data any) VMAction

// InstrRuleDataCBK is one callback an instrumentation rule attaches to
// a matched instruction.
type InstrRuleDataCBK struct {
	Position Position
	Callback InstCallback
	Data     any
}

// InstrRuleCallback is consulted at build time with each matched
// instruction's analysis and returns the callbacks to attach there.
type InstrRuleCallback func(vm *VM, analysis *InstAnalysis, data any) []InstrRuleDataCBK

// wrap binds a client callback into the engine-level closure shape.
func (vm *VM) wrap(cb InstCallback, data any) patch.Callback {
	return func(gpr *arch.GPRState, fpr *arch.FPRState) event.VMAction {
		return cb(vm, gpr, fpr, data)
	}
}

func (vm *VM) addCallbackRule(cond patch.Condition, pos Position, cb InstCallback, data any) uint32 {
	if cb == nil {
		return InvalidEventID
	}
	return vm.engine.AddRule(&patch.Rule{
		Cond:        cond,
		Position:    pos,
		Range:       patch.EverywhereRange(),
		Callback:    vm.wrap(cb, data),
		BreakToHost: true,
	})
}

// AddCodeCB fires the callback at every instrumented instruction.
func (vm *VM) AddCodeCB(pos Position, cb InstCallback, data any) uint32 {
	return vm.addCallbackRule(patch.True(), pos, cb, data)
}

// AddCodeAddrCB fires the callback at the instruction at one address.
func (vm *VM) AddCodeAddrCB(addr W, pos Position, cb InstCallback, data any) uint32 {
	return vm.addCallbackRule(patch.AddressIs(addr), pos, cb, data)
}

// AddCodeRangeCB fires the callback at every instruction in
// [start, end).
func (vm *VM) AddCodeRangeCB(start, end W, pos Position, cb InstCallback, data any) uint32 {
	if start >= end {
		return InvalidEventID
	}
	return vm.addCallbackRule(patch.InstructionInRange(start, end), pos, cb, data)
}

// AddMnemonicCB fires the callback at every instruction with the given
// mnemonic (case-insensitive).
func (vm *VM) AddMnemonicCB(mnemonic string, pos Position, cb InstCallback, data any) uint32 {
	if mnemonic == "" {
		return InvalidEventID
	}
	return vm.addCallbackRule(patch.MnemonicIs(mnemonic), pos, cb, data)
}

// AddInstrRule consults the callback for every instrumented
// instruction.
func (vm *VM) AddInstrRule(cb InstrRuleCallback, flags AnalysisFlags, data any) uint32 {
	return vm.addInstrRule(cb, flags, data, patch.EverywhereRange())
}

// AddInstrRuleRange restricts the rule to instructions in [start, end).
func (vm *VM) AddInstrRuleRange(start, end W, cb InstrRuleCallback, flags AnalysisFlags, data any) uint32 {
	if start >= end {
		return InvalidEventID
	}
	var r rangeset.Set[arch.W]
	r.Add(rangeset.New(start, end))
	return vm.addInstrRule(cb, flags, data, r)
}

func (vm *VM) addInstrRule(cb InstrRuleCallback, flags AnalysisFlags, data any, r rangeset.Set[arch.W]) uint32 {
	if cb == nil {
		return InvalidEventID
	}
	return vm.engine.AddRule(&patch.Rule{
		Cond:          patch.True(),
		Range:         r,
		AnalysisFlags: flags,
		BreakToHost:   true,
		InstrRule: func(analysis *decode.InstAnalysis) []patch.SiteCallback {
			var out []patch.SiteCallback
			for _, d := range cb(vm, analysis, data) {
				if d.Callback == nil {
					continue
				}
				out = append(out, patch.SiteCallback{
					Position: d.Position,
					Callback: vm.wrap(d.Callback, d.Data),
				})
			}
			return out
		},
	})
}

// AddVMEventCB fires the callback on the engine transitions selected by
// the mask.
func (vm *VM) AddVMEventCB(mask VMEvent, cb VMCallback, data any) uint32 {
	if mask == 0 || cb == nil {
		return InvalidEventID
	}
	return vm.engine.AddEventCB(mask, func(state *engine.VMState, gpr *arch.GPRState, fpr *arch.FPRState) event.VMAction {
		return cb(vm, state, gpr, fpr, data)
	})
}

// DeleteInstrumentation removes a registration by ID.  It reports
// whether anything was removed; deleting twice is a no-op.
func (vm *VM) DeleteInstrumentation(id uint32) bool {
	if id == InvalidEventID {
		return false
	}
	if id&event.VirtualIDMask != 0 {
		return vm.deleteMemCB(id)
	}
	return vm.engine.DeleteRule(id)
}

// DeleteAllInstrumentations removes every registration, including
// virtual memory callbacks.
func (vm *VM) DeleteAllInstrumentations() {
	vm.engine.DeleteAllRules()
	vm.memCBs = nil
	vm.readGateID = InvalidEventID
	vm.writeGateID = InvalidEventID
	vm.memLogging = 0
}
