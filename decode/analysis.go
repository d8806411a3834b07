// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import (
	"github.com/bnagy/gapstone"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/memmap"
)

// AnalysisFlags selects which InstAnalysis fields get populated.
type AnalysisFlags int

const (
	AnalysisInstruction = AnalysisFlags(1 << iota)
	AnalysisDisassembly
	AnalysisOperands
	AnalysisSymbol
)

// OperandType classifies an analyzed operand.
type OperandType int

const (
	OperandInvalid = OperandType(iota)
	OperandImm
	OperandReg
	OperandMem
)

// OperandAnalysis describes one operand of an analyzed instruction.
type OperandAnalysis struct {
	Type    OperandType
	Value   int64  // Immediate value or displacement.
	Size    int    // Access size in bytes.
	RegName string // Empty unless a register is involved.
}

// InstAnalysis is the immutable analysis record handed to client
// callbacks.  Fields beyond the instruction basics are populated
// according to the flags it was requested with.
type InstAnalysis struct {
	Flags AnalysisFlags

	// AnalysisInstruction
	Address             arch.W
	InstSize            int
	AffectControlFlow   bool
	IsBranch            bool
	IsCall              bool
	IsReturn            bool
	IsCompare           bool
	IsConditionalBranch bool
	MayLoad             bool
	MayStore            bool

	// AnalysisDisassembly
	Mnemonic    string
	Disassembly string

	// AnalysisOperands
	Operands []OperandAnalysis

	// AnalysisSymbol
	Module       string
	ModuleOffset arch.W
}

// Analyze builds an analysis record from a decoded instruction.
func Analyze(e *Engine, inst *Inst, flags AnalysisFlags) *InstAnalysis {
	a := &InstAnalysis{
		Flags:    flags,
		Address:  inst.Address,
		InstSize: inst.Size,
	}

	if flags&AnalysisInstruction != 0 {
		a.AffectControlFlow = inst.AffectsControlFlow()
		a.IsBranch = inst.IsBranch()
		a.IsCall = inst.IsCall()
		a.IsReturn = inst.IsReturn()
		a.IsCompare = inst.IsCompare()
		a.IsConditionalBranch = inst.IsConditionalBranch()
		a.MayLoad = inst.MayRead()
		a.MayStore = inst.MayWrite()
	}

	if flags&AnalysisDisassembly != 0 {
		a.Mnemonic = inst.Mnemonic
		a.Disassembly = inst.Mnemonic + " " + inst.OpStr
	}

	if flags&AnalysisOperands != 0 {
		a.Operands = analyzeOperands(e, inst)
	}

	if flags&AnalysisSymbol != 0 {
		if maps := memmap.FindModuleByAddr(memmap.Current(false), uint64(inst.Address)); len(maps) > 0 {
			a.Module = maps[0].Name
			a.ModuleOffset = inst.Address - arch.W(maps[0].Range.Start)
		}
	}

	return a
}

func analyzeOperands(e *Engine, inst *Inst) []OperandAnalysis {
	var out []OperandAnalysis

	for _, op := range inst.x86Operands() {
		oa := OperandAnalysis{Size: int(op.Size)}

		switch op.Type {
		case gapstone.X86_OP_REG:
			oa.Type = OperandReg
			oa.RegName = e.RegName(op.Reg)

		case gapstone.X86_OP_IMM:
			oa.Type = OperandImm
			oa.Value = op.Imm

		case gapstone.X86_OP_MEM:
			oa.Type = OperandMem
			oa.Value = op.Mem.Disp
			if op.Mem.Base != 0 {
				oa.RegName = e.RegName(uint(op.Mem.Base))
			}

		default:
			oa.Type = OperandInvalid
		}

		out = append(out, oa)
	}

	return out
}
