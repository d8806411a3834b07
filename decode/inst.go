// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import (
	"strings"

	"github.com/bnagy/gapstone"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/event"
)

// Inst is one decoded guest instruction.
type Inst struct {
	Address  arch.W
	Size     int
	Bytes    []byte
	Mnemonic string
	OpStr    string

	cs gapstone.Instruction
}

func wrap(insn gapstone.Instruction) Inst {
	b := make([]byte, len(insn.Bytes))
	copy(b, insn.Bytes)

	return Inst{
		Address:  arch.W(insn.Address),
		Size:     int(insn.Size),
		Bytes:    b,
		Mnemonic: strings.ToLower(insn.Mnemonic),
		OpStr:    insn.OpStr,
		cs:       insn,
	}
}

func (i *Inst) NextAddress() arch.W {
	return i.Address + arch.W(i.Size)
}

func (i *Inst) group(g uint) bool {
	for _, have := range i.cs.Groups {
		if have == g {
			return true
		}
	}
	return false
}

func (i *Inst) IsBranch() bool {
	return i.group(gapstone.CS_GRP_JUMP)
}

func (i *Inst) IsCall() bool {
	return i.group(gapstone.CS_GRP_CALL)
}

func (i *Inst) IsReturn() bool {
	return i.group(gapstone.CS_GRP_RET) || i.group(gapstone.CS_GRP_IRET)
}

func (i *Inst) IsCompare() bool {
	switch i.Mnemonic {
	case "cmp", "test":
		return true
	}
	return false
}

// AffectsControlFlow reports whether the instruction ends a basic
// block.  Software interrupts and syscalls don't: they run verbatim in
// the host context and fall through.
func (i *Inst) AffectsControlFlow() bool {
	return i.IsBranch() || i.IsCall() || i.IsReturn()
}

// EndsSequence is an alias kept close to the block builder's vocabulary.
func (i *Inst) EndsSequence() bool {
	return i.AffectsControlFlow()
}

// IsConditionalBranch distinguishes jcc (and loop/jcxz forms) from
// unconditional jumps.
func (i *Inst) IsConditionalBranch() bool {
	if !i.IsBranch() {
		return false
	}
	switch i.Mnemonic {
	case "jmp", "ljmp":
		return false
	}
	return true
}

// DirectTarget returns the immediate branch or call target, if any.
func (i *Inst) DirectTarget() (target arch.W, ok bool) {
	if !(i.IsBranch() || i.IsCall()) {
		return
	}
	for _, op := range i.x86Operands() {
		if op.Type == gapstone.X86_OP_IMM {
			return arch.W(op.Imm), true
		}
	}
	return
}

// ImmOperands returns the instruction's immediate operand values.
func (i *Inst) ImmOperands() []int64 {
	var out []int64
	for _, op := range i.x86Operands() {
		if op.Type == gapstone.X86_OP_IMM {
			out = append(out, op.Imm)
		}
	}
	return out
}

// RegTarget returns an indirect branch or call target held in a
// register operand.
func (i *Inst) RegTarget() (r arch.Reg, ok bool) {
	if !(i.IsBranch() || i.IsCall()) {
		return -1, false
	}
	for _, op := range i.x86Operands() {
		if op.Type == gapstone.X86_OP_REG {
			if r = regNum(op.Reg); r >= 0 {
				return r, true
			}
		}
	}
	return -1, false
}

// MemOperand describes one explicit memory operand.
type MemOperand struct {
	Base     arch.Reg // -1 if absent
	Index    arch.Reg // -1 if absent
	Scale    int
	Disp     int64
	Size     int
	RIPRel   bool
	SegIndex uint // Nonzero for fs/gs overrides; the access is opaque.
}

func (i *Inst) x86Operands() []gapstone.X86Operand {
	if i.cs.X86 == nil {
		return nil
	}
	return i.cs.X86.Operands
}

// MemOperands returns the instruction's explicit memory operands.
func (i *Inst) MemOperands() []MemOperand {
	var out []MemOperand
	for _, op := range i.x86Operands() {
		if op.Type != gapstone.X86_OP_MEM {
			continue
		}

		m := MemOperand{
			Base:     regNum(op.Mem.Base),
			Index:    regNum(op.Mem.Index),
			Scale:    int(op.Mem.Scale),
			Disp:     op.Mem.Disp,
			Size:     int(op.Size),
			RIPRel:   uint(op.Mem.Base) == uint(gapstone.X86_REG_RIP),
			SegIndex: uint(op.Mem.Segment),
		}
		out = append(out, m)
	}
	return out
}

// RIPRelative reports whether any memory operand addresses relative to
// the program counter.
func (i *Inst) RIPRelative() bool {
	for _, m := range i.MemOperands() {
		if m.RIPRel {
			return true
		}
	}
	return false
}

// EffectiveAddress computes a memory operand's address against a
// register state.
func (m *MemOperand) EffectiveAddress(instNext arch.W, gpr *arch.GPRState) arch.W {
	var addr arch.W
	if m.RIPRel {
		addr = instNext
	} else if m.Base >= 0 {
		addr = gpr.Get(m.Base)
	}
	if m.Index >= 0 {
		addr += gpr.Get(m.Index) * arch.W(m.Scale)
	}
	return addr + arch.W(m.Disp)
}

// Instructions which read and write their first (memory) operand.
var rmwMnemonics = map[string]bool{
	"add": true, "adc": true, "sub": true, "sbb": true,
	"and": true, "or": true, "xor": true, "not": true, "neg": true,
	"inc": true, "dec": true, "shl": true, "shr": true, "sar": true,
	"rol": true, "ror": true, "rcl": true, "rcr": true,
	"xadd": true, "xchg": true, "cmpxchg": true,
	"btc": true, "btr": true, "bts": true,
}

// Accesses classifies the instruction's memory behavior, including the
// implicit stack accesses of push/pop/call/ret.
func (i *Inst) Accesses() (t event.AccessType) {
	switch i.Mnemonic {
	case "push", "pushfq", "pushf", "call":
		t |= event.MemoryWrite
	case "pop", "popfq", "popf", "ret", "retq", "leave":
		t |= event.MemoryRead
	case "lea", "nop":
		return
	}

	ops := i.x86Operands()
	for n, op := range ops {
		if op.Type != gapstone.X86_OP_MEM {
			continue
		}

		dest := n == 0 && !i.IsCompare() && !i.IsBranch() && !i.IsCall() &&
			(len(ops) > 1 || rmwMnemonics[i.Mnemonic])
		if dest {
			t |= event.MemoryWrite
			if rmwMnemonics[i.Mnemonic] {
				t |= event.MemoryRead
			}
		} else {
			// Source operand, or the load of an indirect target.
			t |= event.MemoryRead
		}
	}
	return
}

func (i *Inst) MayRead() bool {
	return i.Accesses()&event.MemoryRead != 0
}

func (i *Inst) MayWrite() bool {
	return i.Accesses()&event.MemoryWrite != 0
}

// UsesReg reports whether the instruction mentions the register in any
// explicit operand or capstone-reported implicit register set.  Used for
// scratch selection.
func (i *Inst) UsesReg(r arch.Reg) bool {
	for _, op := range i.x86Operands() {
		switch op.Type {
		case gapstone.X86_OP_REG:
			if regNum(op.Reg) == r {
				return true
			}
		case gapstone.X86_OP_MEM:
			if regNum(op.Mem.Base) == r || regNum(op.Mem.Index) == r {
				return true
			}
		}
	}
	for _, reg := range i.cs.RegistersRead {
		if regNum(reg) == r {
			return true
		}
	}
	for _, reg := range i.cs.RegistersWritten {
		if regNum(reg) == r {
			return true
		}
	}
	return false
}

// csRegs maps capstone register numbers (full and 32-bit forms) to
// encoding-order registers.
var csRegs = map[uint]arch.Reg{
	uint(gapstone.X86_REG_RAX): arch.RAX, uint(gapstone.X86_REG_EAX): arch.RAX,
	uint(gapstone.X86_REG_RBX): arch.RBX, uint(gapstone.X86_REG_EBX): arch.RBX,
	uint(gapstone.X86_REG_RCX): arch.RCX, uint(gapstone.X86_REG_ECX): arch.RCX,
	uint(gapstone.X86_REG_RDX): arch.RDX, uint(gapstone.X86_REG_EDX): arch.RDX,
	uint(gapstone.X86_REG_RSI): arch.RSI, uint(gapstone.X86_REG_ESI): arch.RSI,
	uint(gapstone.X86_REG_RDI): arch.RDI, uint(gapstone.X86_REG_EDI): arch.RDI,
	uint(gapstone.X86_REG_RBP): arch.RBP, uint(gapstone.X86_REG_EBP): arch.RBP,
	uint(gapstone.X86_REG_RSP): arch.RSP, uint(gapstone.X86_REG_ESP): arch.RSP,
	uint(gapstone.X86_REG_R8):  arch.R8, uint(gapstone.X86_REG_R8D): arch.R8,
	uint(gapstone.X86_REG_R9):  arch.R9, uint(gapstone.X86_REG_R9D): arch.R9,
	uint(gapstone.X86_REG_R10): arch.R10, uint(gapstone.X86_REG_R10D): arch.R10,
	uint(gapstone.X86_REG_R11): arch.R11, uint(gapstone.X86_REG_R11D): arch.R11,
	uint(gapstone.X86_REG_R12): arch.R12, uint(gapstone.X86_REG_R12D): arch.R12,
	uint(gapstone.X86_REG_R13): arch.R13, uint(gapstone.X86_REG_R13D): arch.R13,
	uint(gapstone.X86_REG_R14): arch.R14, uint(gapstone.X86_REG_R14D): arch.R14,
	uint(gapstone.X86_REG_R15): arch.R15, uint(gapstone.X86_REG_R15D): arch.R15,
}

func regNum(cs uint) arch.Reg {
	if r, found := csRegs[cs]; found {
		return r
	}
	return -1
}
