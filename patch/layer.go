// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/patch/in"
)

// Constructors for the host instructions the generator composes
// sequences from.  Context accesses are rip-relative into the block's
// data area, so they leave guest registers and flags alone.

// SaveReg spills a guest register into its context slot.
func SaveReg(r arch.Reg) RelocatableInst {
	b := in.MovRipRelReg(r, 0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: r.ContextOffset()}},
	}
}

// LoadReg restores a guest register from its context slot.
func LoadReg(r arch.Reg) RelocatableInst {
	b := in.MovRegRipRel(r, 0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: r.ContextOffset()}},
	}
}

// StoreCtx stores a register into an arbitrary context field.
func StoreCtx(offset int, r arch.Reg) RelocatableInst {
	b := in.MovRipRelReg(r, 0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: offset}},
	}
}

// LoadCtx loads an arbitrary context field into a register.
func LoadCtx(r arch.Reg, offset int) RelocatableInst {
	b := in.MovRegRipRel(r, 0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: offset}},
	}
}

// StoreCtxImm32 stores a small constant directly into a context field.
func StoreCtxImm32(offset int, imm int32) RelocatableInst {
	b := in.MovRipRelImm32(0, imm)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 8, Offset: offset}},
	}
}

// MovRegConst materializes a 64-bit constant.
func MovRegConst(r arch.Reg, v arch.W) RelocatableInst {
	return Raw(in.MovRegImm64(r, uint64(v)))
}

// MovRegHostPC materializes the address addend bytes past this
// instruction's own location.
func MovRegHostPC(r arch.Reg, addend int64) RelocatableInst {
	b := in.MovRegImm64(r, 0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: HostPCRel, Off: len(b) - 8, Addend: addend}},
	}
}

// LoadRegPool loads a pooled 64-bit constant.
func LoadRegPool(r arch.Reg, v arch.W) RelocatableInst {
	b := in.MovRegRipRel(r, 0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: ConstantPool, Off: len(b) - 4, Value: v}},
	}
}

// PushCtx pushes a context field onto the current stack.
func PushCtx(offset int) RelocatableInst {
	b := in.PushRipRel(0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: offset}},
	}
}

// PopCtx pops the top of the current stack into a context field.
func PopCtx(offset int) RelocatableInst {
	b := in.PopRipRel(0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: offset}},
	}
}

// FxsaveCtx saves the FPU/SSE state into the context image.
func FxsaveCtx() RelocatableInst {
	b := in.Fxsave64RipRel(0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: arch.OffFPR}},
	}
}

// FxrstorCtx loads the FPU/SSE state from the context image.
func FxrstorCtx() RelocatableInst {
	b := in.Fxrstor64RipRel(0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: arch.OffFPR}},
	}
}

// JmpCtx jumps through a context field.
func JmpCtx(offset int) RelocatableInst {
	b := in.JmpRipRel(0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: DataBlockRel, Off: len(b) - 4, Offset: offset}},
	}
}

// JmpEpilogue transfers to the block's exit trampoline.
func JmpEpilogue() RelocatableInst {
	b := in.JmpRel32(0)
	return RelocatableInst{
		Template: b,
		Holes:    []Hole{{Kind: EpilogueRel, Off: len(b) - 4}},
	}
}
