// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/patch/in"
)

// Callee-saved registers of the host calling convention, in prologue
// push order.
var hostSavedRegs = [6]arch.Reg{arch.RBP, arch.RBX, arch.R12, arch.R13, arch.R14, arch.R15}

// GenPrologue emits the host-to-guest context switch.  The host calls
// the prologue like a function; it parks the host's callee-saved
// registers and flags on the host stack, records the host stack
// pointer, installs the guest context, and jumps through the selector.
func GenPrologue() []RelocatableInst {
	var seq []RelocatableInst

	for _, r := range hostSavedRegs {
		seq = append(seq, Raw(in.PushReg(r)))
	}
	seq = append(seq,
		Raw(in.Pushfq()),
		StoreCtx(arch.OffHostSP, arch.RSP),
		FxrstorCtx(),
		PushCtx(arch.OffEFLAGS),
		Raw(in.Popfq()),
	)

	for r := arch.Reg(0); r < arch.NumRegs; r++ {
		if r != arch.RSP {
			seq = append(seq, LoadReg(r))
		}
	}

	// The stack switches hands here; the selector jump must follow
	// immediately.
	seq = append(seq,
		LoadReg(arch.RSP),
		JmpCtx(arch.OffSelector),
	)
	return seq
}

// GenEpilogue emits the guest-to-host context switch, symmetric to the
// prologue.  It returns to the host's call site.
func GenEpilogue() []RelocatableInst {
	var seq []RelocatableInst

	for r := arch.Reg(0); r < arch.NumRegs; r++ {
		seq = append(seq, SaveReg(r))
	}

	// The guest stack pointer is already saved; borrowing the guest
	// stack for the flags transfer is fine.
	seq = append(seq,
		Raw(in.Pushfq()),
		PopCtx(arch.OffEFLAGS),
		FxsaveCtx(),
		LoadCtx(arch.RSP, arch.OffHostSP),
		Raw(in.Popfq()),
	)

	for i := len(hostSavedRegs) - 1; i >= 0; i-- {
		seq = append(seq, Raw(in.PopReg(hostSavedRegs[i])))
	}

	return append(seq, Raw(in.Ret()))
}
