// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/event"
)

const wordSize = 8

// deriveAccesses reconstructs the memory accesses of an instruction
// from its operands and the live register state.  It runs at the
// break-to-host before the instruction (for loads, and for stores the
// target address is computed against the pre-state as well).
func deriveAccesses(inst *decode.Inst, gpr *arch.GPRState) []arch.MemoryAccess {
	var out []arch.MemoryAccess
	kinds := inst.Accesses()

	// Implicit stack accesses.
	switch inst.Mnemonic {
	case "push", "pushfq", "pushf":
		out = append(out, arch.MemoryAccess{
			InstAddress:   inst.Address,
			AccessAddress: gpr.RSP - wordSize,
			Size:          wordSize,
			Type:          event.MemoryWrite,
		})
	case "pop", "popfq", "popf", "ret", "retq":
		out = append(out, arch.MemoryAccess{
			InstAddress:   inst.Address,
			AccessAddress: gpr.RSP,
			Size:          wordSize,
			Type:          event.MemoryRead,
		})
	case "leave":
		out = append(out, arch.MemoryAccess{
			InstAddress:   inst.Address,
			AccessAddress: gpr.RBP,
			Size:          wordSize,
			Type:          event.MemoryRead,
		})
	case "call":
		out = append(out, arch.MemoryAccess{
			InstAddress:   inst.Address,
			AccessAddress: gpr.RSP - wordSize,
			Size:          wordSize,
			Type:          event.MemoryWrite,
		})
	case "lea", "nop":
		return out
	}

	if kinds == 0 {
		return out
	}

	for _, m := range inst.MemOperands() {
		if m.SegIndex != 0 {
			// Segment-based accesses are opaque to the rewriter.
			continue
		}

		addr := m.EffectiveAddress(inst.NextAddress(), gpr)
		size := uint16(m.Size)
		if size == 0 {
			size = wordSize
		}

		t := explicitAccessType(inst, &m)
		if t == 0 {
			continue
		}

		out = append(out, arch.MemoryAccess{
			InstAddress:   inst.Address,
			AccessAddress: addr,
			Size:          size,
			Type:          t,
		})
	}

	return out
}

// explicitAccessType classifies a single explicit memory operand the
// same way Inst.Accesses classifies the instruction.
func explicitAccessType(inst *decode.Inst, m *decode.MemOperand) event.AccessType {
	mems := inst.MemOperands()
	first := len(mems) > 0 && mems[0] == *m

	// push [mem] writes only through its implicit stack operand.
	if first && inst.Mnemonic != "push" && !inst.IsCompare() && !inst.IsBranch() && !inst.IsCall() && inst.MayWrite() {
		t := event.MemoryWrite
		if inst.MayRead() && rmwLike(inst) {
			t |= event.MemoryRead
		}
		return t
	}
	return event.MemoryRead
}

func rmwLike(inst *decode.Inst) bool {
	switch inst.Mnemonic {
	case "add", "adc", "sub", "sbb", "and", "or", "xor", "not", "neg",
		"inc", "dec", "shl", "shr", "sar", "rol", "ror", "rcl", "rcr",
		"xadd", "xchg", "cmpxchg", "btc", "btr", "bts":
		return true
	}
	return false
}
