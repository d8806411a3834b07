// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"github.com/pkg/errors"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/patch/in"
)

// Scratch candidates stay below r8 so that rewritten ModR/M bytes never
// need a REX change, and avoid the rsp/rbp encodings which mean SIB and
// rip-relative in ModR/M.
var scratchCandidates = [6]arch.Reg{arch.RAX, arch.RCX, arch.RDX, arch.RBX, arch.RSI, arch.RDI}

// PickScratch selects a temporary register the instruction doesn't
// touch.
func PickScratch(inst *decode.Inst) arch.Reg {
	for _, r := range scratchCandidates {
		if !inst.UsesReg(r) {
			return r
		}
	}
	// Six candidates cannot all appear in one instruction's operands.
	panic(errors.New("patch: no scratch register available"))
}

// BreakGuest yields to the host with a known guest resume address:
// compute the address in a temporary, publish it through the selector,
// restore the temporary and take the epilogue.
func BreakGuest(temp arch.Reg, target arch.W) []RelocatableInst {
	return []RelocatableInst{
		SaveReg(temp),
		MovRegConst(temp, target),
		StoreCtx(arch.OffSelector, temp),
		LoadReg(temp),
		JmpEpilogue(),
	}
}

// breakGuestReg is BreakGuest with the resume address already in temp
// (which must have been spilled by the caller's sequence).
func breakGuestReg(temp arch.Reg) []RelocatableInst {
	return []RelocatableInst{
		StoreCtx(arch.OffSelector, temp),
		LoadReg(temp),
		JmpEpilogue(),
	}
}

// BreakSite yields to the host at a callback site.  The selector gets
// the host address just past this patch so execution can resume in
// place; the exit code tells the dispatcher which site fired.
func BreakSite(temp arch.Reg, siteID uint32) []RelocatableInst {
	seq := []RelocatableInst{
		SaveReg(temp),
		MovRegHostPC(temp, 0),
		StoreCtx(arch.OffSelector, temp),
		StoreCtxImm32(arch.OffExitCode, int32(siteID)),
		LoadReg(temp),
		JmpEpilogue(),
	}

	// The host PC hole is resolved against the movabs instruction's own
	// address; skip the rest of the patch.
	seq[1].Holes[0].Addend = int64(Len(seq[1:]))
	return seq
}

// GenBody produces the semantics-preserving rewrite of one guest
// instruction.  terminator reports that the sequence ends here and the
// patch publishes the next guest address itself.
func GenBody(inst *decode.Inst) (seq []RelocatableInst, terminator bool, err error) {
	switch {
	case inst.IsReturn():
		return genReturn(inst), true, nil

	case inst.IsConditionalBranch():
		seq, err = genCondBranch(inst)
		return seq, true, err

	case inst.IsBranch():
		return genJump(inst), true, nil

	case inst.IsCall():
		return genCall(inst), true, nil

	case inst.RIPRelative():
		seq, err = genRIPRelative(inst)
		return seq, false, err

	default:
		return []RelocatableInst{Raw(inst.Bytes)}, false, nil
	}
}

func genReturn(inst *decode.Inst) []RelocatableInst {
	temp := PickScratch(inst)

	seq := []RelocatableInst{
		SaveReg(temp),
		Raw(in.PopReg(temp)),
	}

	// ret imm16 releases callee-cleaned stack arguments.
	if imm, ok := retImm(inst); ok {
		seq = append(seq, Raw(in.AddRegImm32(arch.RSP, imm)))
	}

	return append(seq, breakGuestReg(temp)...)
}

func retImm(inst *decode.Inst) (imm int32, ok bool) {
	for _, op := range inst.ImmOperands() {
		return int32(op), true
	}
	return
}

func genJump(inst *decode.Inst) []RelocatableInst {
	if target, ok := inst.DirectTarget(); ok {
		return BreakGuest(PickScratch(inst), target)
	}
	temp := PickScratch(inst)

	seq := []RelocatableInst{SaveReg(temp)}
	seq = append(seq, computeTarget(inst, temp)...)
	return append(seq, breakGuestReg(temp)...)
}

func genCall(inst *decode.Inst) []RelocatableInst {
	temp := PickScratch(inst)
	retAddr := inst.NextAddress()

	seq := []RelocatableInst{SaveReg(temp)}

	if target, ok := inst.DirectTarget(); ok {
		seq = append(seq, MovRegConst(temp, target))
	} else {
		// The target operand may involve rsp; compute it before the
		// return address is pushed.
		seq = append(seq, computeTarget(inst, temp)...)
	}

	seq = append(seq,
		StoreCtx(arch.OffSelector, temp),
		MovRegConst(temp, retAddr),
		Raw(in.PushReg(temp)),
		LoadReg(temp),
		JmpEpilogue(),
	)
	return seq
}

// computeTarget loads an indirect branch or call target into temp.  The
// caller has already spilled temp.
func computeTarget(inst *decode.Inst, temp arch.Reg) []RelocatableInst {
	if r, ok := inst.RegTarget(); ok {
		return []RelocatableInst{Raw(in.MovRegReg(temp, r))}
	}

	mems := inst.MemOperands()
	if len(mems) == 0 {
		panic(errors.Errorf("patch: indirect transfer without target operand at %#x",
			uint64(inst.Address)))
	}
	m := mems[0]

	if m.RIPRel {
		addr := arch.W(int64(inst.NextAddress()) + m.Disp)
		return []RelocatableInst{
			MovRegConst(temp, addr),
			Raw(in.MovRegMem(temp, temp, -1, in.Scale0, 0)),
		}
	}

	return []RelocatableInst{
		Raw(in.MovRegMem(temp, m.Base, m.Index, in.ScaleOf(m.Scale), int32(m.Disp))),
	}
}

func genCondBranch(inst *decode.Inst) ([]RelocatableInst, error) {
	target, ok := inst.DirectTarget()
	if !ok {
		return nil, errors.Errorf("patch: conditional branch without immediate target at %#x",
			uint64(inst.Address))
	}

	stem, ok := in.CondStem(inst.Mnemonic)
	if !ok {
		return nil, errors.Errorf("patch: unsupported conditional branch %q at %#x",
			inst.Mnemonic, uint64(inst.Address))
	}

	temp := PickScratch(inst)
	fall := BreakGuest(temp, inst.NextAddress())
	taken := BreakGuest(temp, target)

	// Branch over the fallthrough exit when the original condition
	// holds.  loop and jrcxz keep their register side effects.
	rel := Len(fall)
	if rel > 127 {
		return nil, errors.New("patch: fallthrough exit out of short branch reach")
	}

	seq := []RelocatableInst{Raw(in.ShortBranch(stem, int8(rel)))}
	seq = append(seq, fall...)
	return append(seq, taken...), nil
}

// genRIPRelative rewrites a rip-relative data access to go through a
// scratch register holding the absolute target, which is a build-time
// constant.
func genRIPRelative(inst *decode.Inst) ([]RelocatableInst, error) {
	var m decode.MemOperand
	found := false
	for _, cand := range inst.MemOperands() {
		if cand.RIPRel {
			m = cand
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("patch: lost rip-relative operand at %#x", uint64(inst.Address))
	}

	temp := PickScratch(inst)
	body, err := rewriteModRM(inst.Bytes, temp)
	if err != nil {
		return nil, errors.Wrapf(err, "at %#x", uint64(inst.Address))
	}

	addr := arch.W(int64(inst.NextAddress()) + m.Disp)

	return []RelocatableInst{
		SaveReg(temp),
		MovRegConst(temp, addr),
		Raw(body),
		LoadReg(temp),
	}, nil
}

// rewriteModRM turns a mod=00 rm=101 (rip+disp32) ModR/M into a plain
// [temp] access, dropping the displacement.  temp is a low register, so
// no REX or VEX bits change.
func rewriteModRM(code []byte, temp arch.Reg) ([]byte, error) {
	off, err := modRMOffset(code)
	if err != nil {
		return nil, err
	}

	if code[off]&0xc7 != 0x05 {
		return nil, errors.New("patch: ModR/M is not rip-relative")
	}

	out := make([]byte, 0, len(code)-4)
	out = append(out, code[:off]...)
	out = append(out, code[off]&0x38|byte(temp&7))
	out = append(out, code[off+5:]...) // skip disp32
	return out, nil
}

func isLegacyPrefix(b byte) bool {
	switch b {
	case 0xf0, 0xf2, 0xf3, 0x2e, 0x36, 0x3e, 0x26, 0x64, 0x65, 0x66, 0x67:
		return true
	}
	return false
}

// modRMOffset walks prefixes and opcode bytes to find the ModR/M byte.
func modRMOffset(code []byte) (int, error) {
	i := 0
	for i < len(code) && isLegacyPrefix(code[i]) {
		i++
	}
	if i >= len(code) {
		return 0, errors.New("patch: truncated instruction")
	}

	switch {
	case code[i] == 0xc5: // 2-byte VEX
		i += 3
	case code[i] == 0xc4: // 3-byte VEX
		i += 4
	case code[i] == 0x62: // EVEX
		i += 5
	default:
		if code[i]&0xf0 == 0x40 { // REX
			i++
		}
		if i < len(code) && code[i] == 0x0f {
			i++
			if i < len(code) && (code[i] == 0x38 || code[i] == 0x3a) {
				i++
			}
		}
		i++
	}

	if i >= len(code) {
		return 0, errors.New("patch: no ModR/M byte")
	}
	return i, nil
}
