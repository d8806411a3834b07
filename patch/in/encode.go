// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package in encodes the x86-64 instructions which the patch generator
// emits around rewritten guest code.  Encodings with a patchable
// displacement or immediate use fixed-size forms so that operand
// offsets don't depend on values.
package in

import (
	"encoding/binary"

	"github.com/tsavola/weft/arch"
)

type output struct {
	buf    [16]byte
	offset uint8
}

func (o *output) bytes() []byte {
	b := make([]byte, o.offset)
	copy(b, o.buf[:o.offset])
	return b
}

func (o *output) byte(b byte) {
	o.buf[o.offset] = b
	o.offset++
}

func (o *output) rex(wrxb rexWRXB) {
	o.buf[o.offset] = Rex | byte(wrxb)
	o.offset++
}

func (o *output) rexIf(wrxb rexWRXB) {
	if wrxb != 0 {
		o.rex(wrxb)
	}
}

func (o *output) mod(mod Mod, ro ModRO, rm ModRM) {
	o.buf[o.offset] = byte(mod) | byte(ro) | byte(rm)
	o.offset++
}

func (o *output) sib(s Scale, index, base byte) {
	o.buf[o.offset] = byte(s) | index<<3 | base
	o.offset++
}

func (o *output) int32(val int32) {
	binary.LittleEndian.PutUint32(o.buf[o.offset:], uint32(val))
	o.offset += 4
}

func (o *output) int64(val int64) {
	binary.LittleEndian.PutUint64(o.buf[o.offset:], uint64(val))
	o.offset += 8
}

// MovRegImm64 is movabs r, imm64.  The immediate occupies the trailing 8
// bytes.
func MovRegImm64(r arch.Reg, imm uint64) []byte {
	var o output
	o.rex(RexW | regRexB(r))
	o.byte(0xb8 + byte(r&7))
	o.int64(int64(imm))
	return o.bytes()
}

// MovRegReg is mov dst, src (64-bit).
func MovRegReg(dst, src arch.Reg) []byte {
	var o output
	o.rex(RexW | regRexR(src) | regRexB(dst))
	o.byte(0x89)
	o.mod(ModReg, regRO(src), regRM(dst))
	return o.bytes()
}

// MovRipRelReg is mov [rip+disp32], src.  The displacement occupies the
// trailing 4 bytes.
func MovRipRelReg(src arch.Reg, disp int32) []byte {
	var o output
	o.rex(RexW | regRexR(src))
	o.byte(0x89)
	o.mod(ModMem, regRO(src), ModRMDisp32)
	o.int32(disp)
	return o.bytes()
}

// MovRegRipRel is mov dst, [rip+disp32].
func MovRegRipRel(dst arch.Reg, disp int32) []byte {
	var o output
	o.rex(RexW | regRexR(dst))
	o.byte(0x8b)
	o.mod(ModMem, regRO(dst), ModRMDisp32)
	o.int32(disp)
	return o.bytes()
}

// MovRipRelImm32 is mov qword [rip+disp32], imm32 (sign-extended).  The
// displacement is at len-8, the immediate at len-4.
func MovRipRelImm32(disp int32, imm int32) []byte {
	var o output
	o.rex(RexW)
	o.byte(0xc7)
	o.mod(ModMem, 0, ModRMDisp32)
	o.int32(disp)
	o.int32(imm)
	return o.bytes()
}

// MovRegMem is mov dst, [base + index*scale + disp32] with a fixed SIB
// encoding.  Pass -1 for an absent index (or base).
func MovRegMem(dst, base, index arch.Reg, scale Scale, disp int32) []byte {
	var o output

	mod := ModMemDisp32
	baseBits := byte(5)
	var wrxb = RexW | regRexR(dst)
	if base < 0 {
		// No base: mod 00 with SIB base 101 means disp32 only.
		mod = ModMem
	} else {
		baseBits = byte(base & 7)
		wrxb |= regRexB(base)
	}

	indexBits := byte(4) // none
	if index >= 0 {
		indexBits = byte(index & 7)
		wrxb |= regRexX(index)
	}

	o.rex(wrxb)
	o.byte(0x8b)
	o.mod(mod, regRO(dst), ModRMSIB)
	o.sib(scale, indexBits, baseBits)
	o.int32(disp)
	return o.bytes()
}

// PushReg is push r.
func PushReg(r arch.Reg) []byte {
	var o output
	o.rexIf(regRexB(r))
	o.byte(0x50 + byte(r&7))
	return o.bytes()
}

// PopReg is pop r.
func PopReg(r arch.Reg) []byte {
	var o output
	o.rexIf(regRexB(r))
	o.byte(0x58 + byte(r&7))
	return o.bytes()
}

// PushRipRel is push qword [rip+disp32].
func PushRipRel(disp int32) []byte {
	var o output
	o.byte(0xff)
	o.mod(ModMem, ModRO(6<<3), ModRMDisp32)
	o.int32(disp)
	return o.bytes()
}

// PopRipRel is pop qword [rip+disp32].
func PopRipRel(disp int32) []byte {
	var o output
	o.byte(0x8f)
	o.mod(ModMem, 0, ModRMDisp32)
	o.int32(disp)
	return o.bytes()
}

// JmpRel32 is jmp rel32.  The relative offset occupies the trailing 4
// bytes and is relative to the end of the instruction.
func JmpRel32(rel int32) []byte {
	var o output
	o.byte(0xe9)
	o.int32(rel)
	return o.bytes()
}

// JmpRipRel is jmp [rip+disp32].
func JmpRipRel(disp int32) []byte {
	var o output
	o.byte(0xff)
	o.mod(ModMem, ModRO(4<<3), ModRMDisp32)
	o.int32(disp)
	return o.bytes()
}

// AddRegImm32 is add r, imm32 (sign-extended to 64 bits).
func AddRegImm32(r arch.Reg, imm int32) []byte {
	var o output
	o.rex(RexW | regRexB(r))
	o.byte(0x81)
	o.mod(ModReg, 0, regRM(r))
	o.int32(imm)
	return o.bytes()
}

// Fxsave64RipRel is fxsave64 [rip+disp32].
func Fxsave64RipRel(disp int32) []byte {
	var o output
	o.rex(RexW)
	o.byte(0x0f)
	o.byte(0xae)
	o.mod(ModMem, 0, ModRMDisp32)
	o.int32(disp)
	return o.bytes()
}

// Fxrstor64RipRel is fxrstor64 [rip+disp32].
func Fxrstor64RipRel(disp int32) []byte {
	var o output
	o.rex(RexW)
	o.byte(0x0f)
	o.byte(0xae)
	o.mod(ModMem, ModRO(1<<3), ModRMDisp32)
	o.int32(disp)
	return o.bytes()
}

func Pushfq() []byte { return []byte{0x9c} }
func Popfq() []byte  { return []byte{0x9d} }
func Ret() []byte    { return []byte{0xc3} }

// ShortBranch appends a rel8 to a conditional-branch opcode stem (jcc,
// loop family).
func ShortBranch(stem []byte, rel int8) []byte {
	b := make([]byte, len(stem)+1)
	copy(b, stem)
	b[len(stem)] = byte(rel)
	return b
}

// CondStem returns the short-form opcode stem of a conditional branch
// mnemonic.
func CondStem(mnemonic string) (stem []byte, ok bool) {
	if cc, found := condCodes[mnemonic]; found {
		return []byte{0x70 + cc}, true
	}

	switch mnemonic {
	case "jrcxz":
		return []byte{0xe3}, true
	case "jecxz":
		return []byte{0x67, 0xe3}, true
	case "loop":
		return []byte{0xe2}, true
	case "loope":
		return []byte{0xe1}, true
	case "loopne":
		return []byte{0xe0}, true
	}
	return nil, false
}

var condCodes = map[string]byte{
	"jo": 0x0, "jno": 0x1,
	"jb": 0x2, "jc": 0x2, "jnae": 0x2,
	"jae": 0x3, "jnb": 0x3, "jnc": 0x3,
	"je": 0x4, "jz": 0x4,
	"jne": 0x5, "jnz": 0x5,
	"jbe": 0x6, "jna": 0x6,
	"ja": 0x7, "jnbe": 0x7,
	"js": 0x8, "jns": 0x9,
	"jp": 0xa, "jpe": 0xa,
	"jnp": 0xb, "jpo": 0xb,
	"jl": 0xc, "jnge": 0xc,
	"jge": 0xd, "jnl": 0xd,
	"jle": 0xe, "jng": 0xe,
	"jg": 0xf, "jnle": 0xf,
}
