// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package arch

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

// Reg is an x86-64 general register in instruction encoding order.
type Reg int8

const (
	RAX = Reg(iota)
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumRegs
)

// ABI aliases.
const (
	RegSP     = RSP
	RegReturn = RAX
)

var regNames = [NumRegs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if r >= 0 && r < NumRegs {
		return regNames[r]
	}
	return "reg?"
}

// GPRState holds the guest's general registers.  Field order is the
// layout of the in-block context image; generated code addresses the
// fields by offset.
type GPRState struct {
	RAX    W
	RBX    W
	RCX    W
	RDX    W
	RSI    W
	RDI    W
	R8     W
	R9     W
	R10    W
	R11    W
	R12    W
	R13    W
	R14    W
	R15    W
	RBP    W
	RSP    W
	RIP    W
	EFLAGS W
}

// FPRState is an FXSAVE64 image (x87, MMX, SSE).
type FPRState struct {
	Data [512]byte
}

// InitDefaults fills in the control words of the ABI startup state, so
// that a fresh image is valid to fxrstor.
func (s *FPRState) InitDefaults() {
	binary.LittleEndian.PutUint16(s.Data[0:], 0x037f)  // FCW
	binary.LittleEndian.PutUint32(s.Data[24:], 0x1f80) // MXCSR
}

// HostState is the engine's private slice of the context: the saved host
// stack pointer, the exit selector and the exit site code.
//
// Selector is dual-use.  On entry it holds the host code address at
// which the prologue resumes guest execution; on exit the break-to-host
// patch stores the next guest address (sequence end) or the host resume
// address (callback site) into it.
type HostState struct {
	HostSP   W
	Selector W
	ExitCode W
}

// Context is the per-block data image read and written by generated
// code.  FPR must stay 16-byte aligned relative to the page-aligned
// context base, as required by fxsave64.
type Context struct {
	HostState HostState
	GPR       GPRState
	_         [8]byte
	FPR       FPRState
}

// Context field offsets used by the patch generator.
const (
	OffHostSP   = int(unsafe.Offsetof(Context{}.HostState) + unsafe.Offsetof(HostState{}.HostSP))
	OffSelector = int(unsafe.Offsetof(Context{}.HostState) + unsafe.Offsetof(HostState{}.Selector))
	OffExitCode = int(unsafe.Offsetof(Context{}.HostState) + unsafe.Offsetof(HostState{}.ExitCode))
	OffGPR      = int(unsafe.Offsetof(Context{}.GPR))
	OffFPR      = int(unsafe.Offsetof(Context{}.FPR))
	OffRIP      = OffGPR + 16*8
	OffEFLAGS   = OffGPR + 17*8
)

func init() {
	if OffFPR%16 != 0 {
		panic(errors.New("context FPR image is misaligned"))
	}
}

// gprOffsets maps encoding-order registers to GPRState field offsets.
var gprOffsets = [NumRegs]int{
	RAX: 0 * 8,
	RBX: 1 * 8,
	RCX: 2 * 8,
	RDX: 3 * 8,
	RSI: 4 * 8,
	RDI: 5 * 8,
	R8:  6 * 8,
	R9:  7 * 8,
	R10: 8 * 8,
	R11: 9 * 8,
	R12: 10 * 8,
	R13: 11 * 8,
	R14: 12 * 8,
	R15: 13 * 8,
	RBP: 14 * 8,
	RSP: 15 * 8,
}

// ContextOffset is the offset of the register's save slot within the
// context image.
func (r Reg) ContextOffset() int {
	return OffGPR + gprOffsets[r]
}

// Get returns a register value by encoding number.
func (s *GPRState) Get(r Reg) W {
	return *s.slot(r)
}

// Set stores a register value by encoding number.
func (s *GPRState) Set(r Reg, v W) {
	*s.slot(r) = v
}

func (s *GPRState) slot(r Reg) *W {
	return (*W)(unsafe.Add(unsafe.Pointer(s), gprOffsets[r]))
}

// Argument registers of the System V AMD64 calling convention.
var callArgRegs = [6]Reg{RDI, RSI, RDX, RCX, R8, R9}

// SimulateCall arranges the register state as if the guest had just
// executed a call instruction: arguments in place, return address pushed
// on the guest stack.  The stack pointer must already be set.
func (s *GPRState) SimulateCall(retAddr W, args []W) {
	n := len(args)
	if n > len(callArgRegs) {
		n = len(callArgRegs)
	}
	for i := 0; i < n; i++ {
		s.Set(callArgRegs[i], args[i])
	}

	// Remaining arguments go on the stack, below the return address,
	// keeping 16-byte alignment at the call boundary.
	extra := args[n:]
	if len(extra)%2 != 0 {
		s.RSP -= 8
	}
	for i := len(extra) - 1; i >= 0; i-- {
		s.RSP -= 8
		storeGuest(s.RSP, extra[i])
	}

	s.RSP -= 8
	storeGuest(s.RSP, retAddr)
}

func storeGuest(addr, value W) {
	*(*W)(unsafe.Pointer(uintptr(addr))) = value
}
