// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package in

import (
	"bytes"
	"testing"

	"github.com/tsavola/weft/arch"
)

func check(t *testing.T, name string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("%s: got % x, want % x", name, got, want)
	}
}

func TestMovEncodings(t *testing.T) {
	check(t, "movabs rax, 42",
		MovRegImm64(arch.RAX, 42),
		[]byte{0x48, 0xb8, 0x2a, 0, 0, 0, 0, 0, 0, 0})

	check(t, "movabs r10, 1",
		MovRegImm64(arch.R10, 1),
		[]byte{0x49, 0xba, 0x01, 0, 0, 0, 0, 0, 0, 0})

	check(t, "mov rcx, rax",
		MovRegReg(arch.RCX, arch.RAX),
		[]byte{0x48, 0x89, 0xc1})

	check(t, "mov [rip+0x10], rax",
		MovRipRelReg(arch.RAX, 0x10),
		[]byte{0x48, 0x89, 0x05, 0x10, 0, 0, 0})

	check(t, "mov rbx, [rip+0x10]",
		MovRegRipRel(arch.RBX, 0x10),
		[]byte{0x48, 0x8b, 0x1d, 0x10, 0, 0, 0})

	check(t, "mov qword [rip+8], 7",
		MovRipRelImm32(8, 7),
		[]byte{0x48, 0xc7, 0x05, 0x08, 0, 0, 0, 0x07, 0, 0, 0})

	check(t, "mov rax, [rbx+0x20]",
		MovRegMem(arch.RAX, arch.RBX, -1, Scale0, 0x20),
		[]byte{0x48, 0x8b, 0x84, 0x23, 0x20, 0, 0, 0})

	check(t, "mov rax, [rbx+rcx*8+4]",
		MovRegMem(arch.RAX, arch.RBX, arch.RCX, Scale3, 4),
		[]byte{0x48, 0x8b, 0x84, 0xcb, 0x04, 0, 0, 0})
}

func TestStackEncodings(t *testing.T) {
	check(t, "push rbx", PushReg(arch.RBX), []byte{0x53})
	check(t, "push r12", PushReg(arch.R12), []byte{0x41, 0x54})
	check(t, "pop rbp", PopReg(arch.RBP), []byte{0x5d})
	check(t, "pop r15", PopReg(arch.R15), []byte{0x41, 0x5f})

	check(t, "push [rip+4]", PushRipRel(4), []byte{0xff, 0x35, 0x04, 0, 0, 0})
	check(t, "pop [rip+4]", PopRipRel(4), []byte{0x8f, 0x05, 0x04, 0, 0, 0})

	check(t, "pushfq", Pushfq(), []byte{0x9c})
	check(t, "popfq", Popfq(), []byte{0x9d})
}

func TestControlEncodings(t *testing.T) {
	check(t, "jmp rel32", JmpRel32(0x100), []byte{0xe9, 0x00, 0x01, 0, 0})
	check(t, "jmp [rip+8]", JmpRipRel(8), []byte{0xff, 0x25, 0x08, 0, 0, 0})
	check(t, "ret", Ret(), []byte{0xc3})

	stem, ok := CondStem("jne")
	if !ok {
		t.Fatal("no stem for jne")
	}
	check(t, "jne +0x10", ShortBranch(stem, 0x10), []byte{0x75, 0x10})

	stem, ok = CondStem("loop")
	if !ok {
		t.Fatal("no stem for loop")
	}
	check(t, "loop -2", ShortBranch(stem, -2), []byte{0xe2, 0xfe})

	if _, ok := CondStem("jmp"); ok {
		t.Error("jmp must not have a conditional stem")
	}
}

func TestMiscEncodings(t *testing.T) {
	check(t, "add rsp, 8",
		AddRegImm32(arch.RSP, 8),
		[]byte{0x48, 0x81, 0xc4, 0x08, 0, 0, 0})

	check(t, "fxsave64 [rip+0x40]",
		Fxsave64RipRel(0x40),
		[]byte{0x48, 0x0f, 0xae, 0x05, 0x40, 0, 0, 0})

	check(t, "fxrstor64 [rip+0x40]",
		Fxrstor64RipRel(0x40),
		[]byte{0x48, 0x0f, 0xae, 0x0d, 0x40, 0, 0, 0})
}
