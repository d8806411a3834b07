// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package weft

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/execblock"
)

// The compared executor runs each seeded shellcode twice on the same
// inputs: natively (unrewritten bytes, entered in place through a bare
// context-switch block) and under instrumentation.  State transparency
// requires the two final contexts to be bit-identical.
//
// Both runs share one code mapping and one stack, so every address
// a shellcode computes or dereferences is the same on both paths.

var comparedSeeds = []struct {
	name string
	code []byte
}{
	{
		// mov rax, rdi; mov rbx, rsi; xchg rax, rbx; add rax, rbx;
		// mov rcx, rax; sub rcx, rdi; imul rdx, rcx, 3; xor r8, r8;
		// add r8, rdx; ret
		name: "gpr shuffle",
		code: []byte{
			0x48, 0x89, 0xf8,
			0x48, 0x89, 0xf3,
			0x48, 0x93,
			0x48, 0x01, 0xd8,
			0x48, 0x89, 0xc1,
			0x48, 0x29, 0xf9,
			0x48, 0x6b, 0xd1, 0x03,
			0x4d, 0x31, 0xc0,
			0x49, 0x01, 0xd0,
			0xc3,
		},
	},
	{
		// Sum of the odd numbers in 20..1:
		// xor eax, eax; mov ecx, 20; loop: test ecx, 1; jz even;
		// add eax, ecx; even: dec ecx; jnz loop; ret
		name: "conditional branching",
		code: []byte{
			0x31, 0xc0,
			0xb9, 0x14, 0x00, 0x00, 0x00,
			0xf7, 0xc1, 0x01, 0x00, 0x00, 0x00,
			0x74, 0x02,
			0x01, 0xc8,
			0xff, 0xc9,
			0x75, 0xf2,
			0xc3,
		},
	},
	{
		// push rbp; mov rbp, rsp; push rdi; push rsi; pop rax;
		// pop rbx; add rax, rbx; push rax; pop rcx; mov rsp, rbp;
		// pop rbp; ret
		name: "stack tricks",
		code: []byte{
			0x55,
			0x48, 0x89, 0xe5,
			0x57,
			0x56,
			0x58,
			0x5b,
			0x48, 0x01, 0xd8,
			0x50,
			0x59,
			0x48, 0x89, 0xec,
			0x5d,
			0xc3,
		},
	},
	{
		// Iterative fibonacci(15):
		// mov rax, 0; mov rbx, 1; mov rcx, 15; loop: mov rdx, rax;
		// add rax, rbx; mov rbx, rdx; dec rcx; jnz loop; ret
		name: "fibonacci",
		code: []byte{
			0x48, 0xc7, 0xc0, 0x00, 0x00, 0x00, 0x00,
			0x48, 0xc7, 0xc3, 0x01, 0x00, 0x00, 0x00,
			0x48, 0xc7, 0xc1, 0x0f, 0x00, 0x00, 0x00,
			0x48, 0x89, 0xc2,
			0x48, 0x01, 0xd8,
			0x48, 0x89, 0xd3,
			0x48, 0xff, 0xc9,
			0x75, 0xf2,
			0xc3,
		},
	},
	{
		// PC-relative addressing against data embedded past the ret:
		// lea rax, [rip+14]; mov rbx, [rax]; mov rcx, [rip+12];
		// add rcx, rbx; ret; dq 0x0123456789abcdef; dq 0x1111111111111111
		name: "relative addressing",
		code: []byte{
			0x48, 0x8d, 0x05, 0x0e, 0x00, 0x00, 0x00,
			0x48, 0x8b, 0x18,
			0x48, 0x8b, 0x0d, 0x0c, 0x00, 0x00, 0x00,
			0x48, 0x01, 0xd9,
			0xc3,
			0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01,
			0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11,
		},
	},
	{
		// SSE state crosses the context switches too:
		// movq xmm0, rdi; movq xmm1, rsi; paddq xmm0, xmm1;
		// movq rax, xmm0; ret
		name: "sse",
		code: []byte{
			0x66, 0x48, 0x0f, 0x6e, 0xc7,
			0x66, 0x48, 0x0f, 0x6e, 0xce,
			0x66, 0x0f, 0xd4, 0xc1,
			0x66, 0x48, 0x0f, 0x7e, 0xc0,
			0xc3,
		},
	},
}

// mapShellcode places code in an executable mapping so the native run
// can enter it in place.
func mapShellcode(t *testing.T, code []byte) W {
	t.Helper()

	mem, err := unix.Mmap(-1, 0, 0x1000, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Munmap(mem) })

	copy(mem, code)
	return addrOf(mem)
}

// comparedInput seeds every register with a distinct value so that
// untouched registers are checked for transparency as well.
func comparedInput() GPRState {
	var gpr GPRState
	for r := arch.Reg(0); r < arch.NumRegs; r++ {
		if r != arch.RSP {
			gpr.Set(r, 0x1010101010101010+0x0101010101010101*W(r))
		}
	}
	return gpr
}

// plantReturn resets the shared stack and parks retAddr where the
// shellcode's final ret will pop it.
func plantReturn(stack []byte, gpr *GPRState, retAddr W) {
	for i := range stack {
		stack[i] = 0
	}
	top := (addrOf(stack) + W(len(stack)) - 64) &^ 15
	gpr.RSP = top - 8
	*(*W)(unsafe.Pointer(uintptr(gpr.RSP))) = retAddr
}

// realExec runs the unrewritten bytes through a bare context-switch
// block: the prologue enters the shellcode in place, and the planted
// return address leads its ret into the epilogue.
func realExec(t *testing.T, entry W, stack []byte, gpr GPRState, fpr FPRState) (GPRState, FPRState) {
	t.Helper()

	b, err := execblock.New()
	require.NoError(t, err)
	t.Cleanup(b.Free)

	plantReturn(stack, &gpr, b.Epilogue())

	_, _, err = b.ExecuteAt(&gpr, &fpr, entry)
	require.NoError(t, err)
	return gpr, fpr
}

// jitExec runs the same bytes under instrumentation.
func jitExec(t *testing.T, entry W, size int, stack []byte, gpr GPRState, fpr FPRState) (GPRState, FPRState) {
	t.Helper()

	vm := newVM(t)
	vm.AddInstrumentedRange(entry, entry+W(size))

	plantReturn(stack, &gpr, sentinel)
	vm.SetGPRState(&gpr)
	vm.SetFPRState(&fpr)

	require.True(t, vm.Run(entry, sentinel))
	return vm.GPRState(), vm.FPRState()
}

func TestComparedExecutor(t *testing.T) {
	for _, seed := range comparedSeeds {
		t.Run(seed.name, func(t *testing.T) {
			entry := mapShellcode(t, seed.code)
			stack := make([]byte, 0x8000)

			input := comparedInput()
			var inputFPR FPRState
			inputFPR.InitDefaults()

			realGPR, realFPR := realExec(t, entry, stack, input, inputFPR)
			jitGPR, jitFPR := jitExec(t, entry, len(seed.code), stack, input, inputFPR)

			// The final program counter is a property of the exit
			// mechanism, not of the guest computation.
			realGPR.RIP = 0
			jitGPR.RIP = 0

			require.Equal(t, realGPR, jitGPR, "general registers diverge")
			require.Equal(t, realFPR.Data, jitFPR.Data, "floating-point state diverges")
		})
	}
}
