// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package weft

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sentinel = W(0x4242)

func newVM(t *testing.T) *VM {
	t.Helper()
	vm, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })
	return vm
}

func addrOf(b []byte) W {
	return W(uintptr(unsafe.Pointer(&b[0])))
}

func instrument(vm *VM, code []byte) W {
	addr := addrOf(code)
	vm.AddInstrumentedRange(addr, addr+W(len(code)))
	return addr
}

// withStack gives the guest a stack with the sentinel parked as the
// return address, and installs it as the entry state.
func withStack(t *testing.T, vm *VM) {
	t.Helper()

	stack := make([]byte, 0x8000)
	t.Cleanup(func() { _ = stack })

	gpr := vm.GPRState()
	gpr.RSP = (addrOf(stack) + 0x8000 - 64) &^ 15
	gpr.RSP -= 8
	*(*W)(unsafe.Pointer(uintptr(gpr.RSP))) = sentinel
	vm.SetGPRState(&gpr)
}

// Identity run: mov eax, 42; ret.
func TestRunIdentity(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	code := []byte{0xb8, 0x2a, 0, 0, 0, 0xc3}
	entry := instrument(vm, code)

	require.True(t, vm.Run(entry, sentinel))
	assert.EqualValues(t, 42, vm.GPRState().RAX)
}

// loopCode sums n..1 in eax: xor eax, eax; mov ecx, n; add eax, ecx;
// dec ecx; jnz add; ret.
func loopCode(n uint32) []byte {
	return []byte{
		0x31, 0xc0,
		0xb9, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
		0x01, 0xc8,
		0xff, 0xc9,
		0x75, 0xfa,
		0xc3,
	}
}

func TestCountInstructions(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	const n = 10
	code := loopCode(n)
	entry := instrument(vm, code)

	count := 0
	id := vm.AddCodeCB(PreInst, func(*VM, *GPRState, *FPRState, any) VMAction {
		count++
		return Continue
	}, nil)
	require.NotEqual(t, uint32(InvalidEventID), id)

	require.True(t, vm.Run(entry, sentinel))

	// xor + mov, then add/dec/jnz per iteration, then ret.
	assert.Equal(t, 2+3*n+1, count)
	assert.EqualValues(t, n*(n+1)/2, vm.GPRState().RAX)
}

func TestStopEarly(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	// mov eax, 1; mov eax, 2; mov eax, 3; ret
	code := []byte{
		0xb8, 0x01, 0, 0, 0,
		0xb8, 0x02, 0, 0, 0,
		0xb8, 0x03, 0, 0, 0,
		0xc3,
	}
	entry := instrument(vm, code)
	mid := entry + 10

	vm.AddCodeAddrCB(mid, PreInst, func(*VM, *GPRState, *FPRState, any) VMAction {
		return Stop
	}, nil)

	require.True(t, vm.Run(entry, sentinel))
	assert.EqualValues(t, 2, vm.GPRState().RAX, "the instruction at the stop point must not run")
	assert.Equal(t, mid, vm.GPRState().RIP)
}

func TestMemRangeHook(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	buf := make([]byte, 16)
	b := addrOf(buf)

	// movabs rax, B+4; mov qword [rax], 7; ret
	code := []byte{0x48, 0xb8}
	code = append(code, le64(uint64(b+4))...)
	code = append(code, 0x48, 0xc7, 0x00, 0x07, 0, 0, 0, 0xc3)
	entry := instrument(vm, code)

	var hits []MemoryAccess
	id := vm.AddMemRangeCB(b, b+16, MemoryWrite, func(vm *VM, _ *GPRState, _ *FPRState, _ any) VMAction {
		for _, a := range vm.InstMemoryAccess() {
			if a.Type&MemoryWrite != 0 {
				hits = append(hits, a)
			}
		}
		return Continue
	}, nil)
	require.NotEqual(t, uint32(InvalidEventID), id)

	require.True(t, vm.Run(entry, sentinel))

	require.Len(t, hits, 1)
	a := hits[0]
	assert.True(t, a.AccessAddress < b+8 && a.AccessAddress+W(a.Size) > b+4,
		"access %#x+%d must intersect [B+4, B+8)", uint64(a.AccessAddress), a.Size)
	assert.EqualValues(t, 7, buf[4])
}

func TestCacheInvalidation(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	// mov eax, 1; ret
	code := []byte{0xb8, 0x01, 0, 0, 0, 0xc3}
	entry := instrument(vm, code)

	require.True(t, vm.PrecacheBasicBlock(entry))
	require.True(t, vm.Run(entry, sentinel))
	require.EqualValues(t, 1, vm.GPRState().RAX)

	// New semantics in the same bytes.
	code[1] = 0x02
	vm.ClearCache(entry, entry+W(len(code)))

	withStack(t, vm)
	require.True(t, vm.Run(entry, sentinel))
	assert.EqualValues(t, 2, vm.GPRState().RAX)
}

func TestCallHelper(t *testing.T) {
	vm := newVM(t)

	// lea rax, [rdi+rsi]; ret
	code := []byte{0x48, 0x8d, 0x04, 0x37, 0xc3}
	entry := instrument(vm, code)

	// Call without a stack pointer fails.
	var ret W
	assert.False(t, vm.Call(&ret, entry, 3, 4))

	stack := make([]byte, 0x8000)
	gpr := vm.GPRState()
	gpr.RSP = (addrOf(stack) + 0x8000 - 64) &^ 15
	vm.SetGPRState(&gpr)

	require.True(t, vm.Call(&ret, entry, 3, 4))
	assert.EqualValues(t, 7, ret)
}

func TestCallbackOrderAndDelete(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	code := []byte{0x90, 0xc3} // nop; ret
	entry := instrument(vm, code)

	var order []byte
	cb1 := vm.AddCodeAddrCB(entry, PreInst, func(*VM, *GPRState, *FPRState, any) VMAction {
		order = append(order, 'a')
		return Continue
	}, nil)
	cb2 := vm.AddCodeAddrCB(entry, PreInst, func(*VM, *GPRState, *FPRState, any) VMAction {
		order = append(order, 'b')
		return Continue
	}, nil)

	require.True(t, vm.Run(entry, sentinel))
	assert.Equal(t, "ab", string(order))

	require.True(t, vm.DeleteInstrumentation(cb1))
	assert.False(t, vm.DeleteInstrumentation(cb1), "second delete must fail")

	order = nil
	withStack(t, vm)
	require.True(t, vm.Run(entry, sentinel))
	assert.Equal(t, "b", string(order))

	require.True(t, vm.DeleteInstrumentation(cb2))
}

func TestActionMonotonicity(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	// mov eax, 7; ret
	code := []byte{0xb8, 0x07, 0, 0, 0, 0xc3}
	entry := instrument(vm, code)

	vm.AddCodeAddrCB(entry, PreInst, func(*VM, *GPRState, *FPRState, any) VMAction {
		return Continue
	}, nil)
	vm.AddCodeAddrCB(entry, PreInst, func(*VM, *GPRState, *FPRState, any) VMAction {
		return Stop
	}, nil)

	require.True(t, vm.Run(entry, sentinel))
	assert.EqualValues(t, 0, vm.GPRState().RAX, "Stop must win over Continue")
}

func TestSkipInst(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	// mov eax, 99; ret
	code := []byte{0xb8, 0x63, 0, 0, 0, 0xc3}
	entry := instrument(vm, code)

	vm.AddCodeAddrCB(entry, PreInst, func(*VM, *GPRState, *FPRState, any) VMAction {
		return SkipInst
	}, nil)

	require.True(t, vm.Run(entry, sentinel))
	assert.EqualValues(t, 0, vm.GPRState().RAX, "skipped instruction must not execute")
}

func TestVMEvents(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	code := []byte{0x90, 0xc3}
	entry := instrument(vm, code)

	entries, exits := 0, 0
	id := vm.AddVMEventCB(BasicBlockEntry|BasicBlockExit, func(vm *VM, state *VMState, _ *GPRState, _ *FPRState, _ any) VMAction {
		if state.Event&BasicBlockEntry != 0 {
			entries++
		}
		if state.Event&BasicBlockExit != 0 {
			exits++
		}
		return Continue
	}, nil)
	require.NotEqual(t, uint32(InvalidEventID), id)

	require.True(t, vm.Run(entry, sentinel))
	assert.Equal(t, 1, entries)
	assert.Equal(t, 1, exits)
}

func TestInstrRule(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	code := loopCode(3)
	entry := instrument(vm, code)

	rets := 0
	id := vm.AddInstrRule(func(vm *VM, a *InstAnalysis, _ any) []InstrRuleDataCBK {
		if !a.IsReturn {
			return nil
		}
		return []InstrRuleDataCBK{{
			Position: PreInst,
			Callback: func(*VM, *GPRState, *FPRState, any) VMAction {
				rets++
				return Continue
			},
		}}
	}, AnalysisInstruction, nil)
	require.NotEqual(t, uint32(InvalidEventID), id)

	require.True(t, vm.Run(entry, sentinel))
	assert.Equal(t, 1, rets)
}

func TestMnemonicCB(t *testing.T) {
	vm := newVM(t)
	withStack(t, vm)

	code := loopCode(5)
	entry := instrument(vm, code)

	decs := 0
	vm.AddMnemonicCB("DEC", PreInst, func(*VM, *GPRState, *FPRState, any) VMAction {
		decs++
		return Continue
	}, nil)

	require.True(t, vm.Run(entry, sentinel))
	assert.Equal(t, 5, decs)
}

func TestInvalidArguments(t *testing.T) {
	vm := newVM(t)

	assert.Equal(t, InvalidEventID, vm.AddCodeCB(PreInst, nil, nil))
	assert.Equal(t, InvalidEventID, vm.AddMnemonicCB("", PreInst, func(*VM, *GPRState, *FPRState, any) VMAction { return Continue }, nil))
	assert.Equal(t, InvalidEventID, vm.AddCodeRangeCB(0x2000, 0x1000, PreInst, func(*VM, *GPRState, *FPRState, any) VMAction { return Continue }, nil))
	assert.Equal(t, InvalidEventID, vm.AddMemRangeCB(0x1000, 0x1000, MemoryWrite, func(*VM, *GPRState, *FPRState, any) VMAction { return Continue }, nil))
	assert.False(t, vm.DeleteInstrumentation(InvalidEventID))
}

func le64(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}
