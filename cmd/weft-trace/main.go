// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command weft-trace runs a built-in demo payload under the
// instrumentation engine and prints a per-instruction trace.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tsavola/weft"
	"github.com/tsavola/weft/arch"
)

const stackSize = 0x10000

var (
	flagN        uint32
	flagVerbose  bool
	flagTraceMem bool
)

var rootCmd = &cobra.Command{
	Use:   "weft-trace",
	Short: "trace a demo payload under dynamic binary instrumentation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagVerbose {
			log.SetLevel(log.DebugLevel)
		}
		return trace(flagN)
	},
	SilenceUsage: true,
}

func init() {
	log.SetHandler(cli.New(os.Stderr))

	rootCmd.Flags().Uint32VarP(&flagN, "iterations", "n", 10, "loop iterations in the payload")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&flagTraceMem, "trace-mem", false, "log memory accesses of the payload")
}

// payload sums the integers n..1 in eax:
//
//	xor  eax, eax
//	mov  ecx, n
//	add  eax, ecx
//	dec  ecx
//	jnz  add
//	ret
func payload(n uint32) []byte {
	code := []byte{
		0x31, 0xc0,
		0xb9, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
		0x01, 0xc8,
		0xff, 0xc9,
		0x75, 0xfa,
		0xc3,
	}
	return code
}

func trace(n uint32) error {
	vm, err := weft.New()
	if err != nil {
		return err
	}
	defer vm.Close()

	code := payload(n)
	entry := arch.W(codeAddr(code))
	vm.AddInstrumentedRange(entry, entry+arch.W(len(code)))

	stack, err := unix.Mmap(-1, 0, stackSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return err
	}
	defer unix.Munmap(stack)

	gpr := vm.GPRState()
	gpr.RSP = arch.W(codeAddr(stack)) + stackSize - 64
	vm.SetGPRState(&gpr)

	count := 0
	vm.AddCodeCB(weft.PreInst, func(vm *weft.VM, gpr *weft.GPRState, fpr *weft.FPRState, _ any) weft.VMAction {
		count++
		a := vm.InstAnalysis(weft.AnalysisInstruction | weft.AnalysisDisassembly)
		if a != nil {
			fmt.Printf("%#x\t%s\n", uint64(a.Address), a.Disassembly)
		}
		return weft.Continue
	}, nil)

	if flagTraceMem {
		vm.AddMemAccessCB(weft.MemoryReadWrite, func(vm *weft.VM, gpr *weft.GPRState, fpr *weft.FPRState, _ any) weft.VMAction {
			for _, a := range vm.InstMemoryAccess() {
				fmt.Printf("\t%s %d bytes at %#x\n", a.Type, a.Size, uint64(a.AccessAddress))
			}
			return weft.Continue
		}, nil)
	}

	var ret arch.W
	if !vm.Call(&ret, entry) {
		return fmt.Errorf("call failed")
	}

	expect := uint64(n) * uint64(n+1) / 2
	fmt.Printf("executed %d instructions, result %d (expected %d)\n", count, uint64(ret), expect)
	return nil
}

func codeAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
