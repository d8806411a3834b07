// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decode wraps the capstone disassembler behind the small
// interface the instrumentation pipeline needs: turning guest byte
// ranges into instructions with operand detail.
package decode

import (
	"github.com/bnagy/gapstone"
	"github.com/pkg/errors"

	"github.com/tsavola/weft/arch"
)

// Engine owns a capstone handle configured for the host ISA with operand
// detail enabled.
type Engine struct {
	cs gapstone.Engine
}

func NewEngine() (*Engine, error) {
	cs, err := gapstone.New(gapstone.CS_ARCH_X86, gapstone.CS_MODE_64)
	if err != nil {
		return nil, errors.Wrap(err, "decode: capstone init")
	}

	if err := cs.SetOption(gapstone.CS_OPT_DETAIL, gapstone.CS_OPT_ON); err != nil {
		cs.Close()
		return nil, errors.Wrap(err, "decode: capstone detail")
	}

	return &Engine{cs: cs}, nil
}

func (e *Engine) Close() error {
	return e.cs.Close()
}

// Inst decodes the single instruction at addr.  code must hold at least
// the instruction's bytes.
func (e *Engine) Inst(code []byte, addr arch.W) (Inst, error) {
	insns, err := e.cs.Disasm(code, uint64(addr), 1)
	if err != nil {
		return Inst{}, errors.Wrapf(err, "decode: at %#x", uint64(addr))
	}
	if len(insns) == 0 {
		return Inst{}, errors.Errorf("decode: undecodable bytes at %#x", uint64(addr))
	}
	return wrap(insns[0]), nil
}

// Range decodes successive instructions starting at addr, stopping after
// max instructions, at the end of code, or after a sequence terminator.
func (e *Engine) Range(code []byte, addr arch.W, max int) ([]Inst, error) {
	var out []Inst

	for len(code) > 0 && len(out) < max {
		inst, err := e.Inst(code, addr)
		if err != nil {
			if len(out) > 0 {
				// A preceding terminator may make the garbage
				// unreachable; let the engine decide.
				return out, nil
			}
			return nil, err
		}

		out = append(out, inst)
		code = code[inst.Size:]
		addr += arch.W(inst.Size)

		if inst.EndsSequence() {
			break
		}
	}

	return out, nil
}

// RegName returns capstone's name for a register number.
func (e *Engine) RegName(reg uint) string {
	return e.cs.RegName(reg)
}
