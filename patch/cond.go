// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"strings"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
)

// Condition is a predicate over a decoded guest instruction.
type Condition interface {
	Test(inst *decode.Inst) bool
}

type condTrue struct{}

func (condTrue) Test(*decode.Inst) bool { return true }

// True matches every instruction.
func True() Condition { return condTrue{} }

type condMnemonic string

func (c condMnemonic) Test(inst *decode.Inst) bool {
	return inst.Mnemonic == string(c)
}

// MnemonicIs matches instructions by (case-insensitive) mnemonic.
func MnemonicIs(mnemonic string) Condition {
	return condMnemonic(strings.ToLower(mnemonic))
}

type condAddress arch.W

func (c condAddress) Test(inst *decode.Inst) bool {
	return inst.Address == arch.W(c)
}

// AddressIs matches the instruction at one address.
func AddressIs(addr arch.W) Condition { return condAddress(addr) }

type condInRange struct{ lo, hi arch.W }

func (c condInRange) Test(inst *decode.Inst) bool {
	return inst.Address >= c.lo && inst.Address < c.hi
}

// InstructionInRange matches instructions in [lo, hi).
func InstructionInRange(lo, hi arch.W) Condition {
	return condInRange{lo, hi}
}

type condReads struct{}

func (condReads) Test(inst *decode.Inst) bool { return inst.MayRead() }

// DoesReadAccess matches instructions which may load from memory.
func DoesReadAccess() Condition { return condReads{} }

type condWrites struct{}

func (condWrites) Test(inst *decode.Inst) bool { return inst.MayWrite() }

// DoesWriteAccess matches instructions which may store to memory.
func DoesWriteAccess() Condition { return condWrites{} }

type condAnd []Condition

func (c condAnd) Test(inst *decode.Inst) bool {
	for _, sub := range c {
		if !sub.Test(inst) {
			return false
		}
	}
	return true
}

// And matches when all subconditions match.
func And(sub ...Condition) Condition { return condAnd(sub) }

type condOr []Condition

func (c condOr) Test(inst *decode.Inst) bool {
	for _, sub := range c {
		if sub.Test(inst) {
			return true
		}
	}
	return false
}

// Or matches when any subcondition matches.
func Or(sub ...Condition) Condition { return condOr(sub) }

type condNot struct{ sub Condition }

func (c condNot) Test(inst *decode.Inst) bool { return !c.sub.Test(inst) }

// Not inverts a condition.
func Not(sub Condition) Condition { return condNot{sub} }
