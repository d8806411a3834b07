// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/event"
	"github.com/tsavola/weft/rangeset"
)

// Callback is an engine-level instrumentation callback.  The façade
// wraps client callbacks into closures of this shape, so the engine
// never sees client types or user data.
type Callback func(gpr *arch.GPRState, fpr *arch.FPRState) event.VMAction

// SiteCallback attaches a callback at a position relative to one
// instruction.  RuleID is filled in by the engine so that dispatch can
// keep the originating rule's registration order.
type SiteCallback struct {
	Position event.Position
	Callback Callback
	RuleID   uint32
}

// InstrRuleFunc is consulted at block-build time with the analysis of
// each matched instruction and returns the callbacks to attach there.
type InstrRuleFunc func(analysis *decode.InstAnalysis) []SiteCallback

// Rule is one registered instrumentation: a condition over
// instructions, a range filter, and either a fixed callback or a
// build-time callback factory.
type Rule struct {
	Cond     Condition
	Position event.Position
	Range    rangeset.Set[arch.W] // Empty set means everywhere.

	// Exactly one of these is set.
	Callback  Callback
	InstrRule InstrRuleFunc

	// AnalysisFlags for the InstrRule's analysis argument.
	AnalysisFlags decode.AnalysisFlags

	// BreakToHost is set for rules whose callbacks may inspect or
	// modify guest state; all client-visible rules have it.
	BreakToHost bool
}

// Matches reports whether the rule applies to an instruction.
func (r *Rule) Matches(inst *decode.Inst) bool {
	if r.Range.Len() > 0 && !r.Range.Contains(inst.Address) {
		return false
	}
	return r.Cond.Test(inst)
}

// EverywhereRange is the conventional whole-address-space rule range.
func EverywhereRange() (s rangeset.Set[arch.W]) {
	s.Add(rangeset.New[arch.W](0, ^arch.W(0)))
	return
}
