// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine implements the instrumentation run loop: fetch or
// build an execution block, enter it, dispatch callbacks at
// break-to-host exits, and resolve the next guest address.
package engine

import (
	"runtime"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/event"
	"github.com/tsavola/weft/execblock"
	"github.com/tsavola/weft/patch"
	"github.com/tsavola/weft/rangeset"
)

const (
	defaultMaxSeqInsts = 128
	analysisCacheSize  = 256
)

// VMState is the snapshot passed to event callbacks.
type VMState struct {
	Event           event.VMEvent
	BasicBlockStart arch.W
	BasicBlockEnd   arch.W
	SequenceStart   arch.W
	SequenceEnd     arch.W
}

// EventCallback observes engine transitions.
type EventCallback func(state *VMState, gpr *arch.GPRState, fpr *arch.FPRState) event.VMAction

type ruleEntry struct {
	id   uint32
	rule *patch.Rule
}

type eventEntry struct {
	id   uint32
	mask event.VMEvent
	cb   EventCallback
}

type blockSeq struct {
	block *execblock.Block
	seq   int
}

// Engine drives instrumented execution of one guest thread.  It is
// confined to the goroutine that calls Run.
type Engine struct {
	decoder *decode.Engine

	gpr arch.GPRState
	fpr arch.FPRState

	instrumented rangeset.Set[arch.W]

	rules  []ruleEntry
	events []eventEntry
	nextID uint32

	blocks     map[arch.W]blockSeq
	allBlocks  []*execblock.Block
	writeBlock *execblock.Block

	analysisCache *lru.Cache[arch.W, *decode.InstAnalysis]

	curBlock  *execblock.Block
	curInstID int
	preInst   bool

	running         bool
	pendingClear    []rangeset.Range[arch.W]
	pendingClearAll bool

	maxSeqInsts int
}

func New() (*Engine, error) {
	d, err := decode.NewEngine()
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[arch.W, *decode.InstAnalysis](analysisCacheSize)
	if err != nil {
		d.Close()
		return nil, err
	}

	e := &Engine{
		decoder:       d,
		blocks:        make(map[arch.W]blockSeq),
		analysisCache: cache,
		maxSeqInsts:   defaultMaxSeqInsts,
	}
	e.fpr.InitDefaults()
	return e, nil
}

func (e *Engine) Close() error {
	e.freeAllBlocks()
	return e.decoder.Close()
}

// State access.  The engine owns the canonical state; callbacks get
// direct pointers, external clients copies.

func (e *Engine) GPRState() *arch.GPRState { return &e.gpr }
func (e *Engine) FPRState() *arch.FPRState { return &e.fpr }

func (e *Engine) Decoder() *decode.Engine { return e.decoder }

// Instrumented ranges.

func (e *Engine) AddInstrumentedRange(lo, hi arch.W) {
	e.instrumented.Add(rangeset.New(lo, hi))
	e.clearOverlapping(rangeset.New(lo, hi))
}

func (e *Engine) RemoveInstrumentedRange(lo, hi arch.W) {
	e.instrumented.Remove(rangeset.New(lo, hi))
	e.clearOverlapping(rangeset.New(lo, hi))
}

func (e *Engine) RemoveAllInstrumentedRanges() {
	e.instrumented.Clear()
	e.ClearAllCache()
}

func (e *Engine) InstrumentedRanges() []rangeset.Range[arch.W] {
	return e.instrumented.Ranges()
}

// Rule registration.  Changing the rule set conservatively invalidates
// every cached block, since any build could have consulted the rules.

func (e *Engine) AddRule(r *patch.Rule) uint32 {
	id := e.nextID
	e.nextID++
	e.rules = append(e.rules, ruleEntry{id, r})
	e.ClearAllCache()
	return id
}

func (e *Engine) DeleteRule(id uint32) bool {
	for i := range e.rules {
		if e.rules[i].id == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			e.ClearAllCache()
			return true
		}
	}
	for i := range e.events {
		if e.events[i].id == id {
			e.events = append(e.events[:i], e.events[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) DeleteAllRules() {
	e.rules = nil
	e.events = nil
	e.ClearAllCache()
}

func (e *Engine) AddEventCB(mask event.VMEvent, cb EventCallback) uint32 {
	id := e.nextID
	e.nextID++
	e.events = append(e.events, eventEntry{id, mask, cb})
	return id
}

// Run executes the guest from start until a callback stops it,
// execution reaches stop, or it leaves the instrumented ranges.  It
// reports whether at least one block ran; a block that cannot be built
// or entered makes it report false.
func (e *Engine) Run(start, stop arch.W) bool {
	if e.running {
		log.Debugf("engine: re-entrant run refused")
		return false
	}

	// Synthetic stop callback; dispatching the instruction at the stop
	// address ends the run before it executes.
	stopID := e.AddRule(&patch.Rule{
		Cond:        patch.AddressIs(stop),
		Position:    event.PreInst,
		Range:       patch.EverywhereRange(),
		BreakToHost: true,
		Callback: func(*arch.GPRState, *arch.FPRState) event.VMAction {
			return event.Stop
		},
	})
	defer e.DeleteRule(stopID)

	e.running = true
	defer func() {
		e.running = false
		e.curBlock = nil
		e.applyPendingClear()
	}()

	// The guest borrows the OS thread; generated code must not migrate
	// mid-block.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	executed := false
	pc := start

	for {
		e.applyPendingClear()

		if !e.instrumented.Contains(pc) {
			if a := e.fireEvent(event.ExecTransfer, pc, pc); a >= event.Stop {
				return executed
			}
			log.Debugf("engine: leaving instrumented space at %#x", uint64(pc))
			return executed
		}

		bs, fresh, err := e.fetch(pc)
		if err != nil {
			log.Debugf("engine: %v", err)
			return false
		}

		if fresh {
			e.fireSeqEvent(event.BasicBlockNew|event.BasicBlockEntry|event.SequenceEntry, bs)
		} else {
			e.fireSeqEvent(event.BasicBlockEntry|event.SequenceEntry, bs)
		}

		action, next, err := e.executeSeq(bs)
		if err != nil {
			log.Debugf("engine: %v", err)
			return false
		}
		executed = true

		if a := e.fireSeqEvent(event.BasicBlockExit|event.SequenceExit, bs); a > action {
			action = a
		}

		if action >= event.Stop {
			return executed
		}
		pc = next
	}
}

// executeSeq enters a sequence and services its break-to-host exits
// until execution moves to another guest address.
func (e *Engine) executeSeq(bs blockSeq) (event.VMAction, arch.W, error) {
	b := bs.block
	entry := b.Seq(bs.seq).Entry
	b.ClearShadow()

	for {
		e.curBlock = b

		selector, exitCode, err := b.Execute(&e.gpr, &e.fpr, entry)
		if err != nil {
			return event.Stop, 0, err
		}

		if exitCode == 0 {
			// Sequence end; the patch published the next guest address.
			e.gpr.RIP = selector
			return event.Continue, selector, nil
		}

		site := b.Site(exitCode)
		action := e.dispatchSite(b, site)

		switch {
		case action >= event.Stop:
			return event.Stop, e.gpr.RIP, nil

		case action >= event.BreakToVM:
			// Re-dispatch on the (possibly modified) program counter.
			return event.Continue, e.gpr.RIP, nil

		case action >= event.SkipInst && site.Position == event.PreInst:
			rec := b.Inst(site.InstID)
			if site.InstID < b.Seq(bs.seq).EndInst {
				entry = b.Inst(site.InstID + 1).Offset
			} else {
				// Skipping the sequence terminator falls through.
				next := rec.Inst.NextAddress()
				e.gpr.RIP = next
				return event.Continue, next, nil
			}

		default:
			// Continue and SkipPatch resume in place; the generated
			// patch material a SkipPatch would jump over lives host
			// side here.
			entry = site.Resume
		}
	}
}

// dispatchSite runs every callback attached at a site in registration
// order and returns the most aggressive verdict.
func (e *Engine) dispatchSite(b *execblock.Block, site *execblock.Site) event.VMAction {
	rec := b.Inst(site.InstID)
	inst := &rec.Inst

	e.curInstID = site.InstID
	e.preInst = site.Position == event.PreInst

	if e.preInst {
		e.gpr.RIP = inst.Address
	} else {
		e.gpr.RIP = inst.NextAddress()
	}

	attached := rec.PreCbks
	if site.Position == event.PostInst {
		attached = rec.PostCbks
	}

	action := event.Continue
	for _, entry := range e.rules {
		r := entry.rule

		if r.Callback != nil && r.Position == site.Position && r.Matches(inst) {
			if a := r.Callback(&e.gpr, &e.fpr); a > action {
				action = a
			}
		}

		// Callbacks attached by this instrumentation rule at build
		// time keep their originating rule's place in the order.
		if r.InstrRule != nil {
			for _, sc := range attached {
				if sc.RuleID == entry.id {
					if a := sc.Callback(&e.gpr, &e.fpr); a > action {
						action = a
					}
				}
			}
		}
	}
	return action
}

// Callback context queries.

// CurInstAnalysis analyzes the instruction a callback fired at.
func (e *Engine) CurInstAnalysis(flags decode.AnalysisFlags) *decode.InstAnalysis {
	if e.curBlock == nil {
		return nil
	}
	return e.curBlock.InstAnalysis(e.decoder, e.curInstID, flags)
}

// PreInst reports whether the current callback site is before its
// instruction.
func (e *Engine) PreInst() bool { return e.preInst }

// InstMemoryAccess returns the current instruction's recorded accesses.
func (e *Engine) InstMemoryAccess() []arch.MemoryAccess {
	if e.curBlock == nil {
		return nil
	}
	inst := &e.curBlock.Inst(e.curInstID).Inst

	var out []arch.MemoryAccess
	for _, a := range e.curBlock.ShadowAccesses() {
		if a.InstAddress == inst.Address {
			out = append(out, a)
		}
	}
	return out
}

// BBMemoryAccess returns the accesses recorded since sequence entry.
func (e *Engine) BBMemoryAccess() []arch.MemoryAccess {
	if e.curBlock == nil {
		return nil
	}
	out := make([]arch.MemoryAccess, len(e.curBlock.ShadowAccesses()))
	copy(out, e.curBlock.ShadowAccesses())
	return out
}

// RecordCurrentAccesses derives the current instruction's memory
// accesses of the given kind from its operands and the live register
// state, and appends them to the block's shadow buffer.  It backs the
// engine-installed recording rules.
func (e *Engine) RecordCurrentAccesses(kind event.AccessType) {
	if e.curBlock == nil {
		return
	}
	inst := &e.curBlock.Inst(e.curInstID).Inst

	for _, a := range deriveAccesses(inst, &e.gpr) {
		if a.Type&kind != 0 {
			a.Type &= kind
			e.curBlock.RecordAccess(a)
		}
	}
}

// Events.

func (e *Engine) fireSeqEvent(mask event.VMEvent, bs blockSeq) event.VMAction {
	seq := bs.block.Seq(bs.seq)
	state := VMState{
		BasicBlockStart: seq.Range.Start,
		BasicBlockEnd:   seq.Range.End,
		SequenceStart:   seq.Range.Start,
		SequenceEnd:     seq.Range.End,
	}
	return e.fire(mask, &state)
}

func (e *Engine) fireEvent(mask event.VMEvent, start, end arch.W) event.VMAction {
	state := VMState{
		BasicBlockStart: start,
		BasicBlockEnd:   end,
		SequenceStart:   start,
		SequenceEnd:     end,
	}
	return e.fire(mask, &state)
}

func (e *Engine) fire(mask event.VMEvent, state *VMState) event.VMAction {
	action := event.Continue
	for _, entry := range e.events {
		if entry.mask&mask == 0 {
			continue
		}
		state.Event = mask & entry.mask
		if a := entry.cb(state, &e.gpr, &e.fpr); a > action {
			action = a
		}
	}
	return action
}

// errGuestFault marks exits caused by untranslatable guest state.
func errGuestFault(pc arch.W, cause error) error {
	return errors.Wrapf(cause, "guest fault at %#x", uint64(pc))
}
