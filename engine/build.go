// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"unsafe"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/event"
	"github.com/tsavola/weft/execblock"
	"github.com/tsavola/weft/patch"
)

// Upper bound on the bytes pulled from the guest image per build; long
// straight-line runs split into multiple sequences.
const maxFetchBytes = 4096

// breakReserve keeps room for the synthetic fallthrough exit which ends
// a sequence that was cut short.
var breakReserve = patch.Len(patch.BreakGuest(arch.RAX, 0))

// fetch returns the cached sequence starting at pc, building it first
// if needed.
func (e *Engine) fetch(pc arch.W) (bs blockSeq, fresh bool, err error) {
	if bs, found := e.blocks[pc]; found {
		return bs, false, nil
	}

	bs, err = e.build(pc)
	return bs, true, err
}

// build decodes one basic sequence at pc, rewrites it into the current
// write block (or a fresh one) and registers it in the cache.
func (e *Engine) build(pc arch.W) (blockSeq, error) {
	insts, err := e.decodeSequence(pc)
	if err != nil {
		return blockSeq{}, err
	}

	b, err := e.writeTarget()
	if err != nil {
		return blockSeq{}, err
	}

	bs, err := e.writeSequence(b, pc, insts)
	if err == execblock.ErrFull {
		// Retry once in a fresh block; the failed partial sequence was
		// rolled back.
		b, err = e.newWriteBlock()
		if err != nil {
			return blockSeq{}, err
		}
		bs, err = e.writeSequence(b, pc, insts)
	}
	if err != nil {
		return blockSeq{}, err
	}

	e.blocks[pc] = bs
	log.Debugf("engine: built sequence %#x-%#x (%d insts)",
		uint64(pc), uint64(bs.block.Seq(bs.seq).Range.End), bs.block.Seq(bs.seq).EndInst-bs.block.Seq(bs.seq).StartInst+1)
	return bs, nil
}

// decodeSequence pulls bytes from the guest image and decodes up to one
// basic block's worth of instructions.
func (e *Engine) decodeSequence(pc arch.W) ([]decode.Inst, error) {
	limit := arch.W(maxFetchBytes)
	for _, r := range e.instrumented.Ranges() {
		if r.Contains(pc) {
			if n := r.End - pc; n < limit {
				limit = n
			}
			break
		}
	}
	if limit == 0 {
		return nil, errGuestFault(pc, errors.New("no instrumented bytes"))
	}

	code := guestBytes(pc, int(limit))

	insts, err := e.decoder.Range(code, pc, e.maxSeqInsts)
	if err != nil {
		return nil, errGuestFault(pc, err)
	}
	if len(insts) == 0 {
		return nil, errGuestFault(pc, errors.New("empty sequence"))
	}
	return insts, nil
}

func (e *Engine) writeTarget() (*execblock.Block, error) {
	if e.writeBlock != nil {
		return e.writeBlock, nil
	}
	return e.newWriteBlock()
}

func (e *Engine) newWriteBlock() (*execblock.Block, error) {
	b, err := execblock.New()
	if err != nil {
		return nil, err
	}
	e.writeBlock = b
	e.allBlocks = append(e.allBlocks, b)
	return b, nil
}

// writeSequence rewrites the decoded instructions into the block.  On
// ErrFull it seals the sequence at the last whole instruction, or rolls
// the sequence back entirely if nothing was written.
func (e *Engine) writeSequence(b *execblock.Block, pc arch.W, insts []decode.Inst) (blockSeq, error) {
	seqID := b.StartSeq(pc, b.CurrentOffset())
	written := 0
	terminated := false

	for i := range insts {
		inst := &insts[i]

		instSeq, sites, isTerm, err := e.genInst(b, seqID, inst)
		if err != nil {
			if written == 0 {
				b.DropLastSeq()
				return blockSeq{}, err
			}
			// Seal the sequence before the untranslatable
			// instruction; dispatching to it again surfaces the error.
			break
		}

		if patch.Len(instSeq)+breakReserve > b.Room() {
			b.TruncateMeta(sites.instID, sites.baseSites)
			break
		}

		off, err := b.Append(instSeq)
		if err != nil {
			b.TruncateMeta(sites.instID, sites.baseSites)
			break
		}

		e.commitInst(b, sites, off, instSeq)
		written++
		terminated = isTerm
	}

	if written == 0 {
		b.DropLastSeq()
		return blockSeq{}, execblock.ErrFull
	}

	last := &insts[written-1]
	if !terminated {
		// Cut short by space or the instruction budget: exit to the
		// fallthrough address.
		scratch := patch.PickScratch(last)
		if _, err := b.Append(patch.BreakGuest(scratch, last.NextAddress())); err != nil {
			// breakReserve guarantees the room.
			panic(err)
		}
	}

	b.EndSeq(seqID, last.NextAddress())
	return blockSeq{b, seqID}, nil
}

// instSites carries the pending metadata of one instruction until its
// patches are committed.
type instSites struct {
	instID    int
	baseSites int
	preSite   uint32
	preLen    int
	postSite  uint32
}

// genInst assembles the complete patch sequence of one instruction:
// pre-callback exit, semantic body, post-callback exit.
func (e *Engine) genInst(b *execblock.Block, seqID int, inst *decode.Inst) ([]patch.RelocatableInst, instSites, bool, error) {
	var (
		pre  []patch.SiteCallback
		post []patch.SiteCallback
	)

	for _, entry := range e.rules {
		r := entry.rule
		if !r.Matches(inst) {
			continue
		}

		switch {
		case r.Callback != nil:
			sc := patch.SiteCallback{Position: r.Position, Callback: r.Callback, RuleID: entry.id}
			if r.Position == event.PreInst {
				pre = append(pre, sc)
			} else {
				post = append(post, sc)
			}

		case r.InstrRule != nil:
			analysis := decode.Analyze(e.decoder, inst, r.AnalysisFlags)
			for _, sc := range r.InstrRule(analysis) {
				sc.RuleID = entry.id
				if sc.Position == event.PreInst {
					pre = append(pre, sc)
				} else {
					post = append(post, sc)
				}
			}
		}
	}

	body, terminator, err := patch.GenBody(inst)
	if err != nil {
		return nil, instSites{}, false, err
	}

	sites := instSites{instID: b.NewInst(*inst, seqID, 0), baseSites: b.NumSites()}
	rec := b.Inst(sites.instID)
	rec.PreCbks = pre
	rec.PostCbks = post

	scratch := patch.PickScratch(inst)
	var seq []patch.RelocatableInst

	if len(pre) > 0 {
		sites.preSite = b.AddSite(sites.instID, event.PreInst)
		p := patch.BreakSite(scratch, sites.preSite)
		sites.preLen = patch.Len(p)
		seq = append(seq, p...)
	}

	seq = append(seq, body...)

	if len(post) > 0 {
		if terminator {
			// The terminator leaves through the epilogue itself; a
			// post exit would be unreachable.  Post callbacks of
			// control transfers are not attached and do not fire.
			rec.PostCbks = nil
		} else {
			sites.postSite = b.AddSite(sites.instID, event.PostInst)
			seq = append(seq, patch.BreakSite(scratch, sites.postSite)...)
		}
	}

	return seq, sites, terminator, nil
}

// commitInst records final offsets once the patches are in place.
func (e *Engine) commitInst(b *execblock.Block, sites instSites, off int, seq []patch.RelocatableInst) {
	b.Inst(sites.instID).Offset = off

	if sites.preSite != 0 {
		b.SetSiteResume(sites.preSite, off+sites.preLen)
	}
	if sites.postSite != 0 {
		b.SetSiteResume(sites.postSite, off+patch.Len(seq))
	}
}

// guestBytes views guest memory in place; the guest shares the host
// address space.
func guestBytes(addr arch.W, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}
