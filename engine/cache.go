// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"github.com/apex/log"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/execblock"
	"github.com/tsavola/weft/rangeset"
)

// PrecacheBasicBlock builds the sequence at pc ahead of execution.
func (e *Engine) PrecacheBasicBlock(pc arch.W) bool {
	if !e.instrumented.Contains(pc) {
		return false
	}
	if _, found := e.blocks[pc]; found {
		return true
	}
	_, err := e.build(pc)
	if err != nil {
		log.Debugf("engine: precache: %v", err)
	}
	return err == nil
}

// ClearCache invalidates every block whose covered guest range overlaps
// [lo, hi).  Inside a run the invalidation is deferred until the
// current block has been left.
func (e *Engine) ClearCache(lo, hi arch.W) {
	e.clearOverlapping(rangeset.New(lo, hi))
}

// ClearAllCache drops every cached block.
func (e *Engine) ClearAllCache() {
	if e.running {
		e.pendingClearAll = true
		return
	}
	e.freeAllBlocks()
}

func (e *Engine) clearOverlapping(r rangeset.Range[arch.W]) {
	if e.running {
		e.pendingClear = append(e.pendingClear, r)
		return
	}
	e.clearOverlappingNow(r)
}

func (e *Engine) applyPendingClear() {
	if e.pendingClearAll {
		e.pendingClearAll = false
		e.pendingClear = nil
		e.freeAllBlocks()
		return
	}
	for _, r := range e.pendingClear {
		e.clearOverlappingNow(r)
	}
	e.pendingClear = nil
}

func (e *Engine) clearOverlappingNow(r rangeset.Range[arch.W]) {
	var survivors []*execblock.Block

	for _, b := range e.allBlocks {
		ranges := b.Ranges()
		if !ranges.Overlaps(r) {
			survivors = append(survivors, b)
			continue
		}

		for key, bs := range e.blocks {
			if bs.block == b {
				delete(e.blocks, key)
			}
		}
		if e.writeBlock == b {
			e.writeBlock = nil
		}
		log.Debugf("engine: invalidating block %#x for %v", uint64(b.Base()), r)
		b.Free()
	}

	e.allBlocks = survivors
	e.analysisCache.Purge()
}

func (e *Engine) freeAllBlocks() {
	for _, b := range e.allBlocks {
		b.Free()
	}
	e.allBlocks = nil
	e.writeBlock = nil
	e.blocks = make(map[arch.W]blockSeq)
	e.analysisCache.Purge()
}

// CachedInstAnalysis analyzes the instruction at an arbitrary guest
// address, memoized in a bounded cache.
func (e *Engine) CachedInstAnalysis(addr arch.W, flags decode.AnalysisFlags) *decode.InstAnalysis {
	if a, found := e.analysisCache.Get(addr); found && a.Flags&flags == flags {
		return a
	}

	inst, err := e.decoder.Inst(guestBytes(addr, 16), addr)
	if err != nil {
		log.Debugf("engine: analysis at %#x: %v", uint64(addr), err)
		return nil
	}

	a := decode.Analyze(e.decoder, &inst, flags)
	e.analysisCache.Add(addr, a)
	return a
}
