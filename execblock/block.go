// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package execblock manages the executable pages holding rewritten
// guest code, together with the metadata tables the engine dispatches
// on.
package execblock

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/event"
	"github.com/tsavola/weft/patch"
	"github.com/tsavola/weft/rangeset"
)

const (
	// CodeSize and DataSize are both multiples of the page size; the
	// code area's permissions are flipped independently of the data
	// area's.
	CodeSize = 0x10000
	DataSize = 0x4000
)

// ErrFull reports that a block has no room for further patches.
var ErrFull = errors.New("execblock: block is full")

// InstRecord is the per-instruction slice of the block's metadata.
type InstRecord struct {
	Inst   decode.Inst
	SeqID  int
	Offset int // Code offset of the instruction's patch sequence.

	PreSite  uint32 // Site ID; 0 means no exit at that position.
	PostSite uint32

	// Callbacks attached at build time by instrumentation rules.
	PreCbks  []patch.SiteCallback
	PostCbks []patch.SiteCallback
}

// Site is one break-to-host exit with a code offset to resume at.
type Site struct {
	InstID   int
	Position event.Position
	Resume   int
}

// SeqRecord delimits one contiguous run of rewritten instructions.
type SeqRecord struct {
	StartInst int
	EndInst   int // Inclusive.
	Range     rangeset.Range[arch.W]
	Entry     int // Code offset of the first instruction.
}

// Block owns one double-area mapping: rewritten code, then a data area
// with the context image and constant pool.  Code bytes are append-only;
// committed bytes never change until the block is freed.
type Block struct {
	mem  []byte
	code []byte
	data []byte

	ctx      *arch.Context
	base     arch.W
	dataAddr arch.W

	writeOff   int
	executable bool

	prologueOff int
	epilogueOff int

	poolOff   int
	poolIndex map[arch.W]int

	insts []InstRecord
	seqs  []SeqRecord
	sites []Site

	shadow   []arch.MemoryAccess
	analysis map[int]*decode.InstAnalysis
}

// New maps a fresh block and installs its context-switch prologue and
// epilogue.
func New() (*Block, error) {
	mem, err := mapPages(CodeSize + DataSize)
	if err != nil {
		return nil, err
	}

	b := &Block{
		mem:       mem,
		code:      mem[:CodeSize],
		data:      mem[CodeSize:],
		ctx:       contextAt(mem[CodeSize:]),
		base:      arch.W(sliceAddr(mem)),
		dataAddr:  arch.W(sliceAddr(mem)) + CodeSize,
		poolOff:   poolBase,
		poolIndex: make(map[arch.W]int),
		analysis:  make(map[int]*decode.InstAnalysis),
	}

	b.prologueOff = b.writeOff
	if _, err := b.Append(patch.GenPrologue()); err != nil {
		b.Free()
		return nil, err
	}

	b.epilogueOff = b.writeOff
	if _, err := b.Append(patch.GenEpilogue()); err != nil {
		b.Free()
		return nil, err
	}

	log.Debugf("execblock: new block at %#x", uint64(b.base))
	return b, nil
}

// poolBase leaves room for the context image at the start of the data
// area.
const poolBase = (int(contextSize) + 15) &^ 15

// Free unmaps the block.  The engine must not re-enter it afterwards.
func (b *Block) Free() {
	if b.mem != nil {
		if err := unmapPages(b.mem); err != nil {
			log.Debugf("execblock: munmap: %v", err)
		}
		b.mem = nil
	}
}

func (b *Block) Base() arch.W     { return b.base }
func (b *Block) Epilogue() arch.W { return b.base + arch.W(b.epilogueOff) }

// Room returns the code bytes still available.
func (b *Block) Room() int {
	return len(b.code) - b.writeOff
}

func (b *Block) CurrentOffset() int { return b.writeOff }

// Append resolves a patch sequence at the current write offset and
// commits its bytes.  It either writes the whole sequence or returns
// ErrFull without side effects.
func (b *Block) Append(seq []patch.RelocatableInst) (offset int, err error) {
	need := patch.Len(seq)
	if need > b.Room() {
		return 0, ErrFull
	}

	if err := b.makeWritable(); err != nil {
		return 0, err
	}

	offset = b.writeOff
	for i := range seq {
		at := b.base + arch.W(b.writeOff)
		bytes := seq[i].Resolve(at, b.dataAddr, b.Epilogue(), b)
		copy(b.code[b.writeOff:], bytes)
		b.writeOff += len(bytes)
	}
	return offset, nil
}

// Place implements patch.PoolWriter against the block's data area.
func (b *Block) Place(value arch.W) arch.W {
	if off, found := b.poolIndex[value]; found {
		return b.dataAddr + arch.W(off)
	}

	if b.poolOff+8 > len(b.data) {
		panic(errors.New("execblock: constant pool exhausted"))
	}

	off := b.poolOff
	binary.LittleEndian.PutUint64(b.data[off:], uint64(value))
	b.poolOff += 8
	b.poolIndex[value] = off
	return b.dataAddr + arch.W(off)
}

// NewInst appends an instruction record and returns its ID.
func (b *Block) NewInst(inst decode.Inst, seqID, offset int) int {
	b.insts = append(b.insts, InstRecord{Inst: inst, SeqID: seqID, Offset: offset})
	return len(b.insts) - 1
}

func (b *Block) Inst(id int) *InstRecord { return &b.insts[id] }
func (b *Block) NumInsts() int           { return len(b.insts) }

// AddSite allocates a break-to-host site.  Site IDs are 1-based; zero
// is the sequence-end exit code.
func (b *Block) AddSite(instID int, pos event.Position) uint32 {
	b.sites = append(b.sites, Site{InstID: instID, Position: pos})
	id := uint32(len(b.sites))

	if pos == event.PreInst {
		b.insts[instID].PreSite = id
	} else {
		b.insts[instID].PostSite = id
	}
	return id
}

func (b *Block) NumSites() int { return len(b.sites) }

// TruncateMeta rolls the metadata tables back to a snapshot, dropping
// the records of an instruction whose patches were never written.
func (b *Block) TruncateMeta(numInsts, numSites int) {
	for id := numInsts; id < len(b.insts); id++ {
		delete(b.analysis, id)
	}
	b.insts = b.insts[:numInsts]
	b.sites = b.sites[:numSites]
}

// DropLastSeq abandons the most recently started sequence record.
func (b *Block) DropLastSeq() {
	b.seqs = b.seqs[:len(b.seqs)-1]
}

func (b *Block) SetSiteResume(id uint32, resume int) {
	b.sites[id-1].Resume = resume
}

func (b *Block) Site(id uint32) *Site { return &b.sites[id-1] }

// StartSeq opens a sequence record.  EndSeq closes it.
func (b *Block) StartSeq(startAddr arch.W, entryOff int) int {
	b.seqs = append(b.seqs, SeqRecord{
		StartInst: len(b.insts),
		Range:     rangeset.Range[arch.W]{Start: startAddr},
		Entry:     entryOff,
	})
	return len(b.seqs) - 1
}

func (b *Block) EndSeq(seqID int, endAddr arch.W) {
	s := &b.seqs[seqID]
	s.EndInst = len(b.insts) - 1
	s.Range.End = endAddr
}

func (b *Block) Seq(id int) *SeqRecord { return &b.seqs[id] }
func (b *Block) NumSeqs() int          { return len(b.seqs) }

// FindSeq returns the sequence starting at the guest address, if any.
func (b *Block) FindSeq(addr arch.W) (int, bool) {
	for i := range b.seqs {
		if b.seqs[i].Range.Start == addr {
			return i, true
		}
	}
	return 0, false
}

// Ranges returns the guest ranges covered by the block's sequences.
func (b *Block) Ranges() rangeset.Set[arch.W] {
	var s rangeset.Set[arch.W]
	for i := range b.seqs {
		s.Add(b.seqs[i].Range)
	}
	return s
}

// Seal drops write permission from the code area.
func (b *Block) Seal() error {
	if b.executable {
		return nil
	}
	if err := protectExec(b.code); err != nil {
		return errors.Wrap(err, "execblock: seal")
	}
	b.executable = true
	return nil
}

func (b *Block) makeWritable() error {
	if !b.executable {
		return nil
	}
	if err := protectWrite(b.code); err != nil {
		return errors.Wrap(err, "execblock: unseal")
	}
	b.executable = false
	return nil
}

// Execute installs the guest state, enters the block at a code offset,
// and copies the state back out.  It returns the exit selector and the
// exit site code (zero for a sequence end).
func (b *Block) Execute(gpr *arch.GPRState, fpr *arch.FPRState, entryOff int) (selector arch.W, exitCode uint32, err error) {
	return b.ExecuteAt(gpr, fpr, b.base+arch.W(entryOff))
}

// ExecuteAt is Execute with an absolute entry address, which may lie
// outside the block's code area.  Execution entered this way must reach
// the block's epilogue to return, for example through a planted return
// address.
func (b *Block) ExecuteAt(gpr *arch.GPRState, fpr *arch.FPRState, entry arch.W) (selector arch.W, exitCode uint32, err error) {
	if err = b.Seal(); err != nil {
		return
	}

	b.ctx.GPR = *gpr
	b.ctx.FPR = *fpr
	b.ctx.HostState.Selector = entry
	b.ctx.HostState.ExitCode = 0

	enter(uintptr(b.base) + uintptr(b.prologueOff))

	*gpr = b.ctx.GPR
	*fpr = b.ctx.FPR
	return b.ctx.HostState.Selector, uint32(b.ctx.HostState.ExitCode), nil
}

// Shadow access recording.

func (b *Block) ClearShadow() { b.shadow = b.shadow[:0] }

func (b *Block) RecordAccess(a arch.MemoryAccess) { b.shadow = append(b.shadow, a) }

func (b *Block) ShadowAccesses() []arch.MemoryAccess { return b.shadow }

// InstAnalysis lazily computes and caches an instruction's analysis.
// A cached record is reused when it covers the requested flags.
func (b *Block) InstAnalysis(e *decode.Engine, instID int, flags decode.AnalysisFlags) *decode.InstAnalysis {
	if a, found := b.analysis[instID]; found && a.Flags&flags == flags {
		return a
	}

	union := flags
	if a, found := b.analysis[instID]; found {
		union |= a.Flags
	}

	a := decode.Analyze(e, &b.insts[instID].Inst, union)
	b.analysis[instID] = a
	return a
}
