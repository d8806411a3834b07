// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patch generates relocatable host instruction sequences which
// reproduce guest instruction semantics under instrumentation.
package patch

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tsavola/weft/arch"
)

// HoleKind tells how an operand hole gets its final value.
type HoleKind int

const (
	// HostPCRel resolves to the absolute address at which the
	// instruction executes, shifted and added.  8-byte field.
	HostPCRel = HoleKind(iota)

	// DataBlockRel resolves to a rip-relative displacement reaching a
	// context field in the block's data area.  4-byte field.
	DataBlockRel

	// EpilogueRel resolves to a rip-relative displacement reaching the
	// block's epilogue.  4-byte field.
	EpilogueRel

	// ConstantPool places the value in the block's constant pool and
	// resolves to a rip-relative displacement reaching it.  4-byte
	// field.
	ConstantPool
)

// Hole is a deferred operand of a relocatable instruction.
type Hole struct {
	Kind HoleKind
	Off  int // Byte offset of the operand field within the template.

	Shift  uint   // HostPCRel
	Addend int64  // HostPCRel
	Offset int    // DataBlockRel: context field offset.
	Value  arch.W // ConstantPool
}

// RelocatableInst is an encoded host instruction template whose holes
// are filled once the block's layout is final.
type RelocatableInst struct {
	Template []byte
	Holes    []Hole
}

func (ri *RelocatableInst) Len() int {
	return len(ri.Template)
}

// Raw wraps already-final bytes (typically a verbatim guest
// instruction).
func Raw(b []byte) RelocatableInst {
	return RelocatableInst{Template: b}
}

// PoolWriter allocates 8-byte constants in the block's data area.
type PoolWriter interface {
	// Place returns the absolute address of a slot holding value.
	Place(value arch.W) arch.W
}

// Resolve encodes the instruction for execution at address at, with the
// block's context image at data and its epilogue at epilogue.
// Rip-relative displacements are computed against the end of the
// instruction.
func (ri *RelocatableInst) Resolve(at, data, epilogue arch.W, pool PoolWriter) []byte {
	b := make([]byte, len(ri.Template))
	copy(b, ri.Template)

	next := at + arch.W(len(b))

	for _, h := range ri.Holes {
		switch h.Kind {
		case HostPCRel:
			v := (at << h.Shift) + arch.W(h.Addend)
			binary.LittleEndian.PutUint64(b[h.Off:], uint64(v))

		case DataBlockRel:
			putRel32(b[h.Off:], data+arch.W(h.Offset), next)

		case EpilogueRel:
			putRel32(b[h.Off:], epilogue, next)

		case ConstantPool:
			putRel32(b[h.Off:], pool.Place(h.Value), next)

		default:
			panic(errors.Errorf("patch: unknown hole kind %d", h.Kind))
		}
	}

	return b
}

func putRel32(b []byte, target, next arch.W) {
	d := int64(target) - int64(next)
	if d != int64(int32(d)) {
		panic(errors.New("patch: rip-relative displacement out of range"))
	}
	binary.LittleEndian.PutUint32(b, uint32(int32(d)))
}

// Len sums the encoded size of a sequence.
func Len(seq []RelocatableInst) (n int) {
	for i := range seq {
		n += seq[i].Len()
	}
	return
}
