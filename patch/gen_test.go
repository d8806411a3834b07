// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"testing"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
)

func decoder(t *testing.T) *decode.Engine {
	t.Helper()
	e, err := decode.NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func decodeOne(t *testing.T, e *decode.Engine, code []byte, addr arch.W) decode.Inst {
	t.Helper()
	inst, err := e.Inst(code, addr)
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestGenBodyVerbatim(t *testing.T) {
	e := decoder(t)

	// mov eax, 42 has no PC dependency and copies through.
	inst := decodeOne(t, e, []byte{0xb8, 0x2a, 0, 0, 0}, 0x1000)

	seq, terminator, err := GenBody(&inst)
	if err != nil {
		t.Fatal(err)
	}
	if terminator {
		t.Error("mov must not terminate")
	}
	if len(seq) != 1 || Len(seq) != inst.Size {
		t.Errorf("expected verbatim copy, got %d patches (%d bytes)", len(seq), Len(seq))
	}
}

func TestGenBodyReturn(t *testing.T) {
	e := decoder(t)

	inst := decodeOne(t, e, []byte{0xc3}, 0x1000)

	seq, terminator, err := GenBody(&inst)
	if err != nil {
		t.Fatal(err)
	}
	if !terminator {
		t.Error("ret must terminate")
	}
	if !endsWithEpilogueJump(seq) {
		t.Error("terminator must leave through the epilogue")
	}
}

func TestGenBodyCondBranch(t *testing.T) {
	e := decoder(t)

	inst := decodeOne(t, e, []byte{0x75, 0x10}, 0x1000)

	seq, terminator, err := GenBody(&inst)
	if err != nil {
		t.Fatal(err)
	}
	if !terminator {
		t.Error("jne must terminate")
	}

	// Short branch stem, fallthrough exit, taken exit.
	fallLen := Len(BreakGuest(arch.RAX, 0))
	if got := seq[0].Template; len(got) != 2 || got[0] != 0x75 || got[1] != byte(fallLen) {
		t.Errorf("wrong branch stem: % x (fall %d)", got, fallLen)
	}
	if Len(seq) != 2+2*fallLen {
		t.Errorf("wrong sequence size: %d", Len(seq))
	}
}

func TestGenBodyRIPRelative(t *testing.T) {
	e := decoder(t)

	// mov rax, [rip+0x10] at 0x1000 reads absolute 0x1017.
	inst := decodeOne(t, e, []byte{0x48, 0x8b, 0x05, 0x10, 0, 0, 0}, 0x1000)

	seq, terminator, err := GenBody(&inst)
	if err != nil {
		t.Fatal(err)
	}
	if terminator {
		t.Error("data access must not terminate")
	}

	// Spill, materialize target, rewritten access, restore.
	if len(seq) != 4 {
		t.Fatalf("unexpected shape: %d patches", len(seq))
	}

	// The scratch register can't be rax (the instruction uses it).
	// The rewritten access must drop the disp32.
	if got := seq[2].Template; len(got) != inst.Size-4 {
		t.Errorf("rewritten body is %d bytes, want %d", len(got), inst.Size-4)
	}
}

func TestGenBodyIndirectCall(t *testing.T) {
	e := decoder(t)

	// call qword [rbx+8]
	inst := decodeOne(t, e, []byte{0xff, 0x53, 0x08}, 0x1000)

	seq, terminator, err := GenBody(&inst)
	if err != nil {
		t.Fatal(err)
	}
	if !terminator {
		t.Error("call must terminate")
	}
	if !endsWithEpilogueJump(seq) {
		t.Error("call exit must leave through the epilogue")
	}
}

func TestModRMOffset(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		off  int
	}{
		{"plain", []byte{0x8b, 0x05, 0, 0, 0, 0}, 1},
		{"rex", []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0}, 2},
		{"0f escape", []byte{0x0f, 0xae, 0x05, 0, 0, 0, 0}, 2},
		{"prefix+rex", []byte{0x66, 0x48, 0x8b, 0x05, 0, 0, 0, 0}, 3},
		{"vex2", []byte{0xc5, 0xfa, 0x10, 0x05, 0, 0, 0, 0}, 3},
	}

	for _, c := range cases {
		off, err := modRMOffset(c.code)
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if off != c.off {
			t.Errorf("%s: got offset %d, want %d", c.name, off, c.off)
		}
	}
}

func TestPickScratch(t *testing.T) {
	e := decoder(t)

	// mov rax, [rbx+rcx*8]
	inst := decodeOne(t, e, []byte{0x48, 0x8b, 0x04, 0xcb}, 0x1000)

	s := PickScratch(&inst)
	if s == arch.RAX || s == arch.RBX || s == arch.RCX {
		t.Errorf("scratch %v collides with operands", s)
	}
}

func endsWithEpilogueJump(seq []RelocatableInst) bool {
	if len(seq) == 0 {
		return false
	}
	last := seq[len(seq)-1]
	return len(last.Holes) == 1 && last.Holes[0].Kind == EpilogueRel
}
