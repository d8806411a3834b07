// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package execblock

import (
	"testing"
	"unsafe"

	"github.com/tsavola/weft/arch"
	"github.com/tsavola/weft/decode"
	"github.com/tsavola/weft/event"
	"github.com/tsavola/weft/patch"
	"github.com/tsavola/weft/patch/in"
)

func testBlock(t *testing.T) *Block {
	t.Helper()
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Free)
	return b
}

func testState(t *testing.T) (*arch.GPRState, *arch.FPRState) {
	t.Helper()

	stack := make([]byte, 0x4000)
	t.Cleanup(func() { _ = stack })

	var gpr arch.GPRState
	gpr.RSP = (arch.W(uintptr(unsafe.Pointer(&stack[0]))) + 0x4000 - 64) &^ 15

	fpr := new(arch.FPRState)
	fpr.InitDefaults()
	return &gpr, fpr
}

// TestExecuteBreakGuest enters a block whose only content publishes a
// guest address and exits.  The full prologue/epilogue context switch
// must round-trip every register.
func TestExecuteBreakGuest(t *testing.T) {
	b := testBlock(t)
	gpr, fpr := testState(t)

	off, err := b.Append(patch.BreakGuest(arch.RAX, 0x1234))
	if err != nil {
		t.Fatal(err)
	}

	gpr.RAX = 0x11
	gpr.RBX = 0x22
	gpr.R15 = 0x33
	sp := gpr.RSP

	selector, exitCode, err := b.Execute(gpr, fpr, off)
	if err != nil {
		t.Fatal(err)
	}

	if selector != 0x1234 || exitCode != 0 {
		t.Errorf("wrong exit: selector %#x code %d", uint64(selector), exitCode)
	}
	if gpr.RAX != 0x11 || gpr.RBX != 0x22 || gpr.R15 != 0x33 || gpr.RSP != sp {
		t.Errorf("guest registers not transparent: %+v", gpr)
	}
}

// TestExecuteMutation runs generated code which changes a register
// before exiting.
func TestExecuteMutation(t *testing.T) {
	b := testBlock(t)
	gpr, fpr := testState(t)

	seq := []patch.RelocatableInst{patch.Raw(in.MovRegImm64(arch.R11, 0xfeed))}
	seq = append(seq, patch.BreakGuest(arch.RAX, 0x10)...)

	off, err := b.Append(seq)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := b.Execute(gpr, fpr, off); err != nil {
		t.Fatal(err)
	}
	if gpr.R11 != 0xfeed {
		t.Errorf("generated code did not run: r11 = %#x", uint64(gpr.R11))
	}
}

// TestExecuteSite checks the callback-site exit protocol: the exit code
// names the site and execution can resume past the patch.
func TestExecuteSite(t *testing.T) {
	b := testBlock(t)
	gpr, fpr := testState(t)

	instID := b.NewInst(decode.Inst{Address: 0x1000, Size: 1}, 0, 0)
	site := b.AddSite(instID, event.PreInst)

	p := patch.BreakSite(arch.RCX, site)
	off, err := b.Append(p)
	if err != nil {
		t.Fatal(err)
	}
	b.SetSiteResume(site, off+patch.Len(p))

	// Resuming at the site's resume offset must hit the follow-up exit.
	if _, err := b.Append(patch.BreakGuest(arch.RAX, 0x2000)); err != nil {
		t.Fatal(err)
	}

	selector, exitCode, err := b.Execute(gpr, fpr, off)
	if err != nil {
		t.Fatal(err)
	}
	if exitCode != site {
		t.Fatalf("wrong exit code: %d", exitCode)
	}
	if selector != b.Base()+arch.W(b.Site(site).Resume) {
		t.Error("selector must hold the resume address at a site exit")
	}

	selector, exitCode, err = b.Execute(gpr, fpr, b.Site(site).Resume)
	if err != nil {
		t.Fatal(err)
	}
	if exitCode != 0 || selector != 0x2000 {
		t.Errorf("wrong resumed exit: selector %#x code %d", uint64(selector), exitCode)
	}
}

func TestAppendFull(t *testing.T) {
	b := testBlock(t)

	junk := patch.Raw(make([]byte, 4096))
	for {
		if _, err := b.Append([]patch.RelocatableInst{junk}); err != nil {
			if err != ErrFull {
				t.Fatalf("wrong error: %v", err)
			}
			break
		}
	}

	if b.Room() >= 4096 {
		t.Error("ErrFull with room to spare")
	}

	// A small append still fits; ErrFull must not have corrupted the
	// write offset.
	if _, err := b.Append([]patch.RelocatableInst{patch.Raw([]byte{0x90})}); err != nil {
		t.Fatal(err)
	}
}

func TestSealAndReopen(t *testing.T) {
	b := testBlock(t)
	gpr, fpr := testState(t)

	off, err := b.Append(patch.BreakGuest(arch.RAX, 0x1))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Execute(gpr, fpr, off); err != nil {
		t.Fatal(err)
	}

	// Appending after execution reopens the page, and the earlier code
	// still runs.
	off2, err := b.Append(patch.BreakGuest(arch.RBX, 0x2))
	if err != nil {
		t.Fatal(err)
	}

	if sel, _, err := b.Execute(gpr, fpr, off); err != nil || sel != 0x1 {
		t.Errorf("first sequence broken after reopen: %#x %v", uint64(sel), err)
	}
	if sel, _, err := b.Execute(gpr, fpr, off2); err != nil || sel != 0x2 {
		t.Errorf("second sequence broken: %#x %v", uint64(sel), err)
	}
}

func TestMetadataTables(t *testing.T) {
	b := testBlock(t)

	seq := b.StartSeq(0x1000, b.CurrentOffset())
	id := b.NewInst(decode.Inst{Address: 0x1000, Size: 2}, seq, b.CurrentOffset())
	b.NewInst(decode.Inst{Address: 0x1002, Size: 1}, seq, b.CurrentOffset())
	b.EndSeq(seq, 0x1003)

	if b.NumInsts() != 2 || b.NumSeqs() != 1 {
		t.Fatal("wrong table sizes")
	}
	if got, ok := b.FindSeq(0x1000); !ok || got != seq {
		t.Error("FindSeq broken")
	}
	if _, ok := b.FindSeq(0x1002); ok {
		t.Error("FindSeq must match sequence starts only")
	}

	r := b.Ranges()
	if !r.Contains(0x1000) || !r.Contains(0x1002) || r.Contains(0x1003) {
		t.Error("covered ranges wrong")
	}

	b.TruncateMeta(id+1, 0)
	if b.NumInsts() != 1 {
		t.Error("TruncateMeta broken")
	}
}

func TestConstantPool(t *testing.T) {
	b := testBlock(t)

	a1 := b.Place(0x1111)
	a2 := b.Place(0x2222)
	if a1 == a2 {
		t.Error("distinct constants share a slot")
	}
	if b.Place(0x1111) != a1 {
		t.Error("pool must deduplicate")
	}
}
