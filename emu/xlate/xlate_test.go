package xlate

/*
 * rviommu - translation pipeline
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

import (
	"testing"

	"github.com/openiommu/rviommu/emu/memdev"
)

// buildSv39Chain writes a 3-level Sv39 radix chain for VPN index 0 at every
// level (so addr=0 walks it), rooted at PPN 1, terminating in a leaf PTE
// pointing at leafPPN with the given permission bits.
func buildSv39Chain(mem *memdev.Memory, leafPPN uint64, r, w, x, a, d bool) {
	nonleaf := func(ppn uint64) uint64 { return 1 | (ppn << 10) }
	mem.WriteUint64(1*pageSize, nonleaf(2))
	mem.WriteUint64(2*pageSize, nonleaf(3))

	var leaf uint64 = 1 // V
	if r {
		leaf |= 1 << 1
	}
	if w {
		leaf |= 1 << 2
	}
	if x {
		leaf |= 1 << 3
	}
	if a {
		leaf |= 1 << 6
	}
	if d {
		leaf |= 1 << 7
	}
	leaf |= leafPPN << 10
	mem.WriteUint64(3*pageSize, leaf)
}

func TestTranslateBarePassthrough(t *testing.T) {
	tr := &Translator{Mem: memdev.New(1 << 20)}
	res, err := tr.Translate(0, ModeBare, 0, ModeBare, 0xabcd000, AccessRead)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if res.PA != 0xabcd000 || !res.R || !res.W || !res.X {
		t.Errorf("Translate(Bare/Bare) = %+v, want identity passthrough with full permissions", res)
	}
}

func TestTranslateSingleStageSv39(t *testing.T) {
	mem := memdev.New(1 << 20)
	buildSv39Chain(mem, 10, true, true, true, true, true)
	tr := &Translator{Mem: mem}

	res, err := tr.Translate(1, ModeSv39, 0, ModeBare, 0, AccessRead)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if res.PA != 10*pageSize {
		t.Errorf("PA = %#x, want %#x", res.PA, 10*pageSize)
	}
	if !res.R || !res.W || !res.X {
		t.Errorf("Result = %+v, want r/w/x all true", res)
	}
}

func TestTranslateSingleStagePermissionDenied(t *testing.T) {
	mem := memdev.New(1 << 20)
	buildSv39Chain(mem, 10, true, false, false, true, true) // read-only page
	tr := &Translator{Mem: mem}

	_, err := tr.Translate(1, ModeSv39, 0, ModeBare, 0, AccessWrite)
	fe, ok := err.(*Fault)
	if !ok {
		t.Fatalf("err = %v (%T), want *Fault", err, err)
	}
	if fe.Cause != causePageFaultWrite {
		t.Errorf("Cause = %d, want %d", fe.Cause, causePageFaultWrite)
	}
}

func TestTranslateSingleStageInvalidEntry(t *testing.T) {
	mem := memdev.New(1 << 20) // all zero: root PTE has V=0
	tr := &Translator{Mem: mem}

	_, err := tr.Translate(1, ModeSv39, 0, ModeBare, 0, AccessRead)
	fe, ok := err.(*Fault)
	if !ok || fe.Cause != causePageFaultRead {
		t.Errorf("err = %v, want causePageFaultRead", err)
	}
}

func TestTranslateSingleStageAccessFault(t *testing.T) {
	mem := memdev.New(pageSize) // too small to reach the root table at ppn=1
	tr := &Translator{Mem: mem}

	_, err := tr.Translate(1, ModeSv39, 0, ModeBare, 0, AccessRead)
	fe, ok := err.(*Fault)
	if !ok || fe.Cause != causeAccessFaultRead {
		t.Errorf("err = %v, want causeAccessFaultRead", err)
	}
}

func TestTranslateTwoStageGuestPageFault(t *testing.T) {
	mem := memdev.New(1 << 20)
	buildSv39Chain(mem, 10, true, true, true, true, true) // VS-stage walk succeeds...
	// ...but the G-stage root (ppn=4, left all zero) has no valid entry for
	// the GPA of the first VS-stage table page, so the G-stage walk faults.
	tr := &Translator{Mem: mem}

	_, err := tr.Translate(1, ModeSv39, 4, ModeSv39, 0, AccessRead)
	fe, ok := err.(*Fault)
	if !ok {
		t.Fatalf("err = %v (%T), want *Fault", err, err)
	}
	if fe.Cause != causeGuestPageFaultRead {
		t.Errorf("Cause = %d, want causeGuestPageFaultRead (%d)", fe.Cause, causeGuestPageFaultRead)
	}
}

func TestCheckPermAccessKinds(t *testing.T) {
	p := pte{R: true}
	if !checkPerm(p, AccessRead) {
		t.Errorf("checkPerm(R-only, AccessRead) should be true")
	}
	if checkPerm(p, AccessWrite) {
		t.Errorf("checkPerm(R-only, AccessWrite) should be false")
	}
	if checkPerm(p, AccessExec) {
		t.Errorf("checkPerm(R-only, AccessExec) should be false")
	}
}

func TestDecodePTEFields(t *testing.T) {
	raw := uint64(1) | (1 << 1) | (1 << 4) | (1 << 5) | (7 << 10) | (uint64(2) << 61)
	p := decodePTE(raw, ModeSv39)
	if !p.V || !p.R || !p.U || !p.G {
		t.Errorf("decodePTE flags = %+v, want v/r/u/g all true", p)
	}
	if p.PPN != 7 {
		t.Errorf("PPN = %d, want 7", p.PPN)
	}
	if p.PBMT != 2 {
		t.Errorf("PBMT = %d, want 2", p.PBMT)
	}
}

func TestDecodePTESv32(t *testing.T) {
	raw := uint64(1) | (1 << 1) | (uint64(0x3fffff) << 10)
	p := decodePTE(raw, ModeSv32)
	if p.PPN != 0x3fffff {
		t.Errorf("Sv32 PPN = %#x, want the full 22-bit field", p.PPN)
	}
	if p.PBMT != 0 || p.N {
		t.Errorf("Sv32 PTEs carry no PBMT/N, got %+v", p)
	}
}

func TestVpnIndicesOrdering(t *testing.T) {
	// addr picks VPN[0]=1, VPN[1]=2, VPN[2]=3 for an Sv39 (3-level) walk.
	addr := uint64(3)<<(12+18) | uint64(2)<<(12+9) | uint64(1)<<12
	idx := vpnIndices(addr, 3, ModeSv39, false)
	if idx[0] != 3 || idx[1] != 2 || idx[2] != 1 {
		t.Errorf("vpnIndices = %v, want [3 2 1] (most-significant level first)", idx)
	}
}

func TestVpnIndicesX4WidensRootLevel(t *testing.T) {
	// Bit 41 of the address is only reachable through the widened 11-bit
	// root-level index of an Sv39x4 G-stage walk.
	addr := uint64(0x400) << 30
	idx := vpnIndices(addr, 3, ModeSv39, true)
	if idx[0] != 0x400 {
		t.Errorf("x4 root index = %#x, want 0x400", idx[0])
	}
	if got := vpnIndices(addr, 3, ModeSv39, false)[0]; got != 0 {
		t.Errorf("non-x4 root index = %#x, want the widened bit masked off", got)
	}
}

func TestTranslateSuperpageComposesOffset(t *testing.T) {
	mem := memdev.New(1 << 22)
	// Root table at ppn=1, entry 0 points at a level-1 table whose entry 0
	// is a 2 MiB leaf at ppn=512 (low 9 PPN bits clear).
	mem.WriteUint64(1*pageSize, 1|(2<<10))
	mem.WriteUint64(2*pageSize, 1|(1<<1)|(1<<6)|(uint64(512)<<10)) // V R A
	tr := &Translator{Mem: mem}

	addr := uint64(0x1F000) // 2 MiB region offset 0x1F000
	res, err := tr.Translate(1, ModeSv39, 0, ModeBare, addr, AccessRead)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := uint64(512)*pageSize + 0x1F000; res.PA != want {
		t.Errorf("PA = %#x, want %#x (superpage offset preserved)", res.PA, want)
	}
	if res.PageShift != 21 {
		t.Errorf("PageShift = %d, want 21 for a 2 MiB leaf", res.PageShift)
	}
}

func TestTranslateMisalignedSuperpageFaults(t *testing.T) {
	mem := memdev.New(1 << 22)
	mem.WriteUint64(1*pageSize, 1|(2<<10))
	mem.WriteUint64(2*pageSize, 1|(1<<1)|(1<<6)|(uint64(513)<<10)) // low PPN bit set
	tr := &Translator{Mem: mem}

	_, err := tr.Translate(1, ModeSv39, 0, ModeBare, 0, AccessRead)
	fe, ok := err.(*Fault)
	if !ok || fe.Cause != causePageFaultRead {
		t.Errorf("err = %v, want a page fault for the misaligned superpage", err)
	}
}

func TestTranslateAMOSetsAccessedDirty(t *testing.T) {
	mem := memdev.New(1 << 20)
	buildSv39Chain(mem, 10, true, true, false, false, false) // A=D=0
	tr := &Translator{Mem: mem, AMO: true}

	res, err := tr.Translate(1, ModeSv39, 0, ModeBare, 0, AccessWrite)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !res.A || !res.D {
		t.Errorf("Result = %+v, want A and D set after the atomic update", res)
	}
	raw, _, _ := mem.ReadUint64(3 * pageSize)
	if raw&(1<<6) == 0 || raw&(1<<7) == 0 {
		t.Errorf("leaf PTE = %#x, want A (bit 6) and D (bit 7) written back", raw)
	}
}

func TestTranslateNoAMOFaultsOnClearAccessed(t *testing.T) {
	mem := memdev.New(1 << 20)
	buildSv39Chain(mem, 10, true, false, false, false, false) // A=0
	tr := &Translator{Mem: mem}

	_, err := tr.Translate(1, ModeSv39, 0, ModeBare, 0, AccessRead)
	fe, ok := err.(*Fault)
	if !ok || fe.Cause != causePageFaultRead {
		t.Errorf("err = %v, want a page fault when A=0 without the AMO capability", err)
	}
}
