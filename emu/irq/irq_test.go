package irq

/*
 * rviommu - interrupt unit
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
	"github.com/openiommu/rviommu/emu/regs"
)

func newTestController(t *testing.T, wis bool) (*Controller, *regs.File) {
	t.Helper()
	var r regs.File
	caps := regs.Capabilities{Pas: 46, Ats: true, Pmon: true}
	if wis {
		caps.Igs = regs.IGSWIS
	}
	if err := r.Reset(regs.ResetConfig{
		NumVecBits: 4, HPMCtrBits: 40, ResetMode: regs.ModeBare,
		Caps: caps, Fctrl: regs.Fctrl{Wis: wis},
	}); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	mem := memdev.New(1 << 20)
	return &Controller{Regs: &r, Mem: mem}, &r
}

func TestGenerateDisabledIsNoOp(t *testing.T) {
	c, r := newTestController(t, false)
	// cqcsr.ie is 0 by default, so CQ is disabled.
	c.Generate(CQ)
	if r.Ipsr().Cip {
		t.Errorf("Generate on a disabled unit must not set the pending bit")
	}
}

func TestGenerateEnabledMSIModeWritesMSI(t *testing.T) {
	c, r := newTestController(t, false)
	r.Write(regs.OffCqcsr, 4, uint64(regs.CQCSR{IE: true}.Encode()))
	r.Write(regs.OffIcvec, 4, 1)             // civ=1
	r.Write(regs.OffMSICfgTbl+16, 8, 0x1000) // vector 1: msi_addr
	r.Write(regs.OffMSICfgTbl+24, 4, 0xabcd) // vector 1: msi_data

	if r.Ipsr().Cip {
		t.Fatalf("setup: cip should start clear")
	}
	c.Generate(CQ)
	if !r.Ipsr().Cip {
		t.Errorf("Generate should set cip once enabled")
	}
	if got, _, _ := c.Mem.ReadUint32(0x1000); got != 0xabcd {
		t.Errorf("MSI data at 0x1000 = %#x, want 0xabcd", got)
	}
}

func TestGenerateWiredModeSkipsMSIWrite(t *testing.T) {
	c, r := newTestController(t, true)
	r.Write(regs.OffCqcsr, 4, uint64(regs.CQCSR{IE: true}.Encode()))
	c.Generate(CQ)
	if !r.Ipsr().Cip {
		t.Errorf("Generate should still set cip in wired mode")
	}
}

func TestGenerateAlreadyPendingIsNoOp(t *testing.T) {
	c, r := newTestController(t, false)
	r.Write(regs.OffCqcsr, 4, uint64(regs.CQCSR{IE: true}.Encode()))
	c.Generate(CQ)
	if !r.Ipsr().Cip {
		t.Fatalf("setup: cip should be pending")
	}
	// A second Generate while still pending must not re-fire the MSI write;
	// there's no externally visible count to assert beyond cip staying set.
	c.Generate(CQ)
	if !r.Ipsr().Cip {
		t.Errorf("cip should remain pending across a second Generate")
	}
}

func TestReconcileAfterIpsrWriteRependsLiveCause(t *testing.T) {
	c, r := newTestController(t, false)
	r.Write(regs.OffCqcsr, 4, uint64(regs.CQCSR{IE: true}.Encode()))
	c.Generate(CQ) // cip pending, cqcsr not yet live (no mf/cmd_to/cmd_ill/fence_wip)

	// Make the underlying cause live before software clears ipsr.
	r.SetCqcsrMf()

	before := r.Ipsr()
	r.Write(regs.OffIpsr, 4, uint64(regs.IPSR{Cip: true}.Encode())) // RW1C clears cip
	if r.Ipsr().Cip {
		t.Fatalf("setup: cip should have cleared")
	}
	c.ReconcileAfterIpsrWrite(before)
	if !r.Ipsr().Cip {
		t.Errorf("ReconcileAfterIpsrWrite should re-pend cip while cqcsr.mf is still live")
	}
}

func TestReconcileAfterIpsrWriteLeavesClearedWhenNotLive(t *testing.T) {
	c, r := newTestController(t, false)
	r.Write(regs.OffCqcsr, 4, uint64(regs.CQCSR{IE: true}.Encode()))
	c.Generate(CQ)

	before := r.Ipsr()
	r.Write(regs.OffIpsr, 4, uint64(regs.IPSR{Cip: true}.Encode()))
	c.ReconcileAfterIpsrWrite(before)
	if r.Ipsr().Cip {
		t.Errorf("cip should stay cleared when no cqcsr cause is live")
	}
}

func TestVectorSelection(t *testing.T) {
	c, r := newTestController(t, false)
	r.Write(regs.OffIcvec, 4, 0x3210) // civ=0, fiv=1, pmiv=2, piv=3
	if got := c.vector(CQ); got != 0 {
		t.Errorf("vector(CQ) = %d, want 0", got)
	}
	if got := c.vector(FQ); got != 1 {
		t.Errorf("vector(FQ) = %d, want 1", got)
	}
	if got := c.vector(PMU); got != 2 {
		t.Errorf("vector(PMU) = %d, want 2", got)
	}
	if got := c.vector(PQ); got != 3 {
		t.Errorf("vector(PQ) = %d, want 3", got)
	}
}

func TestLiveReflectsStickyBits(t *testing.T) {
	c, r := newTestController(t, false)
	if c.live(CQ) {
		t.Errorf("live(CQ) should be false with no sticky bits set")
	}
	r.SetCqcsrCmdIll()
	if !c.live(CQ) {
		t.Errorf("live(CQ) should be true once cmd_ill is set")
	}
}
