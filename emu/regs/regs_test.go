package regs

/*
 * rviommu - register file
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

import "testing"

func basicConfig() ResetConfig {
	return ResetConfig{
		NumVecBits: 4,
		ResetMode:  ModeBare,
		Caps:       Capabilities{Pas: 46, Sv39: true, Ats: true},
	}
}

func TestValidateRejectsBadPas(t *testing.T) {
	cfg := basicConfig()
	cfg.Caps.Pas = 57
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate should reject pas > 56")
	}
}

func TestValidateRejectsWisIgsMismatch(t *testing.T) {
	cfg := basicConfig()
	cfg.Fctrl.Wis = true
	cfg.Caps.Igs = IGSMSI
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate should reject wis=1 with igs=MSI")
	}
}

func TestValidateRejectsPmonFieldsWithoutCapability(t *testing.T) {
	cfg := basicConfig()
	cfg.NumHPM = 1
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate should reject nonzero num_hpm without PMON")
	}
}

func TestValidateRejectsBadResetMode(t *testing.T) {
	cfg := basicConfig()
	cfg.ResetMode = Mode1LVL
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate should reject a reset mode other than Off/Bare")
	}
}

func TestResetInstallsCapabilitiesAndMode(t *testing.T) {
	var f File
	cfg := basicConfig()
	if err := f.Reset(cfg); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := f.Caps(); got.Pas != 46 || !got.Sv39 || !got.Ats {
		t.Errorf("Caps() = %+v, want pas=46 sv39=true ats=true", got)
	}
	if got := f.Ddtp().IommuMode; got != ModeBare {
		t.Errorf("Ddtp().IommuMode = %d, want ModeBare", got)
	}
}

func TestReadInvalidOffsetReturnsAllOnes(t *testing.T) {
	var f File
	if err := f.Reset(basicConfig()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	// Unmapped region between mark()ed fields (icvec and the MSI table).
	if got := f.Read(OffIcvec+4, 4); got != uint64(^uint32(0)) {
		t.Errorf("Read of unmapped offset = %#x, want all-ones", got)
	}
	// Misaligned access.
	if got := f.Read(OffCqcsr+1, 4); got != uint64(^uint32(0)) {
		t.Errorf("Read of misaligned offset = %#x, want all-ones", got)
	}
}

func TestWriteCqcsrEnableTurnsQueueOn(t *testing.T) {
	var f File
	if err := f.Reset(basicConfig()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.SetCqh(5)
	f.Write(OffCqt, 4, 7)

	f.Write(OffCqcsr, 4, 1) // en=1
	c := f.Cqcsr()
	if !c.En || !c.On {
		t.Errorf("Cqcsr() = %+v, want en=true on=true", c)
	}
	if f.Cqh() != 0 || f.Cqt() != 0 {
		t.Errorf("cqh/cqt should reset to 0 on the en transition, got cqh=%d cqt=%d", f.Cqh(), f.Cqt())
	}
}

func TestWriteCqcsrRW1CStickyBits(t *testing.T) {
	var f File
	if err := f.Reset(basicConfig()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.SetCqcsrCmdIll()
	if !f.Cqcsr().CmdIll {
		t.Fatalf("CmdIll should be set")
	}
	// Writing 0 must not clear it.
	f.Write(OffCqcsr, 4, 0)
	if !f.Cqcsr().CmdIll {
		t.Errorf("writing 0 to cqcsr must not clear CmdIll")
	}
	// Writing the bit back (RW1C) clears it.
	f.Write(OffCqcsr, 4, uint64(CQCSR{CmdIll: true}.Encode()))
	if f.Cqcsr().CmdIll {
		t.Errorf("writing CmdIll=1 should clear the sticky bit")
	}
}

func TestWriteQueueBaseBlockedWhileOn(t *testing.T) {
	var f File
	if err := f.Reset(basicConfig()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.Write(OffCqcsr, 4, 1) // turns cqcsr.on on
	f.Write(OffCqb, 8, 0x99)
	if f.Cqb().encode() != 0 {
		t.Errorf("cqb write while queue is on must be dropped, got %#x", f.Cqb().encode())
	}
}

func TestWriteRingIndexMasked(t *testing.T) {
	var f File
	if err := f.Reset(basicConfig()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	// cqb log2(size)-1 = 2 -> 8 entries, mask 0x7.
	f.Write(OffCqb, 8, 2)
	f.Write(OffCqt, 4, 0xff)
	if got := f.Cqt(); got != 0x7 {
		t.Errorf("Cqt() = %#x, want 0x7 (masked to queue size)", got)
	}
}

func TestWriteIpsrRW1C(t *testing.T) {
	var f File
	if err := f.Reset(basicConfig()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.RaisePending(func(p *IPSR) *bool { return &p.Fip })
	if !f.Ipsr().Fip {
		t.Fatalf("Fip should be pending")
	}
	f.Write(OffIpsr, 4, uint64(IPSR{Fip: true}.Encode()))
	if f.Ipsr().Fip {
		t.Errorf("writing fip=1 to ipsr should clear it")
	}
}

func TestWriteIcvecWarl(t *testing.T) {
	var f File
	cfg := basicConfig()
	cfg.NumVecBits = 2
	cfg.Caps.Pmon = false
	cfg.Caps.Ats = false
	if err := f.Reset(cfg); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.Write(OffIcvec, 4, 0xffff)
	v := f.Icvec()
	if v.Civ != 3 || v.Fiv != 3 {
		t.Errorf("Icvec() = %+v, want civ=fiv=3 (masked to 2 bits)", v)
	}
	if v.Pmiv != 0 || v.Piv != 0 {
		t.Errorf("Icvec() = %+v, want pmiv=piv=0 without PMON/ATS", v)
	}
}

func TestWriteFctrlBlockedWhenNotOffOrQueueEnabled(t *testing.T) {
	var f File
	cfg := basicConfig()
	cfg.Caps.End = EndBoth
	if err := f.Reset(cfg); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	// ResetMode is Bare, not Off, so fctrl writes should be dropped.
	f.Write(OffFctrl, 4, uint64(Fctrl{End: 1}.encode()))
	if f.Fctrl().End != 0 {
		t.Errorf("fctrl write should be blocked while ddtp.mode != Off")
	}
}

func TestWriteDdtpRejectsIllegalMode(t *testing.T) {
	var f File
	if err := f.Reset(basicConfig()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.Write(OffDdtp, 8, uint64(Ddtp{IommuMode: 0xf}.encode()))
	if f.Ddtp().IommuMode == 0xf {
		t.Errorf("ddtp write with an illegal mode should be dropped")
	}
}

func TestWriteMSICfgTblReadback(t *testing.T) {
	var f File
	if err := f.Reset(basicConfig()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.Write(OffMSICfgTbl, 4, 0xfee00004)   // addr low half
	f.Write(OffMSICfgTbl+4, 4, 0x12)       // addr high half
	f.Write(OffMSICfgTbl+8, 4, 0xabcd)     // data
	f.Write(OffMSICfgTbl+12, 4, 1)         // vec_ctrl.mask

	if got := f.Read(OffMSICfgTbl, 8); got != 0x12fee00004 {
		t.Errorf("msi_addr readback = %#x, want 0x12fee00004", got)
	}
	e := f.MSIEntry(0)
	if e.Addr != 0x12fee00004 || e.Data != 0xabcd || !e.Masked {
		t.Errorf("MSIEntry(0) = %+v, want the programmed addr/data/mask", e)
	}
}

func TestWriteMSICfgTblDroppedBeyondVectorRange(t *testing.T) {
	var f File
	cfg := basicConfig()
	cfg.NumVecBits = 2 // entries 4..15 read-only zero
	if err := f.Reset(cfg); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.Write(OffMSICfgTbl+5*16, 8, 0xfee00000)
	if got := f.Read(OffMSICfgTbl+5*16, 8); got != 0 {
		t.Errorf("entry 5 should be read-only zero with num_vec_bits=2, got %#x", got)
	}
	if e := f.MSIEntry(5); e.Addr != 0 {
		t.Errorf("MSIEntry(5) = %+v, want zero", e)
	}
}

func TestComputeIocntovf(t *testing.T) {
	var f File
	cfg := basicConfig()
	cfg.Caps.Pmon = true
	cfg.NumHPM = 2
	cfg.HPMCtrBits = 40
	if err := f.Reset(cfg); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	f.writeIohpmcycles(1 << 63)
	if got := f.Read(OffIocntovf, 4); got&1 == 0 {
		t.Errorf("iocntovf bit 0 should reflect the cycle counter overflow, got %#x", got)
	}
}
