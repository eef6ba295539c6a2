// Package regs implements the IOMMU's memory-mapped register file (C1): a
// naturally aligned 4 KiB window with field-level WARL/RW1C/busy semantics
// over a shared byte buffer, per spec.md 4.1 and 9.
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

import (
	"encoding/binary"
	"fmt"
)

// Byte offsets of the named registers, per spec.md 6.
const (
	OffCapabilities = 0
	OffFctrl        = 8
	OffDdtp         = 16
	OffCqb          = 24
	OffCqh          = 32
	OffCqt          = 36
	OffFqb          = 40
	OffFqh          = 48
	OffFqt          = 52
	OffPqb          = 56
	OffPqh          = 64
	OffPqt          = 68
	OffCqcsr        = 72
	OffFqcsr        = 76
	OffPqcsr        = 80
	OffIpsr         = 84
	OffIocntovf     = 88
	OffIocntinh     = 92
	OffIohpmcycles  = 96
	OffIohpmctr1    = 104
	OffIohpmevt1    = 352
	OffIcvec        = 760
	OffMSICfgTbl    = 768

	numHPMCtrs  = 31
	numMSITbl   = 16
	regWindow   = 4096
)

// igs values for capabilities.igs / legal fctrl.wis pairing.
const (
	IGSMSI  = 0
	IGSWIS  = 1
	IGSBoth = 2
)

// end values for capabilities.end / fctrl.end.
const (
	EndOne  = 0
	EndBoth = 1
)

// ddtp.iommu_mode values.
const (
	ModeOff  = 0
	ModeBare = 1
	Mode1LVL = 2
	Mode2LVL = 3
	Mode3LVL = 4
)

// Capabilities mirrors the read-only capabilities register. Populated once
// at Reset and never altered afterward.
type Capabilities struct {
	Version uint8
	Sv32, Sv39, Sv48, Sv57 bool
	Svnapot, Svpbmt        bool
	Sv32x4, Sv39x4, Sv48x4, Sv57x4 bool
	MSIFlat, MSIMrif bool
	Amo, Ats, T2gpa  bool
	End              uint8 // EndOne or EndBoth.
	Igs              uint8 // IGSMSI, IGSWIS or IGSBoth.
	Pmon, Ras        bool
	Pas              uint8 // Physical address width, 32..56.
	Custom           uint16
}

func (c Capabilities) encode() uint64 {
	v := uint64(c.Version)
	v |= b2u(c.Sv32) << 8
	v |= b2u(c.Sv39) << 9
	v |= b2u(c.Sv48) << 10
	v |= b2u(c.Sv57) << 11
	v |= b2u(c.Svnapot) << 14
	v |= b2u(c.Svpbmt) << 15
	v |= b2u(c.Sv32x4) << 16
	v |= b2u(c.Sv39x4) << 17
	v |= b2u(c.Sv48x4) << 18
	v |= b2u(c.Sv57x4) << 19
	v |= b2u(c.MSIFlat) << 22
	v |= b2u(c.MSIMrif) << 23
	v |= b2u(c.Amo) << 24
	v |= b2u(c.Ats) << 25
	v |= b2u(c.T2gpa) << 26
	v |= uint64(c.End&1) << 27
	v |= uint64(c.Igs&3) << 28
	v |= b2u(c.Pmon) << 30
	v |= b2u(c.Ras) << 31
	v |= uint64(c.Pas&0x3f) << 32
	v |= uint64(c.Custom) << 48
	return v
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Fctrl is the feature-control register.
type Fctrl struct {
	End uint8 // 0 little, 1 big; writable only if Capabilities.End == EndBoth.
	Wis bool  // 1: wired interrupts; writable only if Capabilities.Igs == IGSBoth.
}

func (f Fctrl) encode() uint32 {
	v := uint32(f.End & 1)
	v |= b2u32(f.Wis) << 1
	return v
}

func decodeFctrl(v uint32) Fctrl {
	return Fctrl{End: uint8(v & 1), Wis: v&2 != 0}
}

func b2u32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Ddtp is the device-directory-table pointer register.
type Ddtp struct {
	PPN       uint64
	Busy      bool
	IommuMode uint8
}

func (d Ddtp) encode() uint64 {
	v := d.PPN & ((1 << 44) - 1)
	v |= b2u(d.Busy) << 59
	v |= uint64(d.IommuMode&0xf) << 60
	return v
}

func decodeDdtp(v uint64) Ddtp {
	return Ddtp{
		PPN:       v & ((1 << 44) - 1),
		Busy:      v&(1<<59) != 0,
		IommuMode: uint8((v >> 60) & 0xf),
	}
}

// QueueBase is the shape shared by cqb/fqb/pqb.
type QueueBase struct {
	Log2SzM1 uint8
	PPN      uint64
}

func (q QueueBase) encode() uint64 {
	v := uint64(q.Log2SzM1 & 0x1f)
	v |= (q.PPN & ((1 << 44) - 1)) << 5
	return v
}

func decodeQueueBase(v uint64) QueueBase {
	return QueueBase{Log2SzM1: uint8(v & 0x1f), PPN: (v >> 5) & ((1 << 44) - 1)}
}

// Size returns the number of entries implied by Log2SzM1.
func (q QueueBase) Size() uint32 {
	return 1 << (q.Log2SzM1 + 1)
}

// CQCSR is the command-queue control/status register.
type CQCSR struct {
	En, IE              bool
	Mf, CmdTo, CmdIll   bool
	FenceWIP            bool
	On, Busy            bool
}

func (c CQCSR) Encode() uint32 {
	v := b2u32(c.En)
	v |= b2u32(c.IE) << 1
	v |= b2u32(c.Mf) << 8
	v |= b2u32(c.CmdTo) << 9
	v |= b2u32(c.CmdIll) << 10
	v |= b2u32(c.FenceWIP) << 11
	v |= b2u32(c.On) << 16
	v |= b2u32(c.Busy) << 17
	return v
}

func decodeCQCSR(v uint32) CQCSR {
	return CQCSR{
		En: v&1 != 0, IE: v&2 != 0,
		Mf: v&(1<<8) != 0, CmdTo: v&(1<<9) != 0, CmdIll: v&(1<<10) != 0,
		FenceWIP: v&(1<<11) != 0,
		On:       v&(1<<16) != 0, Busy: v&(1<<17) != 0,
	}
}

// FQPQCSR is the shape shared by fqcsr/pqcsr.
type FQPQCSR struct {
	En, IE   bool
	Mf, Of   bool
	On, Busy bool
}

func (c FQPQCSR) encode() uint32 {
	v := b2u32(c.En)
	v |= b2u32(c.IE) << 1
	v |= b2u32(c.Mf) << 8
	v |= b2u32(c.Of) << 9
	v |= b2u32(c.On) << 16
	v |= b2u32(c.Busy) << 17
	return v
}

func decodeFQPQCSR(v uint32) FQPQCSR {
	return FQPQCSR{
		En: v&1 != 0, IE: v&2 != 0,
		Mf: v&(1<<8) != 0, Of: v&(1<<9) != 0,
		On: v&(1<<16) != 0, Busy: v&(1<<17) != 0,
	}
}

// IPSR is the interrupt pending status register. RW1C per bit.
type IPSR struct {
	Cip, Fip, Pmip, Pip bool
}

func (p IPSR) Encode() uint32 {
	v := b2u32(p.Cip)
	v |= b2u32(p.Fip) << 1
	v |= b2u32(p.Pmip) << 2
	v |= b2u32(p.Pip) << 3
	return v
}

func decodeIPSR(v uint32) IPSR {
	return IPSR{Cip: v&1 != 0, Fip: v&2 != 0, Pmip: v&4 != 0, Pip: v&8 != 0}
}

// ICVec holds the interrupt-cause-to-vector assignment.
type ICVec struct {
	Civ, Fiv, Pmiv, Piv uint8
}

func (v ICVec) encode() uint64 {
	r := uint64(v.Civ & 0xf)
	r |= uint64(v.Fiv&0xf) << 4
	r |= uint64(v.Pmiv&0xf) << 8
	r |= uint64(v.Piv&0xf) << 12
	return r
}

func decodeICVec(v uint64) ICVec {
	return ICVec{
		Civ:  uint8(v & 0xf),
		Fiv:  uint8((v >> 4) & 0xf),
		Pmiv: uint8((v >> 8) & 0xf),
		Piv:  uint8((v >> 12) & 0xf),
	}
}

// MSIEntry is one entry of the MSI configuration table.
type MSIEntry struct {
	Addr    uint64
	Data    uint32
	Masked  bool
}

// IOHpmEvt is one performance-event selector register.
type IOHpmEvt struct {
	EventID           uint32
	Dmask             bool
	PidPscid          uint32
	DidGscid          uint32
	PvPscv, DvGscv    bool
	Idt, Of           bool
}

func (e IOHpmEvt) encode() uint64 {
	v := uint64(e.EventID & 0x7fff)
	v |= b2u(e.Dmask) << 15
	v |= uint64(e.PidPscid&0xfffff) << 16
	v |= uint64(e.DidGscid&0xffffff) << 36
	v |= b2u(e.PvPscv) << 60
	v |= b2u(e.DvGscv) << 61
	v |= b2u(e.Idt) << 62
	v |= b2u(e.Of) << 63
	return v
}

func decodeIOHpmEvt(v uint64) IOHpmEvt {
	return IOHpmEvt{
		EventID:  uint32(v & 0x7fff),
		Dmask:    v&(1<<15) != 0,
		PidPscid: uint32((v >> 16) & 0xfffff),
		DidGscid: uint32((v >> 36) & 0xffffff),
		PvPscv:   v&(1<<60) != 0,
		DvGscv:   v&(1<<61) != 0,
		Idt:      v&(1<<62) != 0,
		Of:       v&(1<<63) != 0,
	}
}

// ResetConfig is the input to Reset, per spec.md 6's reset-configuration
// input.
type ResetConfig struct {
	NumHPM      uint8 // 0..31 implemented performance counters.
	HPMCtrBits  uint8 // 0, or 1..63 when PMON capability is set.
	EventIDMask uint32
	NumVecBits  uint8 // 0..4
	ResetMode   uint8 // ModeOff or ModeBare.
	Caps        Capabilities
	Fctrl       Fctrl
}

// File is one owned register file instance.
type File struct {
	buf     [regWindow]byte
	sizeTab [regWindow]uint8

	caps   Capabilities
	cfg    ResetConfig
	vecMask uint8 // mask derived from NumVecBits.

	hpmEvt [numHPMCtrs]IOHpmEvt
	msi    [numMSITbl]MSIEntry
}

// Validate checks a ResetConfig for internal consistency per spec.md 4.1's
// reset-time checks, returning an error (in place of the original's bare
// -1 return) naming the first violated constraint.
func (c ResetConfig) Validate() error {
	if c.Caps.Pas > 56 {
		return fmt.Errorf("regs: capabilities.pas %d exceeds 56", c.Caps.Pas)
	}
	if c.Caps.Igs > IGSBoth {
		return fmt.Errorf("regs: capabilities.igs %d not in legal set", c.Caps.Igs)
	}
	if c.Fctrl.Wis && c.Caps.Igs == IGSMSI {
		return fmt.Errorf("regs: fctrl.wis=1 inconsistent with capabilities.igs=MSI")
	}
	if !c.Fctrl.Wis && c.Caps.Igs == IGSWIS {
		return fmt.Errorf("regs: fctrl.wis=0 inconsistent with capabilities.igs=WIS")
	}
	if !c.Caps.Pmon && (c.NumHPM != 0 || c.HPMCtrBits != 0 || c.EventIDMask != 0) {
		return fmt.Errorf("regs: PMON-gated fields must be zero when capabilities.pmon=0")
	}
	if c.NumVecBits > 4 {
		return fmt.Errorf("regs: num_vec_bits %d exceeds 4", c.NumVecBits)
	}
	if c.NumHPM > 31 {
		return fmt.Errorf("regs: num_hpm %d exceeds 31", c.NumHPM)
	}
	if c.Caps.Pmon && (c.HPMCtrBits < 1 || c.HPMCtrBits > 63) {
		return fmt.Errorf("regs: hpmctr_bits %d out of [1,63] with PMON=1", c.HPMCtrBits)
	}
	if c.ResetMode != ModeOff && c.ResetMode != ModeBare {
		return fmt.Errorf("regs: reset mode %d not in {Off, Bare}", c.ResetMode)
	}
	return nil
}

// Reset validates cfg and, on success, zeroes the register file and
// installs capabilities, fctrl, and ddtp.iommu_mode.
func (f *File) Reset(cfg ResetConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	*f = File{}
	f.caps = cfg.Caps
	f.cfg = cfg
	f.vecMask = (1 << cfg.NumVecBits) - 1

	f.buildSizeTable()

	f.putU64(OffCapabilities, cfg.Caps.encode())
	f.putU32(OffFctrl, cfg.Fctrl.encode())
	f.putU64(OffDdtp, Ddtp{IommuMode: cfg.ResetMode}.encode())
	return nil
}

func (f *File) buildSizeTable() {
	mark := func(off, size int) {
		for i := 0; i < size; i++ {
			f.sizeTab[off+i] = uint8(size)
		}
	}
	mark(OffCapabilities, 8)
	mark(OffFctrl, 4)
	mark(OffDdtp, 8)
	mark(OffCqb, 8)
	mark(OffCqh, 4)
	mark(OffCqt, 4)
	mark(OffFqb, 8)
	mark(OffFqh, 4)
	mark(OffFqt, 4)
	mark(OffPqb, 8)
	mark(OffPqh, 4)
	mark(OffPqt, 4)
	mark(OffCqcsr, 4)
	mark(OffFqcsr, 4)
	mark(OffPqcsr, 4)
	mark(OffIpsr, 4)
	mark(OffIocntovf, 4)
	mark(OffIocntinh, 4)
	mark(OffIohpmcycles, 8)
	for i := 0; i < numHPMCtrs; i++ {
		mark(OffIohpmctr1+i*8, 8)
		mark(OffIohpmevt1+i*8, 8)
	}
	mark(OffIcvec, 4)
	for i := 0; i < numMSITbl; i++ {
		base := OffMSICfgTbl + i*16
		mark(base, 8)
		mark(base+8, 4)
		mark(base+12, 4)
	}
}

func (f *File) putU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(f.buf[off:off+8], v)
}

func (f *File) putU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(f.buf[off:off+4], v)
}

func (f *File) getU64(off int) uint64 {
	return binary.LittleEndian.Uint64(f.buf[off : off+8])
}

func (f *File) getU32(off int) uint32 {
	return binary.LittleEndian.Uint32(f.buf[off : off+4])
}

// Caps returns the capabilities installed at reset.
func (f *File) Caps() Capabilities { return f.caps }

// Fctrl returns the current feature-control register.
func (f *File) Fctrl() Fctrl { return decodeFctrl(f.getU32(OffFctrl)) }

// Ddtp returns the current ddtp register.
func (f *File) Ddtp() Ddtp { return decodeDdtp(f.getU64(OffDdtp)) }

// SetDdtpBusy sets or clears ddtp.busy. No part of the model calls it: ddtp
// writes complete synchronously.
func (f *File) SetDdtpBusy(busy bool) {
	d := f.Ddtp()
	d.Busy = busy
	f.putU64(OffDdtp, d.encode())
}

// Cqb, Fqb, Pqb return the current queue-base registers.
func (f *File) Cqb() QueueBase { return decodeQueueBase(f.getU64(OffCqb)) }
func (f *File) Fqb() QueueBase { return decodeQueueBase(f.getU64(OffFqb)) }
func (f *File) Pqb() QueueBase { return decodeQueueBase(f.getU64(OffPqb)) }

// Cqh/Cqt/Fqh/Fqt/Pqh/Pqt return the raw index registers.
func (f *File) Cqh() uint32 { return f.getU32(OffCqh) }
func (f *File) Cqt() uint32 { return f.getU32(OffCqt) }
func (f *File) Fqh() uint32 { return f.getU32(OffFqh) }
func (f *File) Fqt() uint32 { return f.getU32(OffFqt) }
func (f *File) Pqh() uint32 { return f.getU32(OffPqh) }
func (f *File) Pqt() uint32 { return f.getU32(OffPqt) }

// SetCqh/SetFqt/SetPqt are IOMMU-internal advances of the read-only-to-
// software index registers.
func (f *File) SetCqh(v uint32) { f.putU32(OffCqh, v) }
func (f *File) SetFqt(v uint32) { f.putU32(OffFqt, v) }
func (f *File) SetPqt(v uint32) { f.putU32(OffPqt, v) }

// Cqcsr, Fqcsr, Pqcsr return the current control/status registers.
func (f *File) Cqcsr() CQCSR      { return decodeCQCSR(f.getU32(OffCqcsr)) }
func (f *File) Fqcsr() FQPQCSR    { return decodeFQPQCSR(f.getU32(OffFqcsr)) }
func (f *File) Pqcsr() FQPQCSR    { return decodeFQPQCSR(f.getU32(OffPqcsr)) }
func (f *File) setCqcsr(c CQCSR)  { f.putU32(OffCqcsr, c.Encode()) }
func (f *File) setFqcsr(c FQPQCSR) { f.putU32(OffFqcsr, c.encode()) }
func (f *File) setPqcsr(c FQPQCSR) { f.putU32(OffPqcsr, c.encode()) }

// SetCqcsrMf, SetCqcsrCmdTo, SetCqcsrCmdIll and SetCqcsrFenceWIP each set one
// sticky status bit on the command queue and return whether the unit's
// interrupt should fire.
func (f *File) SetCqcsrMf() bool       { return f.setCqField(func(c *CQCSR) *bool { return &c.Mf }) }
func (f *File) SetCqcsrCmdTo() bool    { return f.setCqField(func(c *CQCSR) *bool { return &c.CmdTo }) }
func (f *File) SetCqcsrCmdIll() bool   { return f.setCqField(func(c *CQCSR) *bool { return &c.CmdIll }) }
func (f *File) SetCqcsrFenceWIP() bool { return f.setCqField(func(c *CQCSR) *bool { return &c.FenceWIP }) }

func (f *File) setCqField(sel func(*CQCSR) *bool) bool {
	c := f.Cqcsr()
	b := sel(&c)
	already := *b
	*b = true
	f.setCqcsr(c)
	return !already
}

// SetFqcsrMf/SetFqcsrOf are the fault-queue analogues.
func (f *File) SetFqcsrMf() bool { return f.setFqField(func(c *FQPQCSR) *bool { return &c.Mf }) }
func (f *File) SetFqcsrOf() bool { return f.setFqField(func(c *FQPQCSR) *bool { return &c.Of }) }

func (f *File) setFqField(sel func(*FQPQCSR) *bool) bool {
	c := f.Fqcsr()
	b := sel(&c)
	already := *b
	*b = true
	f.setFqcsr(c)
	return !already
}

// SetPqcsrMf/SetPqcsrOf are the page-request-queue analogues.
func (f *File) SetPqcsrMf() bool { return f.setPqField(func(c *FQPQCSR) *bool { return &c.Mf }) }
func (f *File) SetPqcsrOf() bool { return f.setPqField(func(c *FQPQCSR) *bool { return &c.Of }) }

func (f *File) setPqField(sel func(*FQPQCSR) *bool) bool {
	c := f.Pqcsr()
	b := sel(&c)
	already := *b
	*b = true
	f.setPqcsr(c)
	return !already
}

// Ipsr returns the current interrupt-pending-status register.
func (f *File) Ipsr() IPSR { return decodeIPSR(f.getU32(OffIpsr)) }

// RaisePending sets one ipsr bit, per emu/irq's generate_interrupt, and
// reports whether it transitioned 0->1 (the caller only performs the MSI
// write on that edge).
func (f *File) RaisePending(sel func(*IPSR) *bool) bool {
	p := f.Ipsr()
	b := sel(&p)
	already := *b
	*b = true
	f.putU32(OffIpsr, p.Encode())
	return !already
}

// Icvec returns the current interrupt-vector-assignment register, WARL'd
// to the configured vector width and gated by capability presence.
func (f *File) Icvec() ICVec {
	v := decodeICVec(uint64(f.getU32(OffIcvec)))
	if !f.caps.Pmon {
		v.Pmiv = 0
	}
	if !f.caps.Ats {
		v.Piv = 0
	}
	return v
}

// MSIEntry returns the i'th MSI configuration table entry (0..15), WARL'd
// to zero when the capability or vector-index range doesn't cover it.
func (f *File) MSIEntry(i int) MSIEntry {
	if i < 0 || i >= numMSITbl {
		return MSIEntry{}
	}
	if f.caps.Igs == IGSWIS {
		return MSIEntry{}
	}
	if i >= 1<<f.cfg.NumVecBits {
		return MSIEntry{}
	}
	return f.msi[i]
}

// Read performs a register read of the given size (4 or 8) at offset,
// applying the offset-size table and any computed-on-read fields. Invalid
// accesses return all-ones per spec.md 4.1.
func (f *File) Read(offset uint16, size uint8) uint64 {
	if !f.validAccess(offset, size) {
		return allOnes(size)
	}

	if offset == OffIocntovf {
		return uint64(f.computeIocntovf())
	}

	regSize := f.sizeTab[offset]
	regOff := int(offset) &^ (int(regSize) - 1)
	raw := f.rawAt(regOff, regSize)

	if regSize == uint8(size) {
		return raw
	}
	// 4-byte access to a half of an 8-byte register.
	if offset&4 != 0 {
		return raw >> 32
	}
	return raw & 0xffffffff
}

func (f *File) rawAt(off int, size uint8) uint64 {
	if size == 8 {
		return f.getU64(off)
	}
	return uint64(f.getU32(off))
}

func allOnes(size uint8) uint64 {
	if size == 8 {
		return ^uint64(0)
	}
	return uint64(^uint32(0))
}

// validAccess implements spec.md 4.1's access-validity rule.
func (f *File) validAccess(offset uint16, size uint8) bool {
	if size != 4 && size != 8 {
		return false
	}
	if uint32(offset)+uint32(size) > regWindow {
		return false
	}
	if offset%uint16(size) != 0 {
		return false
	}
	regSize := f.sizeTab[offset]
	if regSize == 0 {
		return false
	}
	return regSize >= size
}

// Write performs a register write, applying the per-register policy
// described in spec.md 4.1. Invalid accesses are silently dropped.
func (f *File) Write(offset uint16, size uint8, value uint64) {
	if !f.validAccess(offset, size) {
		return
	}

	switch {
	case offset == OffCapabilities:
		// Read-only.
	case offset == OffFctrl:
		f.writeFctrl(value)
	case offset == OffDdtp:
		f.writeDdtp(offset, size, value)
	case offset == OffCqb:
		f.writeQueueBase(offset, size, value, OffCqb, f.Cqcsr().On || f.Cqcsr().Busy)
	case offset == OffFqb:
		f.writeQueueBase(offset, size, value, OffFqb, f.Fqcsr().On || f.Fqcsr().Busy)
	case offset == OffPqb:
		f.writeQueueBase(offset, size, value, OffPqb, f.Pqcsr().On || f.Pqcsr().Busy)
	case offset == OffCqh, offset == OffFqt, offset == OffPqt, offset == OffIocntovf:
		// Read-only.
	case offset == OffCqt:
		f.writeRingIndex(OffCqt, value, f.Cqb().Log2SzM1)
	case offset == OffFqh:
		f.writeRingIndex(OffFqh, value, f.Fqb().Log2SzM1)
	case offset == OffPqh:
		f.writeRingIndex(OffPqh, value, f.Pqb().Log2SzM1)
	case offset == OffCqcsr:
		f.writeCqcsr(uint32(value))
	case offset == OffFqcsr:
		f.writeFqPqCsr(OffFqcsr, uint32(value))
	case offset == OffPqcsr:
		f.writeFqPqCsr(OffPqcsr, uint32(value))
	case offset == OffIpsr:
		f.writeIpsr(uint32(value))
	case offset == OffIocntinh:
		f.writeIocntinh(uint32(value))
	case offset == OffIohpmcycles:
		f.writeIohpmcycles(value)
	case offset >= OffIohpmctr1 && offset < OffIohpmctr1+numHPMCtrs*8:
		f.writeIohpmctr(offset, size, value)
	case offset >= OffIohpmevt1 && offset < OffIohpmevt1+numHPMCtrs*8:
		f.writeIohpmevt(offset, value)
	case offset == OffIcvec:
		f.writeIcvec(value)
	case offset >= OffMSICfgTbl && offset < OffMSICfgTbl+numMSITbl*16:
		f.writeMSICfgTbl(offset, size, value)
	default:
		// Reserved/custom regions: writes dropped.
	}
}

func (f *File) writeFctrl(value uint64) {
	if f.Ddtp().IommuMode != ModeOff || f.anyQueueEnabled() {
		return
	}
	cur := f.Fctrl()
	nv := decodeFctrl(uint32(value))
	out := cur
	if f.caps.End == EndBoth {
		out.End = nv.End
	}
	if f.caps.Igs == IGSBoth {
		out.Wis = nv.Wis
	}
	f.putU32(OffFctrl, out.encode())
}

func (f *File) anyQueueEnabled() bool {
	return f.Cqcsr().En || f.Fqcsr().En || f.Pqcsr().En
}

func (f *File) pasMask() uint64 {
	return (uint64(1) << f.caps.Pas) - 1
}

var legalModes = map[uint8]bool{ModeOff: true, ModeBare: true, Mode1LVL: true, Mode2LVL: true, Mode3LVL: true}

func (f *File) writeDdtp(offset uint16, size uint8, value uint64) {
	cur := f.Ddtp()
	if cur.Busy {
		return
	}
	nv := decodeDdtp(mergeHalf(f.getU64(OffDdtp), offset, size, value))
	out := cur
	out.PPN = nv.PPN & (f.pasMask() >> 12)
	if legalModes[nv.IommuMode] {
		out.IommuMode = nv.IommuMode
	}
	f.putU64(OffDdtp, out.encode())
}

// mergeHalf reconstructs the full 8-byte value implied by a (possibly
// 4-byte, possibly upper-half) write against the register's current value.
func mergeHalf(cur uint64, offset uint16, size uint8, value uint64) uint64 {
	if size == 8 {
		return value
	}
	if offset&4 != 0 {
		return (cur & 0xffffffff) | (value << 32)
	}
	return (cur &^ 0xffffffff) | (value & 0xffffffff)
}

func (f *File) writeQueueBase(offset uint16, size uint8, value uint64, regOff int, busyOrOn bool) {
	if busyOrOn {
		return
	}
	nv := decodeQueueBase(mergeHalf(f.getU64(regOff), offset, size, value))
	nv.PPN &= f.pasMask() >> 12
	f.putU64(regOff, nv.encode())
}

func (f *File) writeRingIndex(regOff int, value uint64, log2szm1 uint8) {
	mask := uint32((1 << (log2szm1 + 1)) - 1)
	f.putU32(regOff, uint32(value)&mask)
}

func (f *File) writeCqcsr(value uint32) {
	cur := f.Cqcsr()
	nv := decodeCQCSR(value)
	out := cur

	if !cur.En && nv.En {
		f.SetCqh(0)
		f.putU32(OffCqt, 0)
		out.On = true
	}
	if cur.En && !nv.En {
		f.SetCqh(0)
		f.putU32(OffCqt, 0)
		out.CmdIll, out.CmdTo, out.Mf, out.FenceWIP = false, false, false, false
		out.On = false
	}
	out.En = nv.En
	out.IE = nv.IE
	if nv.Mf {
		out.Mf = false
	}
	if nv.CmdTo {
		out.CmdTo = false
	}
	if nv.CmdIll {
		out.CmdIll = false
	}
	if nv.FenceWIP {
		out.FenceWIP = false
	}
	out.Busy = false
	f.setCqcsr(out)
}

func (f *File) writeFqPqCsr(regOff int, value uint32) {
	cur := decodeFQPQCSR(f.getU32(regOff))
	nv := decodeFQPQCSR(value)
	out := cur

	var headOff, tailOff int
	if regOff == OffFqcsr {
		headOff, tailOff = OffFqh, OffFqt
	} else {
		headOff, tailOff = OffPqh, OffPqt
	}

	if !cur.En && nv.En {
		f.putU32(headOff, 0)
		f.putU32(tailOff, 0)
		out.On = true
	}
	if cur.En && !nv.En {
		f.putU32(headOff, 0)
		f.putU32(tailOff, 0)
		out.Mf, out.Of = false, false
		out.On = false
	}
	out.En = nv.En
	out.IE = nv.IE
	if nv.Mf {
		out.Mf = false
	}
	if nv.Of {
		out.Of = false
	}
	out.Busy = false
	f.putU32(regOff, out.encode())
}

// writeIpsr applies RW1C semantics; reconcile is invoked by the caller
// (emu/irq) afterward to re-pend bits whose underlying cause is still live.
func (f *File) writeIpsr(value uint32) {
	cur := f.Ipsr()
	w := decodeIPSR(value)
	out := cur
	if w.Cip {
		out.Cip = false
	}
	if w.Fip {
		out.Fip = false
	}
	if w.Pmip {
		out.Pmip = false
	}
	if w.Pip {
		out.Pip = false
	}
	f.putU32(OffIpsr, out.Encode())
}

func (f *File) writeIocntinh(value uint32) {
	if !f.caps.Pmon {
		return
	}
	mask := uint32(1)
	for i := uint8(0); i < f.cfg.NumHPM; i++ {
		mask |= 1 << (i + 1)
	}
	f.putU32(OffIocntinh, value&mask)
}

func (f *File) writeIohpmcycles(value uint64) {
	if !f.caps.Pmon {
		return
	}
	bits := f.cfg.HPMCtrBits
	if bits == 0 {
		bits = 63
	}
	counterMask := (uint64(1) << bits) - 1
	of := value&(1<<63) != 0
	v := (value & counterMask) | b2u(of)<<63
	f.putU64(OffIohpmcycles, v)
}

func (f *File) writeIohpmctr(offset uint16, size uint8, value uint64) {
	idx := (int(offset) - OffIohpmctr1) / 8
	if uint8(idx) >= f.cfg.NumHPM {
		return
	}
	regOff := OffIohpmctr1 + idx*8
	v := mergeHalf(f.getU64(regOff), offset, size, value)
	if bits := f.cfg.HPMCtrBits; bits > 0 && bits < 64 {
		v &= uint64(1)<<bits - 1
	}
	f.putU64(regOff, v)
}

func (f *File) writeIohpmevt(offset uint16, value uint64) {
	if !f.caps.Pmon {
		return
	}
	idx := (int(offset) - OffIohpmevt1) / 8
	if uint8(idx) >= f.cfg.NumHPM {
		return
	}
	e := decodeIOHpmEvt(value)
	e.EventID &= f.cfg.EventIDMask
	f.hpmEvt[idx] = e
	f.putU64(OffIohpmevt1+idx*8, e.encode())
}

func (f *File) writeIcvec(value uint64) {
	v := decodeICVec(value)
	v.Civ &= f.vecMask
	v.Fiv &= f.vecMask
	v.Pmiv &= f.vecMask
	v.Piv &= f.vecMask
	if !f.caps.Pmon {
		v.Pmiv = 0
	}
	if !f.caps.Ats {
		v.Piv = 0
	}
	f.putU32(OffIcvec, uint32(v.encode()))
}

func (f *File) writeMSICfgTbl(offset uint16, size uint8, value uint64) {
	rel := int(offset) - OffMSICfgTbl
	idx := rel / 16
	sub := rel % 16

	if f.caps.Igs == IGSWIS || idx >= 1<<f.cfg.NumVecBits {
		return
	}

	base := OffMSICfgTbl + idx*16
	e := f.msi[idx]
	switch sub {
	case 0, 4:
		addr := mergeHalf(e.Addr, offset, size, value)
		// msi_addr is a 4-byte-aligned address within the physical address
		// space: bits [1:0] and everything at or above PAS read as zero.
		e.Addr = addr & f.pasMask() &^ 3
		f.putU64(base, e.Addr)
	case 8:
		e.Data = uint32(value)
		f.putU32(base+8, e.Data)
	case 12:
		e.Masked = value&1 != 0
		f.putU32(base+12, uint32(value)&1)
	}
	f.msi[idx] = e
}

func (f *File) computeIocntovf() uint32 {
	v := uint32(0)
	cyc := decodeIOHpmCycles(f.getU64(OffIohpmcycles))
	if cyc.Of {
		v |= 1
	}
	for i := uint8(0); i < f.cfg.NumHPM; i++ {
		if f.hpmEvt[i].Of {
			v |= 1 << (i + 1)
		}
	}
	return v
}

// IOHpmCycles mirrors the performance-monitoring cycle counter.
type IOHpmCycles struct {
	Counter uint64
	Of      bool
}

func decodeIOHpmCycles(v uint64) IOHpmCycles {
	return IOHpmCycles{Counter: v & ((1 << 63) - 1), Of: v&(1<<63) != 0}
}
