// Package context implements the device-context and process-context
// directory walkers (C3): DDT/PDT radix-tree traversal, device/process
// context decoding, and the observability-only caches invalidation commands
// operate on.
package context

/*
 * rviommu - device/process context walker
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
	"github.com/openiommu/rviommu/emu/memdev"
)

// iohgatp / iosatp / pdtp mode encodings (shared numeric space per the
// RISC-V IOMMU spec; Bare is always 0).
const (
	ModeBare = 0

	IOHGATPSv32x4 = 8
	IOHGATPSv39x4 = 9
	IOHGATPSv48x4 = 10
	IOHGATPSv57x4 = 11

	IOSATPSv32 = 8
	IOSATPSv39 = 9
	IOSATPSv48 = 10
	IOSATPSv57 = 11

	PDTP8  = 1
	PDTP17 = 2
	PDTP20 = 3

	MSIPTPBare = 0
	MSIPTPFlat = 1
)

// Fault causes produced by this package (spec.md 4.2, 4.3).
const (
	CauseDDTLoadAccessFault = 257
	CauseDDTEntryNotValid   = 258
	CauseDDTMisconfigured   = 259
	CauseDDTDataCorruption  = 268

	CausePDTLoadAccessFault = 265
	CausePDTEntryNotValid   = 266
	CausePDTMisconfigured   = 267
	CausePDTDataCorruption  = 269
)

// TC is the translation-control field of a device context.
type TC struct {
	V, EN_ATS, EN_PRI, T2GPA, PDTV, PRPR bool
	SBE, SXL, SAD, DTF, GADE, SADE, DPE  bool
	Reserved                             uint64
}

// Iohgatp is the G-stage address-translation pointer.
type Iohgatp struct {
	PPN   uint64
	GSCID uint32
	Mode  uint8
}

// Fsc is the shared-union field holding either iosatp or pdtp, selected by
// TC.PDTV.
type Fsc struct {
	PPN  uint64
	Mode uint8
}

// Ta carries PSCID and validity for a device/process context. ENS and SUM
// are process-context-only fields (supervisor-access enable and
// supervisor-user-memory access); they stay clear on a device context.
type Ta struct {
	PSCID    uint32
	V        bool
	ENS      bool
	SUM      bool
	Reserved uint64
}

// Msiptp is the MSI page-table pointer (extended DC only).
type Msiptp struct {
	PPN      uint64
	Mode     uint8
	Reserved uint64
}

// DC is a decoded device context (base 32B or extended 64B).
type DC struct {
	TC               TC
	Iohgatp          Iohgatp
	Fsc              Fsc
	Ta               Ta
	Msiptp           Msiptp
	MSIAddrMask      uint64
	MSIAddrPattern   uint64
	Extended         bool
	Reserved         uint64
}

// PC is a decoded process context.
type PC struct {
	Fsc Fsc
	Ta  Ta
}

// Fault reports a directory-walk failure.
type Fault struct {
	Cause int
}

func (f *Fault) Error() string { return "context walk fault" }

func fault(cause int) error { return &Fault{Cause: cause} }

// DDI computes the three device-directory-index components for a
// device_id, per spec.md 4.2's MSI_FLAT-dependent partitioning.
func DDI(deviceID uint32, msiFlat bool) [3]uint32 {
	if msiFlat {
		return [3]uint32{
			deviceID & 0x3f,
			(deviceID >> 6) & 0x1ff,
			(deviceID >> 15) & 0x1ff,
		}
	}
	return [3]uint32{
		deviceID & 0x7f,
		(deviceID >> 7) & 0x1ff,
		(deviceID >> 16) & 0xff,
	}
}

// PDI computes the up-to-three process-directory-index components for a
// process_id, per the PDT mode's 8/9/3-bit width split.
func PDI(processID uint32, mode uint8) []uint32 {
	switch mode {
	case PDTP8:
		return []uint32{processID & 0xff}
	case PDTP17:
		return []uint32{processID & 0xff, (processID >> 8) & 0x1ff}
	case PDTP20:
		return []uint32{processID & 0xff, (processID >> 8) & 0x1ff, (processID >> 17) & 0x7}
	default:
		return nil
	}
}

// Caches are the observability-only DDT/PDT/IOATC caches named in
// spec.md 3. They may legally be empty at any time (design note 9); they
// exist so invalidation commands have something concrete to act on and so
// a test can assert "no matching entry survives invalidation".
type Caches struct {
	ddt   map[uint32]DC
	pdt   map[pdtKey]PC
	ioatc map[IOATCKey]bool
}

type pdtKey struct {
	deviceID, processID uint32
}

// IOATCKey identifies a cached translation by the tuple spec.md 3 names:
// (GV, GSCID, PSCV, PSCID, IOVA, G).
type IOATCKey struct {
	GV    bool
	GSCID uint32
	PSCV  bool
	PSCID uint32
	IOVA  uint64
	G     bool
}

// NewCaches returns an empty cache set.
func NewCaches() *Caches {
	return &Caches{ddt: map[uint32]DC{}, pdt: map[pdtKey]PC{}, ioatc: map[IOATCKey]bool{}}
}

// CacheTranslation records a successful translation's tag so a later
// IOTINVAL can be observed to have evicted it. Call sites are free to skip
// this (design note 9: caches may be empty at any time).
func (c *Caches) CacheTranslation(k IOATCKey) { c.ioatc[k] = true }

// IOATCValid reports whether k is currently cached (test/inspection hook).
func (c *Caches) IOATCValid(k IOATCKey) bool { return c.ioatc[k] }

// InvalidateVMA implements IOTINVAL.VMA's match rule (spec.md 4.5): an
// entry's GV tag must equal gv (and its GSCID must equal gscid when gv is
// set); PSCV selects whether the PSCID operand participates (clear means
// "any"), the address matches when AV is set, and global (G=1) entries are
// preserved whenever the invalidation is PSCID-qualified.
func (c *Caches) InvalidateVMA(gv, av, pscv bool, gscid, pscid uint32, addr uint64) {
	for k := range c.ioatc {
		if k.GV != gv {
			continue
		}
		if gv && k.GSCID != gscid {
			continue
		}
		if pscv && (!k.PSCV || k.PSCID != pscid) {
			continue
		}
		if av && k.IOVA != addr {
			continue
		}
		if k.G && pscv {
			continue
		}
		delete(c.ioatc, k)
	}
}

// InvalidateGVMA implements IOTINVAL.GVMA's match rule: any G-stage-tagged
// cached entry, narrowed to gscid when gv is set and address-qualified when
// av is set.
func (c *Caches) InvalidateGVMA(gv bool, gscid uint32, av bool, addr uint64) {
	for k := range c.ioatc {
		if !k.GV {
			continue
		}
		if gv && k.GSCID != gscid {
			continue
		}
		if av && k.IOVA != addr {
			continue
		}
		delete(c.ioatc, k)
	}
}

func (c *Caches) cacheDC(deviceID uint32, dc DC) { c.ddt[deviceID] = dc }
func (c *Caches) cachePC(deviceID, processID uint32, pc PC) {
	c.pdt[pdtKey{deviceID, processID}] = pc
}

// InvalidateDDT drops cached DC entries. If dv is false, the whole cache
// (DDT and PDT) is flushed; otherwise only entries for deviceID.
func (c *Caches) InvalidateDDT(dv bool, deviceID uint32) {
	if !dv {
		c.ddt = map[uint32]DC{}
		c.pdt = map[pdtKey]PC{}
		return
	}
	delete(c.ddt, deviceID)
	for k := range c.pdt {
		if k.deviceID == deviceID {
			delete(c.pdt, k)
		}
	}
}

// InvalidatePDT drops the cached PC entry for (deviceID, processID).
func (c *Caches) InvalidatePDT(deviceID, processID uint32) {
	delete(c.pdt, pdtKey{deviceID, processID})
}

// Walker resolves device and process contexts by walking the DDT/PDT in
// Mem, rooted at the supplied ddtp PPN and mode.
type Walker struct {
	Mem      *memdev.Memory
	Caches   *Caches
	MSIFlat  bool
	RAS      bool
	Ats      bool
	T2gpa    bool
	Sv32     bool
	Sv39     bool
	Sv48     bool
	Sv57     bool
	Sv32x4   bool
	Sv39x4   bool
	Sv48x4   bool
	Sv57x4   bool
}

const pageSize = 4096

// LocateDC walks the DDT rooted at ddtpPPN (mode levels) for deviceID and
// returns the decoded device context, per spec.md 4.2.
func (w *Walker) LocateDC(ddtpPPN uint64, levels int, deviceID uint32) (DC, error) {
	ddi := DDI(deviceID, w.MSIFlat)

	a := ddtpPPN * pageSize
	for i := levels - 1; i > 0; i-- {
		entryAddr := a + uint64(ddi[i])*8
		raw, af, corrupt := w.Mem.ReadUint64(entryAddr)
		if af {
			return DC{}, fault(CauseDDTLoadAccessFault)
		}
		if corrupt && w.RAS {
			return DC{}, fault(CauseDDTDataCorruption)
		}
		if raw&1 == 0 {
			return DC{}, fault(CauseDDTEntryNotValid)
		}
		if raw&0x3fe != 0 || raw>>54 != 0 {
			// Bits [9:1] and [63:54] are reserved in a non-leaf DDT entry.
			return DC{}, fault(CauseDDTMisconfigured)
		}
		a = ((raw >> 10) & ((1 << 44) - 1)) << 12
	}

	dcSize := uint64(32)
	if w.MSIFlat {
		dcSize = 64
	}
	entryAddr := a + uint64(ddi[0])*dcSize
	raw, af, corrupt := w.Mem.Read(entryAddr, dcSize)
	if af {
		return DC{}, fault(CauseDDTLoadAccessFault)
	}
	if corrupt && w.RAS {
		return DC{}, fault(CauseDDTDataCorruption)
	}

	dc := decodeDC(raw, w.MSIFlat)
	if !dc.TC.V {
		return DC{}, fault(CauseDDTEntryNotValid)
	}
	if err := w.validateDC(dc); err != nil {
		return DC{}, err
	}

	w.Caches.cacheDC(deviceID, dc)
	return dc, nil
}

func (w *Walker) validateDC(dc DC) error {
	if dc.Reserved != 0 {
		return fault(CauseDDTMisconfigured)
	}
	if (dc.TC.EN_ATS || dc.TC.EN_PRI || dc.TC.PRPR) && !w.Ats {
		return fault(CauseDDTMisconfigured)
	}
	if dc.TC.T2GPA && !w.T2gpa {
		return fault(CauseDDTMisconfigured)
	}
	switch dc.Iohgatp.Mode {
	case ModeBare:
	case IOHGATPSv32x4:
		if !w.Sv32x4 {
			return fault(CauseDDTMisconfigured)
		}
	case IOHGATPSv39x4:
		if !w.Sv39x4 {
			return fault(CauseDDTMisconfigured)
		}
	case IOHGATPSv48x4:
		if !w.Sv48x4 {
			return fault(CauseDDTMisconfigured)
		}
	case IOHGATPSv57x4:
		if !w.Sv57x4 {
			return fault(CauseDDTMisconfigured)
		}
	default:
		return fault(CauseDDTMisconfigured)
	}
	if dc.TC.PDTV {
		switch dc.Fsc.Mode {
		case ModeBare, PDTP8, PDTP17, PDTP20:
		default:
			return fault(CauseDDTMisconfigured)
		}
	} else {
		switch dc.Fsc.Mode {
		case ModeBare:
		case IOSATPSv32:
			if !w.Sv32 {
				return fault(CauseDDTMisconfigured)
			}
		case IOSATPSv39:
			if !w.Sv39 {
				return fault(CauseDDTMisconfigured)
			}
		case IOSATPSv48:
			if !w.Sv48 {
				return fault(CauseDDTMisconfigured)
			}
		case IOSATPSv57:
			if !w.Sv57 {
				return fault(CauseDDTMisconfigured)
			}
		default:
			return fault(CauseDDTMisconfigured)
		}
	}
	if !w.MSIFlat {
		if dc.Msiptp.Mode != MSIPTPBare && dc.Msiptp.Mode != MSIPTPFlat {
			return fault(CauseDDTMisconfigured)
		}
	}
	return nil
}

// LocatePC walks the PDT rooted at pdtpPPN/mode for processID.
func (w *Walker) LocatePC(pdtpPPN uint64, mode uint8, processID uint32, deviceID uint32) (PC, error) {
	pdi := PDI(processID, mode)
	levels := len(pdi)
	if levels == 0 {
		return PC{}, fault(CausePDTMisconfigured)
	}

	a := pdtpPPN * pageSize
	for i := levels - 1; i > 0; i-- {
		entryAddr := a + uint64(pdi[i])*8
		raw, af, corrupt := w.Mem.ReadUint64(entryAddr)
		if af {
			return PC{}, fault(CausePDTLoadAccessFault)
		}
		if corrupt && w.RAS {
			return PC{}, fault(CausePDTDataCorruption)
		}
		if raw&1 == 0 {
			return PC{}, fault(CausePDTEntryNotValid)
		}
		if raw&0x3fe != 0 || raw>>54 != 0 {
			return PC{}, fault(CausePDTMisconfigured)
		}
		a = ((raw >> 10) & ((1 << 44) - 1)) << 12
	}

	const pcSize = 16
	entryAddr := a + uint64(pdi[0])*pcSize
	raw, af, corrupt := w.Mem.Read(entryAddr, pcSize)
	if af {
		return PC{}, fault(CausePDTLoadAccessFault)
	}
	if corrupt && w.RAS {
		return PC{}, fault(CausePDTDataCorruption)
	}

	pc := decodePC(raw)
	if !pc.Ta.V {
		return PC{}, fault(CausePDTEntryNotValid)
	}
	if pc.Ta.Reserved != 0 {
		return PC{}, fault(CausePDTMisconfigured)
	}
	switch pc.Fsc.Mode {
	case ModeBare:
	case IOSATPSv32:
		if !w.Sv32 {
			return PC{}, fault(CausePDTMisconfigured)
		}
	case IOSATPSv39:
		if !w.Sv39 {
			return PC{}, fault(CausePDTMisconfigured)
		}
	case IOSATPSv48:
		if !w.Sv48 {
			return PC{}, fault(CausePDTMisconfigured)
		}
	case IOSATPSv57:
		if !w.Sv57 {
			return PC{}, fault(CausePDTMisconfigured)
		}
	default:
		return PC{}, fault(CausePDTMisconfigured)
	}

	w.Caches.cachePC(deviceID, processID, pc)
	return pc, nil
}

func decodeDC(raw []byte, extended bool) DC {
	w0 := leU64(raw, 0)  // tc
	w1 := leU64(raw, 8)  // iohgatp
	w2 := leU64(raw, 16) // ta
	w3 := leU64(raw, 24) // fsc

	dc := DC{Extended: extended}
	dc.TC = TC{
		V:      w0&1 != 0,
		EN_ATS: w0&(1<<1) != 0,
		EN_PRI: w0&(1<<2) != 0,
		T2GPA:  w0&(1<<3) != 0,
		PDTV:   w0&(1<<4) != 0,
		PRPR:   w0&(1<<5) != 0,
		SBE:    w0&(1<<6) != 0,
		SXL:    w0&(1<<7) != 0,
		SAD:    w0&(1<<8) != 0,
		DTF:    w0&(1<<9) != 0,
		GADE:   w0&(1<<10) != 0,
		SADE:   w0&(1<<11) != 0,
		DPE:    w0&(1<<12) != 0,
	}
	dc.TC.Reserved = w0 >> 13
	dc.Iohgatp = Iohgatp{
		PPN:   w1 & ((1 << 44) - 1),
		GSCID: uint32((w1 >> 44) & 0xffff),
		Mode:  uint8((w1 >> 60) & 0xf),
	}
	dc.Ta = Ta{PSCID: uint32((w2 >> 12) & 0xfffff), V: w2&1 != 0, Reserved: w2&0xffe | w2>>32}
	dc.Fsc = Fsc{PPN: w3 & ((1 << 44) - 1), Mode: uint8((w3 >> 60) & 0xf)}
	dc.Reserved = dc.TC.Reserved | dc.Ta.Reserved | (w3>>44)&0xffff

	if extended && len(raw) >= 64 {
		w4 := leU64(raw, 32) // msiptp
		w5 := leU64(raw, 40) // msi_addr_mask
		w6 := leU64(raw, 48) // msi_addr_pattern
		w7 := leU64(raw, 56) // reserved
		dc.Msiptp = Msiptp{PPN: w4 & ((1 << 44) - 1), Mode: uint8((w4 >> 60) & 0xf), Reserved: (w4 >> 44) & 0xffff}
		dc.MSIAddrMask = w5 & ((1 << 52) - 1)
		dc.MSIAddrPattern = w6 & ((1 << 52) - 1)
		dc.Reserved |= dc.Msiptp.Reserved | w5>>52 | w6>>52 | w7
	}
	return dc
}

func decodePC(raw []byte) PC {
	w0 := leU64(raw, 0) // fsc
	w1 := leU64(raw, 8) // ta
	return PC{
		Fsc: Fsc{PPN: w0 & ((1 << 44) - 1), Mode: uint8((w0 >> 60) & 0xf)},
		Ta: Ta{
			PSCID: uint32((w1 >> 12) & 0xfffff),
			V:     w1&1 != 0, ENS: w1&2 != 0, SUM: w1&4 != 0,
			Reserved: (w0>>44)&0xffff | w1&0xff8 | w1>>32,
		},
	}
}

func leU64(b []byte, off int) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = (v << 8) | uint64(b[off+i])
	}
	return v
}
