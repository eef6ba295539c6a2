// Package xlate implements the translation pipeline (C9 gate + C4 two-stage
// walker): the ordered fault checks of spec.md 4.3, VS-stage and G-stage
// Sv39/Sv48/Sv57 radix-tree walks, and the permission/cause mapping table.
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

import "github.com/openiommu/rviommu/emu/memdev"

// Access identifies the kind of permission a translation must satisfy.
type Access int

const (
	AccessExec Access = iota
	AccessRead
	AccessWrite
)

// Cause codes this package can raise, per spec.md's permission/cause
// mapping table plus the shared translation-path causes.
const (
	CauseOff              = 256
	CauseDisallowedByMode = 260
	CauseInternal         = 272

	causePageFaultExec  = 12
	causePageFaultRead  = 13
	causePageFaultWrite = 15

	causeGuestPageFaultExec  = 20
	causeGuestPageFaultRead  = 21
	causeGuestPageFaultWrite = 23

	causeAccessFaultExec  = 1
	causeAccessFaultRead  = 5
	causeAccessFaultWrite = 7
)

// Fault reports a translation-pipeline failure. GPA feeds spec.md 4.6's
// iotval2 field: for guest-page-fault causes (20/21/23) it is the
// guest-physical address the G-stage walk rejected, and for a VS-stage page
// fault of a two-stage walk it is the guest-physical address of the table
// page being walked. Single-stage walks and access faults leave it zero.
type Fault struct {
	Cause int
	GPA   uint64
}

func (f *Fault) Error() string { return "translation fault" }

func fault(cause int) error { return &Fault{Cause: cause} }

func faultGPA(cause int, gpa uint64) error { return &Fault{Cause: cause, GPA: gpa} }

// PageFaultCause maps an access kind to its S/VS-stage page-fault cause;
// the orchestrator uses it for privilege (U/SUM) rejections detected after
// the walk itself succeeds.
func PageFaultCause(a Access) int { return pageFaultCause(a) }

func pageFaultCause(a Access) int {
	switch a {
	case AccessExec:
		return causePageFaultExec
	case AccessWrite:
		return causePageFaultWrite
	default:
		return causePageFaultRead
	}
}

func guestPageFaultCause(a Access) int {
	switch a {
	case AccessExec:
		return causeGuestPageFaultExec
	case AccessWrite:
		return causeGuestPageFaultWrite
	default:
		return causeGuestPageFaultRead
	}
}

func accessFaultCause(a Access) int {
	switch a {
	case AccessExec:
		return causeAccessFaultExec
	case AccessWrite:
		return causeAccessFaultWrite
	default:
		return causeAccessFaultRead
	}
}

// Mode encodes an iosatp/iohgatp MODE field value.
type Mode uint8

const (
	ModeBare  Mode = 0
	ModeSv32  Mode = 8
	ModeSv39  Mode = 9
	ModeSv48  Mode = 10
	ModeSv57  Mode = 11
)

func levels(mode Mode) int {
	switch mode {
	case ModeSv32:
		return 2
	case ModeSv39:
		return 3
	case ModeSv48:
		return 4
	case ModeSv57:
		return 5
	default:
		return 0
	}
}

const pageSize = 4096

// pte is a decoded Sv-family page-table entry.
type pte struct {
	V, R, W, X, U, G, A, D bool
	PPN                    uint64
	PBMT                   uint8
	N                      bool
}

// decodePTE decodes one raw entry. Sv32 entries are 4 bytes with a 22-bit
// PPN and no PBMT/N fields; the 64-bit modes share one layout.
func decodePTE(raw uint64, mode Mode) pte {
	p := pte{
		V: raw&1 != 0,
		R: raw&(1<<1) != 0,
		W: raw&(1<<2) != 0,
		X: raw&(1<<3) != 0,
		U: raw&(1<<4) != 0,
		G: raw&(1<<5) != 0,
		A: raw&(1<<6) != 0,
		D: raw&(1<<7) != 0,
	}
	if mode == ModeSv32 {
		p.PPN = (raw >> 10) & ((1 << 22) - 1)
		return p
	}
	p.PPN = (raw >> 10) & ((1 << 44) - 1)
	p.PBMT = uint8((raw >> 61) & 0x3)
	p.N = raw&(1<<63) != 0
	return p
}

// vpnWidth is the per-level index width: 10 bits for Sv32, 9 for the
// 64-bit modes.
func vpnWidth(mode Mode) uint {
	if mode == ModeSv32 {
		return 10
	}
	return 9
}

// vpnIndices splits addr into per-level VPN indices, most-significant level
// first. The x4 variants widen the root-level index by two bits (the G-stage
// root table is four pages).
func vpnIndices(addr uint64, n int, mode Mode, x4 bool) []uint64 {
	vpnw := vpnWidth(mode)
	idx := make([]uint64, n)
	shift := uint(12)
	for i := n - 1; i >= 0; i-- {
		w := vpnw
		if i == 0 && x4 {
			w += 2
		}
		idx[i] = (addr >> shift) & (uint64(1)<<w - 1)
		shift += w
	}
	return idx
}

// Translator resolves IOVA/GPA to a physical address. When the G-stage is
// active, every intermediate S/VS-stage PTE fetch is itself translated
// through the G-stage first (spec.md 4.3 step 8's "implicit" fetch).
type Translator struct {
	Mem *memdev.Memory
	RAS bool
	AMO bool
}

// Result is a successful translation outcome. PageShift is log2 of the
// translated page size (the minimum of both stages for two-stage walks).
// GPA is the intermediate guest-physical address of a two-stage walk (equal
// to PA when the G-stage is Bare); callers answering an ATS translation
// request for a T2GPA device hand this back instead of PA.
type Result struct {
	PA        uint64
	GPA       uint64
	A, D      bool
	R, W, X   bool
	U, G      bool
	PBMT      uint8
	PageShift uint
}

// walkSv walks an Sv-family table rooted at rootPPN for addr, running every
// table-fetch physical address through fetchXlate first (identity for
// single-stage, G-stage for two-stage per step 8's "implicit" fetch). x4
// widens the root-level index for the iohgatp modes. Returns the leaf, the
// translated address, and the leaf's page shift (12 for a 4 KiB leaf).
func (t *Translator) walkSv(rootPPN uint64, addr uint64, mode Mode, x4 bool, access Access, fetchXlate func(uint64) (uint64, error)) (pte, uint64, uint, error) {
	n := levels(mode)
	if n == 0 {
		return pte{}, 0, 0, fault(CauseDisallowedByMode)
	}
	idx := vpnIndices(addr, n, mode, x4)
	pteSize := uint64(8)
	if mode == ModeSv32 {
		pteSize = 4
	}

	a := rootPPN * pageSize
	var leaf pte
	var leafRaw, leafEntry uint64
	leafLevel := 0
	for i := 0; i < n; i++ {
		tableAddr, err := fetchXlate(a)
		if err != nil {
			return pte{}, 0, 0, err
		}
		entryAddr := tableAddr + idx[i]*pteSize
		var raw uint64
		var af, corrupt bool
		if pteSize == 8 {
			raw, af, corrupt = t.Mem.ReadUint64(entryAddr)
		} else {
			var raw32 uint32
			raw32, af, corrupt = t.Mem.ReadUint32(entryAddr)
			raw = uint64(raw32)
		}
		if af {
			return pte{}, 0, 0, fault(accessFaultCause(access))
		}
		if corrupt && t.RAS {
			return pte{}, 0, 0, fault(causePTEDataCorruption)
		}
		if mode != ModeSv32 && (raw>>54)&0x7f != 0 {
			// Bits 60:54 are reserved in the 64-bit PTE formats.
			return pte{}, 0, 0, faultGPA(pageFaultCause(access), a)
		}
		p := decodePTE(raw, mode)
		if !p.V || (!p.R && p.W) {
			return pte{}, 0, 0, faultGPA(pageFaultCause(access), a)
		}
		if p.R || p.X {
			leaf, leafRaw, leafEntry, leafLevel = p, raw, entryAddr, i
			break
		}
		if i == n-1 {
			// Last radix level produced a non-leaf (R=W=X=0): a reserved
			// encoding. a is still the GPA of the table page the bad entry
			// lives in, for two-stage callers to report as iotval2.
			return pte{}, 0, 0, faultGPA(pageFaultCause(access), a)
		}
		a = p.PPN * pageSize
	}

	if !checkPerm(leaf, access) {
		return pte{}, 0, 0, faultGPA(pageFaultCause(access), a)
	}

	// Superpage: a leaf above the last level translates a larger region and
	// must have its low PPN bits clear.
	lowBits := uint(n-1-leafLevel) * vpnWidth(mode)
	if lowBits > 0 && leaf.PPN&(uint64(1)<<lowBits-1) != 0 {
		return pte{}, 0, 0, faultGPA(pageFaultCause(access), a)
	}

	if !leaf.A || (access == AccessWrite && !leaf.D) {
		if !t.AMO {
			return pte{}, 0, 0, faultGPA(pageFaultCause(access), a)
		}
		leafRaw |= 1 << 6
		leaf.A = true
		if access == AccessWrite {
			leafRaw |= 1 << 7
			leaf.D = true
		}
		var af bool
		if pteSize == 8 {
			af = t.Mem.WriteAtomic(leafEntry, leafRaw)
		} else {
			af = t.Mem.WriteUint32(leafEntry, uint32(leafRaw))
		}
		if af {
			return pte{}, 0, 0, fault(accessFaultCause(access))
		}
	}

	pageShift := 12 + lowBits
	pageMask := uint64(1)<<pageShift - 1
	pa := leaf.PPN*pageSize&^pageMask | addr&pageMask
	return leaf, pa, pageShift, nil
}

const causePTEDataCorruption = 270

func checkPerm(p pte, access Access) bool {
	switch access {
	case AccessExec:
		return p.X
	case AccessWrite:
		return p.W
	default:
		return p.R
	}
}

// Translate runs the full two-stage (or single-stage, when gMode is Bare)
// pipeline for addr under the given satp root/mode and iohgatp root/mode.
func (t *Translator) Translate(satpPPN uint64, satpMode Mode, iohgatpPPN uint64, iohgatpMode Mode, addr uint64, access Access) (Result, error) {
	identity := func(a uint64) (uint64, error) { return a, nil }

	if iohgatpMode == ModeBare {
		if satpMode == ModeBare {
			return Result{PA: addr, GPA: addr, R: true, W: true, X: true, PageShift: 12}, nil
		}
		leaf, pa, shift, err := t.walkSv(satpPPN, addr, satpMode, false, access, identity)
		if err != nil {
			// Single-stage mode: a has no guest-physical meaning, so strip
			// the GPA walkSv attached and report iotval2=0 per spec.md 4.6.
			if f, ok := err.(*Fault); ok {
				return Result{}, fault(f.Cause)
			}
			return Result{}, err
		}
		return Result{PA: pa, GPA: pa, A: leaf.A, D: leaf.D, R: leaf.R, W: leaf.W, X: leaf.X, U: leaf.U, G: leaf.G, PBMT: leaf.PBMT, PageShift: shift}, nil
	}

	gStage := func(gpa uint64) (uint64, error) {
		// Implicit G-stage fetch of a VS-stage table page: no permission
		// check beyond readability, but a G-stage rejection surfaces as a
		// guest-page fault for the original access kind.
		_, pa, _, err := t.walkSv(iohgatpPPN, gpa, iohgatpMode, true, AccessRead, identity)
		if err != nil {
			if f, ok := err.(*Fault); ok && isPageFault(f.Cause) {
				return 0, faultGPA(guestPageFaultCause(access), gpa)
			}
			return 0, err
		}
		return pa, nil
	}

	if satpMode == ModeBare {
		leaf, pa, shift, err := t.walkSv(iohgatpPPN, addr, iohgatpMode, true, access, identity)
		if err != nil {
			if f, ok := err.(*Fault); ok && isPageFault(f.Cause) {
				return Result{}, faultGPA(guestPageFaultCause(access), addr)
			}
			return Result{}, err
		}
		return Result{PA: pa, GPA: addr, A: leaf.A, D: leaf.D, R: leaf.R, W: leaf.W, X: leaf.X, U: leaf.U, G: leaf.G, PBMT: leaf.PBMT, PageShift: shift}, nil
	}

	vsLeaf, vsGPA, vsShift, err := t.walkSv(satpPPN, addr, satpMode, false, access, gStage)
	if err != nil {
		return Result{}, err
	}
	gLeaf, pa, gShift, err := t.walkSv(iohgatpPPN, vsGPA, iohgatpMode, true, access, identity)
	if err != nil {
		if f, ok := err.(*Fault); ok && isPageFault(f.Cause) {
			return Result{}, faultGPA(guestPageFaultCause(access), vsGPA)
		}
		return Result{}, err
	}

	pbmt := vsLeaf.PBMT
	if gLeaf.PBMT != 0 {
		pbmt = gLeaf.PBMT
	}
	shift := vsShift
	if gShift < shift {
		shift = gShift
	}
	return Result{
		PA:        pa,
		GPA:       vsGPA,
		A:         vsLeaf.A && gLeaf.A,
		D:         vsLeaf.D && gLeaf.D,
		R:         vsLeaf.R && gLeaf.R,
		W:         vsLeaf.W && gLeaf.W,
		X:         vsLeaf.X && gLeaf.X,
		U:         vsLeaf.U,
		G:         gLeaf.G,
		PBMT:      pbmt,
		PageShift: shift,
	}, nil
}

func isPageFault(cause int) bool {
	switch cause {
	case causePageFaultExec, causePageFaultRead, causePageFaultWrite:
		return true
	default:
		return false
	}
}
