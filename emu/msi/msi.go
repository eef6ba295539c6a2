// Package msi implements the MSI address translator (C5): the
// is-this-an-MSI test, interrupt file number extraction, and the 16-byte
// MSI PTE walk for both write-through and MRIF delivery.
package msi

/*
 * rviommu - MSI address translator
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

// Fault causes produced by this package (spec.md 4.4, 4.6).
const (
	CausePTELoadAccessFault = 261
	CausePTENotValid        = 262
	CauseMisconfigured      = 263
	CauseMRIFAccessFault    = 264
	CausePTEDataCorruption  = 270
	CauseMRIFDataCorruption = 271
)

const pageSize = 4096

// IsMSI reports whether iova falls inside the device's MSI address window,
// per spec.md 4.4: `(IOVA>>12) & ~mask == pattern & ~mask`, where the bits
// cleared by mask are the interleave bits excluded from the comparison.
func IsMSI(iova, mask, pattern uint64) bool {
	page := iova >> 12
	return page&^mask == pattern&^mask
}

// IFN extracts the interrupt file number: the bits of (IOVA>>12) selected
// by the set bits of mask, compacted down to the low end in mask-bit order
// (resolves spec.md 9's open question on non-contiguous interleave masks —
// the standard's PCIe-derived interleave always reads out low-to-high over
// the set mask bits, so that ordering is used here for arbitrary masks too).
func IFN(iova, mask uint64) uint64 {
	page := iova >> 12
	var ifn uint64
	var shift uint
	for bit := uint(0); bit < 64 && mask>>bit != 0; bit++ {
		if mask&(1<<bit) != 0 {
			if page&(1<<bit) != 0 {
				ifn |= 1 << shift
			}
			shift++
		}
	}
	return ifn
}

// PTE is a decoded 16-byte MSI page-table entry. In the MRIF variant the
// second word carries N90 in its low 10 bits, NPPN at [53:10], and the
// single N10 bit at [60].
type PTE struct {
	V, W, C  bool
	PPN      uint64 // write-through target page (W=0)
	MRIFAddr uint64
	NPPN     uint64
	N10      uint16
	N90      uint16
}

// MRIFNID packs the 11-bit notification identifier: N10 is its top bit
// above the 10-bit N90 field.
func (p PTE) MRIFNID() uint32 {
	return (uint32(p.N10) << 10) | uint32(p.N90)
}

// Result is the outcome of a successful MSI translation.
type Result struct {
	IsMRIFWrite bool
	PA          uint64 // write-through physical address
	MRIFNID     uint32
	NPPN        uint64
}

// Fault reports an MSI-path classification failure.
type Fault struct{ Cause int }

func (f *Fault) Error() string { return "msi translation fault" }

func fault(cause int) error { return &Fault{Cause: cause} }

// Translate walks the MSI PT rooted at rootPPN for iova and returns the
// translated delivery target.
func Translate(mem *memdev.Memory, rootPPN uint64, iova uint64, mask uint64, ras bool) (Result, error) {
	ifn := IFN(iova, mask)
	entryAddr := rootPPN*pageSize + ifn*16

	lo, af, corruptLo := mem.ReadUint64(entryAddr)
	if af {
		return Result{}, fault(CausePTELoadAccessFault)
	}
	hi, af, corruptHi := mem.ReadUint64(entryAddr + 8)
	if af {
		return Result{}, fault(CausePTELoadAccessFault)
	}
	if (corruptLo || corruptHi) && ras {
		return Result{}, fault(CausePTEDataCorruption)
	}

	pte := decodePTE(lo, hi)
	if !pte.V {
		return Result{}, fault(CausePTENotValid)
	}
	if reservedBitsSet(lo, hi, pte.W) {
		return Result{}, fault(CauseMisconfigured)
	}

	if !pte.W {
		return Result{
			IsMRIFWrite: false,
			PA:          pte.PPN*pageSize | (iova & 0xfff),
		}, nil
	}

	return Result{
		IsMRIFWrite: true,
		MRIFNID:     pte.MRIFNID(),
		NPPN:        pte.NPPN,
	}, nil
}

// reservedBitsSet checks the variant-specific reserved fields: a
// write-through PTE uses only {V, W, PPN, C} of the low word and none of
// the high word; an MRIF PTE leaves lo[62:54], hi[59:54] and hi[63:61]
// reserved (hi[60] is the N10 field, not reserved).
func reservedBitsSet(lo, hi uint64, mrif bool) bool {
	if !mrif {
		return (lo>>2)&0xff != 0 || (lo>>54)&0x1ff != 0 || hi != 0
	}
	return (lo>>54)&0x1ff != 0 || (hi>>54)&0x3f != 0 || hi>>61 != 0
}

func decodePTE(lo, hi uint64) PTE {
	return PTE{
		V:        lo&1 != 0,
		W:        lo&(1<<1) != 0,
		C:        lo&(1<<63) != 0,
		PPN:      (lo >> 10) & ((1 << 44) - 1),
		MRIFAddr: (lo >> 2) & ((1 << 52) - 1),
		NPPN:     (hi >> 10) & ((1 << 44) - 1),
		N90:      uint16(hi & 0x3ff),
		N10:      uint16((hi >> 60) & 0x1),
	}
}
