// Package fault implements the fault reporter (C7): response-status
// classification for translation requests, 32-byte fault-record
// construction, the fqt-advance/overflow/memory-fault protocol, and DTF
// suppression, per spec.md 4.6 and 7.
package fault

/*
 * rviommu - fault reporter
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

	"github.com/openiommu/rviommu/emu/hostbridge"
	"github.com/openiommu/rviommu/emu/irq"
	"github.com/openiommu/rviommu/emu/memdev"
	"github.com/openiommu/rviommu/emu/regs"
)

// Record is a decoded 32-byte fault-queue entry, per spec.md 6's bit layout.
type Record struct {
	DID     uint32
	PID     uint32
	PV      bool
	Priv    bool
	TTYP    uint8
	Cause   uint16
	Custom  uint32
	IOTVal  uint64
	IOTVal2 uint64
}

func (r Record) encode() [32]byte {
	var w0, w1 uint64
	w0 = uint64(r.DID & 0xffffff)
	w0 |= uint64(r.PID&0xfffff) << 24
	if r.PV {
		w0 |= 1 << 44
	}
	if r.Priv {
		w0 |= 1 << 45
	}
	w0 |= uint64(r.TTYP&0x3f) << 46
	w0 |= uint64(r.Cause&0xfff) << 52

	w1 = uint64(r.Custom)

	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], w0)
	binary.LittleEndian.PutUint64(buf[8:16], w1)
	binary.LittleEndian.PutUint64(buf[16:24], r.IOTVal)
	binary.LittleEndian.PutUint64(buf[24:32], r.IOTVal2)
	return buf
}

// atsSuccessCauses/atsAbortCauses/atsURCauses classify an ATS Translation
// Request's response status, per spec.md 4.6 / original_source/iommu_faults.c.
var atsSuccessCauses = map[int]bool{12: true, 13: true, 15: true, 20: true, 21: true, 23: true, 262: true, 266: true}
var atsAbortCauses = map[int]bool{1: true, 5: true, 7: true, 261: true, 263: true, 265: true, 267: true}
var atsURCauses = map[int]bool{256: true, 257: true, 258: true, 259: true, 260: true}

// ResponseForFault builds the hostbridge.Response for a failed translation,
// per spec.md 4.6. Only Status is set; the caller copies the command,
// device/process IDs and request flags over from the originating request.
func ResponseForFault(isATS bool, cause int) hostbridge.Response {
	if isATS {
		switch {
		case atsSuccessCauses[cause]:
			return hostbridge.Response{Status: hostbridge.Success}
		case atsAbortCauses[cause]:
			return hostbridge.Response{Status: hostbridge.CompleterAbort}
		case atsURCauses[cause]:
			return hostbridge.Response{Status: hostbridge.UnsupportedRequest}
		default:
			return hostbridge.Response{Status: hostbridge.UnsupportedRequest}
		}
	}
	return hostbridge.Response{Status: hostbridge.UnsupportedRequest}
}

// dtfSuppressed lists the translation-path causes DTF=1 suppresses: every
// cause this package can report except {256, 257, 258, 259, 273}, per
// spec.md 7 and original_source/iommu_faults.c's Table 8.
func dtfSuppressed(cause int) bool {
	switch cause {
	case 256, 257, 258, 259, 273:
		return false
	default:
		return true
	}
}

// Reporter owns the fault-queue CSR/base registers, the memory it writes
// records into, and the interrupt controller it raises FQ interrupts
// through.
type Reporter struct {
	Regs *regs.File
	Mem  *memdev.Memory
	IRQ  *irq.Controller
}

// Report enqueues rec unless suppressed: ATS Translation Requests never
// produce a record (spec.md invariant 6); FQ-off or FQ-in-error state drops
// silently; DTF suppresses all but the always-reported cause set. Overflow
// and memory-fault paths set the matching sticky bit and raise FQ without
// advancing fqt; success advances fqt and also raises FQ, per
// original_source/iommu_faults.c (spec.md 4.6 does not contradict this).
func (r *Reporter) Report(isATS, dtf bool, rec Record) {
	if isATS {
		return
	}
	fqcsr := r.Regs.Fqcsr()
	if !fqcsr.On || fqcsr.Mf || fqcsr.Of {
		return
	}
	if dtf && dtfSuppressed(int(rec.Cause)) {
		return
	}

	fqb := r.Regs.Fqb()
	size := uint32(fqb.Size())
	fqh := r.Regs.Fqh()
	fqt := r.Regs.Fqt()

	if fqt == (fqh+size-1)%size {
		r.Regs.SetFqcsrOf()
		r.IRQ.Generate(irq.FQ)
		return
	}

	addr := fqb.PPN*4096 + uint64(fqt)*32
	buf := rec.encode()
	if r.Mem.Write(addr, buf[:]) {
		r.Regs.SetFqcsrMf()
		r.IRQ.Generate(irq.FQ)
		return
	}

	r.Regs.SetFqt((fqt + 1) % size)
	r.IRQ.Generate(irq.FQ)
}
