// Package iommu bundles the register file, context walker, translator,
// command-queue engine, fault reporter and interrupt unit (C1-C9) into one
// opaque instance and exposes the entry points spec.md 6 names: register
// access, the translation/page-request/invalidation-completion request
// dispatcher, the command-queue tick, and ATS response delivery.
package iommu

/*
 * rviommu - top-level IOMMU instance
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
	"log/slog"

	"github.com/openiommu/rviommu/emu/cmdq"
	"github.com/openiommu/rviommu/emu/context"
	"github.com/openiommu/rviommu/emu/event"
	"github.com/openiommu/rviommu/emu/fault"
	"github.com/openiommu/rviommu/emu/hostbridge"
	"github.com/openiommu/rviommu/emu/irq"
	"github.com/openiommu/rviommu/emu/memdev"
	"github.com/openiommu/rviommu/emu/msi"
	"github.com/openiommu/rviommu/emu/regs"
	"github.com/openiommu/rviommu/emu/xlate"
)

const pageSize = 4096

// ProtocolViolationError is returned by Dispatch when a host bridge submits
// an InvalCompletion through the transaction entry point (spec.md 7:
// "fatal-to-model"). ATS invalidation completions belong on ATSResponse
// instead; this path exists only to name the violation, not to recover it.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string { return "iommu: protocol violation: " + e.Reason }

// IOMMU is one independent model instance. Every field is owned by this
// instance; nothing here is package-global, per spec.md 9's "bundle into a
// single opaque instance" design note.
type IOMMU struct {
	Regs   *regs.File
	Mem    *memdev.Memory
	Caches *context.Caches
	Events *event.List
	IRQ    *irq.Controller
	CmdQ   *cmdq.Engine
	Fault  *fault.Reporter

	walker *context.Walker
	xlat   *xlate.Translator
}

// New builds an IOMMU instance wired against mem (the memory the host
// bridge owns, per spec.md 6's MemoryAccessor hooks) and hb (the transport
// collaborator that ATS.INVAL/ATS.PRGR messages and IOFENCE's global
// observability sync are sent through). Reset must be called before use.
func New(mem *memdev.Memory, hb hostbridge.HostBridge) *IOMMU {
	m := &IOMMU{
		Regs:   &regs.File{},
		Mem:    mem,
		Caches: context.NewCaches(),
		Events: &event.List{},
	}
	m.IRQ = &irq.Controller{Regs: m.Regs, Mem: mem}
	m.CmdQ = &cmdq.Engine{Regs: m.Regs, Mem: mem, Caches: m.Caches, IRQ: m.IRQ, HB: hb, Events: m.Events}
	m.Fault = &fault.Reporter{Regs: m.Regs, Mem: mem, IRQ: m.IRQ}
	m.xlat = &xlate.Translator{Mem: mem}
	return m
}

// Reset validates cfg and (re-)initializes the register file and the
// context walker's capability-gated behavior, per spec.md 4.1.
func (m *IOMMU) Reset(cfg regs.ResetConfig) error {
	if err := m.Regs.Reset(cfg); err != nil {
		return err
	}
	m.Caches = context.NewCaches()
	m.CmdQ.Caches = m.Caches
	c := cfg.Caps
	m.walker = &context.Walker{
		Mem: m.Mem, Caches: m.Caches, MSIFlat: c.MSIFlat, RAS: c.Ras,
		Ats: c.Ats, T2gpa: c.T2gpa,
		Sv32: c.Sv32, Sv39: c.Sv39, Sv48: c.Sv48, Sv57: c.Sv57,
		Sv32x4: c.Sv32x4, Sv39x4: c.Sv39x4, Sv48x4: c.Sv48x4, Sv57x4: c.Sv57x4,
	}
	m.xlat.RAS = c.Ras
	m.xlat.AMO = c.Amo
	slog.Info("iommu reset", "mode", cfg.ResetMode, "pas", c.Pas)
	return nil
}

// ReadRegister performs an MMIO read, per spec.md 4.1.
func (m *IOMMU) ReadRegister(offset uint16, size uint8) uint64 {
	return m.Regs.Read(offset, size)
}

// WriteRegister performs an MMIO write, reconciling ipsr's RW1C/re-pend
// behavior (invariant 8) when the write touches that register.
func (m *IOMMU) WriteRegister(offset uint16, size uint8, value uint64) {
	before := m.Regs.Ipsr()
	m.Regs.Write(offset, size, value)
	if offset == regs.OffIpsr {
		m.IRQ.ReconcileAfterIpsrWrite(before)
	}
}

// Tick advances the ITAG timer list by one tick, then steps the command-queue
// engine until it makes no further progress, per spec.md 5's single-threaded
// cooperative scheduling model.
// Callers drive this in a loop (e.g. once per simulated clock tick).
func (m *IOMMU) Tick() {
	m.Events.Advance(1)
	for m.CmdQ.Tick() {
	}
}

// ATSResponse retires itag on receipt of an ATS invalidation completion.
// This is the only legal path for an InvalCompletion to reach the model
// (spec.md 7); Dispatch rejects one arriving as a Request instead.
func (m *IOMMU) ATSResponse(itag int) {
	m.CmdQ.ATSResponse(itag)
}

// Dispatch is the transaction entry point from the host bridge (spec.md 6):
// translation requests run the C9/C3-C5 pipeline, page requests are
// enqueued into the page-request queue, and an InvalCompletion arriving
// here (rather than through ATSResponse) is a protocol violation.
func (m *IOMMU) Dispatch(req hostbridge.Request) (hostbridge.Response, error) {
	switch req.Cmd {
	case hostbridge.TransRequest:
		return m.translate(req), nil
	case hostbridge.PageRequest:
		return m.pageRequest(req), nil
	case hostbridge.InvalCompletion:
		return hostbridge.Response{}, &ProtocolViolationError{Reason: "InvalCompletion submitted through the transaction entry point"}
	default:
		return hostbridge.Response{}, &ProtocolViolationError{Reason: "unrecognized request command"}
	}
}

// ddtLevels returns the DDT walk depth implied by ddtp.iommu_mode (1/2/3
// for the *LVL modes), or 0 for Off/Bare (callers must have already handled
// those via the mode gate).
func ddtLevels(mode uint8) int {
	switch mode {
	case regs.Mode1LVL:
		return 1
	case regs.Mode2LVL:
		return 2
	case regs.Mode3LVL:
		return 3
	default:
		return 0
	}
}

func pdtWidth(mode uint8) int {
	switch mode {
	case context.PDTP8:
		return 8
	case context.PDTP17:
		return 17
	case context.PDTP20:
		return 20
	default:
		return 0
	}
}

// accessFor derives the permission kind the translator must satisfy for req.
func accessFor(req hostbridge.Request) xlate.Access {
	if req.ExecReq {
		return xlate.AccessExec
	}
	if req.Trans.RdWrAMO == hostbridge.WriteAMO {
		return xlate.AccessWrite
	}
	return xlate.AccessRead
}

// isMSIEligible implements spec.md 4.3 step 6's request-shape test: an ATS
// translation request, or a 4-byte aligned translated/untranslated write.
func isMSIEligible(req hostbridge.Request) bool {
	if req.Trans.IOVA&0x3 != 0 {
		return false
	}
	if req.Trans.At == hostbridge.ATSTransReq {
		return true
	}
	if req.ExecReq || req.Trans.RdWrAMO != hostbridge.WriteAMO || req.Trans.Length != 4 {
		return false
	}
	return req.Trans.At == hostbridge.Translated || req.Trans.At == hostbridge.Untranslated
}

// translate runs spec.md 4.3's ordered pipeline for a single TransRequest
// command, building the host-bridge response and, on failure, the fault
// record spec.md 4.6 describes.
func (m *IOMMU) translate(req hostbridge.Request) hostbridge.Response {
	ddtp := m.Regs.Ddtp()
	isATS := req.Trans.At == hostbridge.ATSTransReq

	cause, dc, ok := m.locateAndGate(req, ddtp)
	if !ok {
		return m.fail(req, isATS, dc.TC, cause, 0)
	}

	// Bare mode has no DC to carry permission bits, so an ATS Translation
	// Request gets a no-permission SUCCESS rather than the identity grant a
	// non-ATS Bare-mode request receives (spec.md 8's S2).
	if ddtp.IommuMode == regs.ModeBare && isATS {
		return m.success(req, hostbridge.TransRsp{PA: req.Trans.IOVA})
	}

	if m.walker.MSIFlat && dc.Extended && dc.Msiptp.Mode != context.MSIPTPBare && !req.PIDValid && isMSIEligible(req) {
		if msi.IsMSI(req.Trans.IOVA, dc.MSIAddrMask, dc.MSIAddrPattern) {
			res, err := msi.Translate(m.Mem, dc.Msiptp.PPN, req.Trans.IOVA, dc.MSIAddrMask, m.walker.RAS)
			if err != nil {
				return m.fail(req, isATS, dc.TC, err.(*msi.Fault).Cause, 0)
			}
			return m.success(req, hostbridge.TransRsp{
				PA: res.PA, IsMSI: true, IsMRIFWr: res.IsMRIFWrite, MRIFNID: res.MRIFNID, NPPN: res.NPPN,
			})
		}
	}

	iosatp, ta, err := m.firstStage(req, dc)
	if err != nil {
		return m.fail(req, isATS, dc.TC, err.(*context.Fault).Cause, 0)
	}
	if req.PIDValid && req.PrivReq && !ta.ENS {
		return m.fail(req, isATS, dc.TC, xlate.CauseDisallowedByMode, 0)
	}

	access := accessFor(req)
	result, xerr := m.xlat.Translate(iosatp.PPN, xlate.Mode(iosatp.Mode), dc.Iohgatp.PPN, xlate.Mode(dc.Iohgatp.Mode), req.Trans.IOVA, access)
	if xerr != nil {
		f := xerr.(*xlate.Fault)
		return m.fail(req, isATS, dc.TC, f.Cause, f.GPA)
	}

	// First-stage privilege: a PASID-tagged user request needs U=1, and a
	// supervisor request touches U=1 pages only under SUM.
	if req.PIDValid && iosatp.Mode != context.ModeBare {
		if req.PrivReq {
			if result.U && !ta.SUM {
				return m.fail(req, isATS, dc.TC, xlate.PageFaultCause(access), 0)
			}
		} else if !result.U {
			return m.fail(req, isATS, dc.TC, xlate.PageFaultCause(access), 0)
		}
	}

	// A T2GPA device gets guest-physical addresses back on its ATS
	// translation requests; the host bridge resubmits them as Translated
	// requests and the G-stage runs again at that point.
	pa := result.PA
	if isATS && dc.TC.T2GPA {
		pa = result.GPA
	}

	gv := dc.Iohgatp.Mode != context.ModeBare
	key := context.IOATCKey{
		GV: gv, PSCV: req.PIDValid, PSCID: ta.PSCID,
		IOVA: req.Trans.IOVA, G: result.G,
	}
	if gv {
		key.GSCID = dc.Iohgatp.GSCID
	}
	m.Caches.CacheTranslation(key)

	return m.success(req, hostbridge.TransRsp{
		PA: pa, S: result.PageShift > 12, Global: result.G,
		Priv: req.PrivReq, U: result.U, R: result.R, W: result.W, Exe: result.X, PBMT: result.PBMT,
	})
}

// locateAndGate implements spec.md 4.3 steps 1-5: the mode gate, DDI range
// check, DC lookup, and the ATS/PRI/process-id transaction-type gate.
// ok is false iff cause names a real fault; Bare mode returns ok=true with
// a zero-value dc, which the rest of the pipeline naturally treats as an
// identity (Bare/Bare) translation.
func (m *IOMMU) locateAndGate(req hostbridge.Request, ddtp regs.Ddtp) (cause int, dc context.DC, ok bool) {
	if ddtp.IommuMode == regs.ModeOff {
		return xlate.CauseOff, context.DC{}, false
	}
	if ddtp.IommuMode == regs.ModeBare {
		if req.Trans.At == hostbridge.Translated || req.PIDValid {
			return xlate.CauseDisallowedByMode, context.DC{}, false
		}
		// Bare: no DDT exists, so dc stays zero-valued (Bare/Bare for both
		// stages). The translator below then returns an identity passthrough
		// for a zero-value DC exactly as it would for a real Bare DC. An ATS
		// Translation Request is allowed through here too; translate special-
		// cases it to a no-permission SUCCESS rather than an identity grant.
		return 0, context.DC{}, true
	}

	levels := ddtLevels(ddtp.IommuMode)
	ddi := context.DDI(req.DeviceID, m.walker.MSIFlat)
	for i := levels; i < 3; i++ {
		if ddi[i] != 0 {
			return xlate.CauseDisallowedByMode, context.DC{}, false
		}
	}

	dc, err := m.walker.LocateDC(ddtp.PPN, levels, req.DeviceID)
	if err != nil {
		return err.(*context.Fault).Cause, context.DC{}, false
	}

	if (req.Trans.At == hostbridge.ATSTransReq || req.Cmd == hostbridge.PageRequest) && !dc.TC.EN_ATS {
		return xlate.CauseDisallowedByMode, dc, false
	}
	if req.Cmd == hostbridge.PageRequest && !dc.TC.EN_PRI {
		return xlate.CauseDisallowedByMode, dc, false
	}
	if req.PIDValid {
		if !dc.TC.PDTV {
			return xlate.CauseDisallowedByMode, dc, false
		}
		if width := pdtWidth(dc.Fsc.Mode); width == 0 || req.ProcessID >= 1<<uint(width) {
			return xlate.CauseDisallowedByMode, dc, false
		}
	}
	return 0, dc, true
}

// firstStage implements spec.md 4.3 step 7: pick iosatp/PSCID/ta either
// straight from the device context or, when a process_id is present and
// PDTV=1, from a walked process context.
func (m *IOMMU) firstStage(req hostbridge.Request, dc context.DC) (context.Fsc, context.Ta, error) {
	if !dc.TC.PDTV || !req.PIDValid {
		if dc.TC.PDTV {
			// No process_id on a PDTV=1 device: first-stage translation is
			// treated as Bare (only the always-present G-stage applies).
			return context.Fsc{Mode: context.ModeBare}, context.Ta{}, nil
		}
		return dc.Fsc, dc.Ta, nil
	}
	pc, err := m.walker.LocatePC(dc.Fsc.PPN, dc.Fsc.Mode, req.ProcessID, req.DeviceID)
	if err != nil {
		return context.Fsc{}, context.Ta{}, err
	}
	return pc.Fsc, pc.Ta, nil
}

// success builds a SUCCESS response; Bare mode's passthrough and a genuine
// translation both funnel through here.
func (m *IOMMU) success(req hostbridge.Request, trans hostbridge.TransRsp) hostbridge.Response {
	return hostbridge.Response{
		Cmd: hostbridge.TransCompletion, Status: hostbridge.Success,
		DeviceID: req.DeviceID, PIDValid: req.PIDValid, ProcessID: req.ProcessID,
		ExecReq: req.ExecReq, PrivReq: req.PrivReq, Trans: trans,
	}
}

// fail builds the host-bridge response for a failed translation and, unless
// suppressed, reports a fault record, per spec.md 4.6.
func (m *IOMMU) fail(req hostbridge.Request, isATS bool, tc context.TC, cause int, gpa uint64) hostbridge.Response {
	rec := fault.Record{
		DID: req.DeviceID, PID: req.ProcessID, PV: req.PIDValid, Priv: req.PrivReq,
		TTYP: req.TTYP(), Cause: uint16(cause), IOTVal: req.Trans.IOVA, IOTVal2: gpa,
	}
	m.Fault.Report(isATS, tc.DTF, rec)
	rsp := fault.ResponseForFault(isATS, cause)
	rsp.Cmd = hostbridge.TransCompletion
	rsp.DeviceID = req.DeviceID
	rsp.PIDValid = req.PIDValid
	rsp.ProcessID = req.ProcessID
	rsp.ExecReq = req.ExecReq
	rsp.PrivReq = req.PrivReq
	return rsp
}

// pageRequest enqueues a 16-byte page-request-queue record for a PAGE_REQUEST
// command, per spec.md 4.1/6. The queue's exact entry layout is left opaque
// by spec.md 6; this model packs DID/PID/PV/Priv into the first word and the
// caller's opaque payload into the second, mirroring the fault-record shape
// it otherwise follows for enqueue/overflow/memory-fault handling.
func (m *IOMMU) pageRequest(req hostbridge.Request) hostbridge.Response {
	ddtp := m.Regs.Ddtp()
	cause, dc, ok := m.locateAndGate(req, ddtp)
	if !ok {
		return m.fail(req, false, dc.TC, cause, 0)
	}

	pqcsr := m.Regs.Pqcsr()
	if !pqcsr.On || pqcsr.Mf || pqcsr.Of {
		return hostbridge.Response{}
	}

	pqb := m.Regs.Pqb()
	size := pqb.Size()
	pqh := m.Regs.Pqh()
	pqt := m.Regs.Pqt()
	if pqt == (pqh+size-1)%size {
		if m.Regs.SetPqcsrOf() {
			m.IRQ.Generate(irq.PQ)
		}
		return hostbridge.Response{}
	}

	addr := pqb.PPN*pageSize + uint64(pqt)*16
	w0 := uint64(req.DeviceID&0xffffff) | uint64(req.ProcessID&0xfffff)<<24
	if req.PIDValid {
		w0 |= 1 << 44
	}
	if req.PrivReq {
		w0 |= 1 << 45
	}
	if m.Mem.WriteUint64(addr, w0) || m.Mem.WriteUint64(addr+8, req.Page.Payload) {
		if m.Regs.SetPqcsrMf() {
			m.IRQ.Generate(irq.PQ)
		}
		return hostbridge.Response{}
	}

	m.Regs.SetPqt((pqt + 1) % size)
	m.IRQ.Generate(irq.PQ)
	return hostbridge.Response{}
}
