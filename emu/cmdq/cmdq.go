// Package cmdq implements the command-queue engine (C6): fetch/decode/
// dispatch of IOTINVAL, IODIR, IOFENCE and ATS commands, ITAG allocation
// for in-flight ATS invalidations, and the IOFENCE.C deferred-completion
// state machine, per spec.md 4.5.
package cmdq

/*
 * rviommu - command queue engine
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

	"github.com/openiommu/rviommu/emu/context"
	"github.com/openiommu/rviommu/emu/event"
	"github.com/openiommu/rviommu/emu/hostbridge"
	"github.com/openiommu/rviommu/emu/irq"
	"github.com/openiommu/rviommu/emu/memdev"
	"github.com/openiommu/rviommu/emu/regs"
)

// Opcodes (command low[6:0]), per original_source/iommu_command_queue.c.
const (
	OpIOTINVAL = 1
	OpIOFENCE  = 2
	OpIODIR    = 3
	OpATS      = 4
)

// IOTINVAL sub-functions (low[9:7]).
const (
	FuncVMA  = 0
	FuncGVMA = 1
	FuncMSI  = 2
)

// IODIR sub-functions.
const (
	FuncInvalDDT = 0
	FuncInvalPDT = 1
)

// IOFENCE sub-function.
const FuncIOFENCEC = 0

// ATS sub-functions.
const (
	FuncATSInval = 0
	FuncATSPRGR  = 1
)

const numITAGs = 32

// itagTimeoutTicks is the countdown an ATS.INVAL waits for a response
// before the tracker frees the tag and marks it timed out (spec.md 5's
// "model units of ticks"; the exact count is implementation-defined, the
// spec only requires it be bounded and sticky).
const itagTimeoutTicks = 64

type itagEntry struct {
	inUse     bool
	dsv       bool
	dseg      uint8
	rid       uint16
	received  int
	timedOut  bool
}

// pendingFence holds IOFENCE.C's operands while it waits for every
// in-flight ATS invalidation to drain (spec.md 4.5 step 1).
type pendingFence struct {
	active bool
	pr, pw bool
	av     bool
	wis    bool
	addr   uint64
	data   uint32
}

// pendingATS holds one deferred ATS.INVAL while no ITAG is free.
type pendingATS struct {
	active  bool
	dsv     bool
	dseg    uint8
	rid     uint16
	pv      bool
	pid     uint32
	payload uint64
}

// Engine is one owned command-queue instance.
type Engine struct {
	Regs    *regs.File
	Mem     *memdev.Memory
	Caches  *context.Caches
	IRQ     *irq.Controller
	HB      hostbridge.HostBridge
	Events  *event.List

	itags      [numITAGs]itagEntry
	fence      pendingFence
	stalledATS pendingATS
}

// anyTimedOut reports whether an ITAG entry reached its deadline without a
// response since the last IOFENCE.C check, per spec.md 5's cancellation
// model (the sticky flag is consumed and cleared here).
func (e *Engine) anyTimedOut() bool {
	found := false
	for i := range e.itags {
		if e.itags[i].timedOut {
			found = true
			e.itags[i].timedOut = false
		}
	}
	return found
}

func (e *Engine) inFlightCount() int {
	n := 0
	for i := range e.itags {
		if e.itags[i].inUse {
			n++
		}
	}
	return n
}

func (e *Engine) allocITAG(dsv bool, dseg uint8, rid uint16) (int, bool) {
	for i := range e.itags {
		if !e.itags[i].inUse {
			e.itags[i] = itagEntry{inUse: true, dsv: dsv, dseg: dseg, rid: rid}
			e.Events.Add(event.Handle(i), e.onTimeout, itagTimeoutTicks, i)
			return i, true
		}
	}
	return 0, false
}

func (e *Engine) onTimeout(itag int) {
	if !e.itags[itag].inUse {
		return
	}
	e.itags[itag] = itagEntry{}
	e.itags[itag].timedOut = true
}

// ATSResponse retires itag on receipt of an ATS invalidation response,
// freeing the tag and cancelling its timeout timer. Per spec.md 7, an
// InvalCompletion arriving through the transaction entry point (rather
// than here) is a protocol violation handled by the caller, not this
// package.
func (e *Engine) ATSResponse(itag int) {
	if itag < 0 || itag >= numITAGs || !e.itags[itag].inUse {
		return
	}
	e.Events.Cancel(event.Handle(itag), itag)
	e.itags[itag] = itagEntry{}
	e.tryReleaseStalledATS()
}

func (e *Engine) tryReleaseStalledATS() {
	if !e.stalledATS.active {
		return
	}
	s := e.stalledATS
	if itag, ok := e.allocITAG(s.dsv, s.dseg, s.rid); ok {
		e.stalledATS = pendingATS{}
		e.HB.SendToHostBridge(hostbridge.OutMessage{
			Kind: hostbridge.OutATSInval, ITAG: uint8(itag),
			DSV: s.dsv, DSEG: s.dseg, RID: s.rid, PV: s.pv, PID: s.pid, Payload: s.payload,
		})
	}
}

// ready reports whether the engine may process another command, per
// spec.md 4.5's gate: CQ off, a sticky error bit, ITAG exhaustion, or a
// pending IOFENCE all stall processing.
func (e *Engine) ready() bool {
	cs := e.Regs.Cqcsr()
	if !cs.On || cs.Mf || cs.CmdIll || cs.CmdTo {
		return false
	}
	if e.stalledATS.active {
		return false
	}
	if e.fence.active {
		return false
	}
	return true
}

// Tick advances the engine by one step: completing a deferred IOFENCE.C if
// its in-flight set has drained, then processing at most one command from
// the ring. Callers drive this in a loop until it returns false.
func (e *Engine) Tick() bool {
	if e.fence.active {
		if e.inFlightCount() > 0 {
			return false
		}
		if e.completeFence() {
			cqb := e.Regs.Cqb()
			e.Regs.SetCqh((e.Regs.Cqh() + 1) % cqb.Size())
		}
		return true
	}
	if !e.ready() {
		return false
	}
	cqh := e.Regs.Cqh()
	cqt := e.Regs.Cqt()
	if cqh == cqt {
		return false
	}
	e.step(cqh)
	return true
}

func (e *Engine) step(cqh uint32) {
	cqb := e.Regs.Cqb()
	addr := cqb.PPN*4096 + uint64(cqh)*16
	data, af, _ := e.Mem.Read(addr, 16)
	if af {
		if e.Regs.SetCqcsrMf() {
			e.IRQ.Generate(irq.CQ)
		}
		return
	}
	lo := binary.LittleEndian.Uint64(data[0:8])
	hi := binary.LittleEndian.Uint64(data[8:16])

	if e.dispatch(lo, hi) {
		size := cqb.Size()
		e.Regs.SetCqh((cqh + 1) % size)
	}
}

// dispatch decodes and executes one command, returning whether cqh should
// advance (false for illegal/unsupported commands and for commands that
// defer, per spec.md 4.5).
func (e *Engine) dispatch(lo, hi uint64) bool {
	opcode := uint8(lo & 0x7f)
	func3 := uint8((lo >> 7) & 0x7)

	switch opcode {
	case OpIOTINVAL:
		return e.doIOTINVAL(func3, lo, hi)
	case OpIODIR:
		return e.doIODIR(func3, lo)
	case OpIOFENCE:
		return e.doIOFENCE(func3, lo, hi)
	case OpATS:
		return e.doATS(func3, lo, hi)
	default:
		return e.illegal()
	}
}

func (e *Engine) illegal() bool {
	if e.Regs.SetCqcsrCmdIll() {
		e.IRQ.Generate(irq.CQ)
	}
	return false
}

// doIOTINVAL implements IOTINVAL.VMA/GVMA/MSI field decode, per
// original_source/iommu_command_queue.c's bit layout.
func (e *Engine) doIOTINVAL(func3 uint8, lo, hi uint64) bool {
	pscv := lo&(1<<10) != 0
	av := lo&(1<<11) != 0
	gv := lo&(1<<12) != 0
	reserved := (lo>>13)&0x7 != 0 || (lo>>36)&0xf != 0 || (lo>>56)&0xff != 0
	pscid := uint32((lo >> 16) & 0xfffff)
	gscid := uint32((lo >> 40) & 0xffff)
	addr := hi & ((1 << 53) - 1)

	if reserved {
		return e.illegal()
	}

	switch func3 {
	case FuncVMA:
		e.Caches.InvalidateVMA(gv, av, pscv, gscid, pscid, addr)
		return true
	case FuncGVMA:
		if pscv {
			return e.illegal()
		}
		e.Caches.InvalidateGVMA(gv, gscid, av, addr)
		return true
	case FuncMSI:
		if pscv {
			return e.illegal()
		}
		// MSI translation caching is not modelled (emu/msi has no cache);
		// nothing to invalidate, but the command itself is legal.
		return true
	default:
		return e.illegal()
	}
}

func (e *Engine) doIODIR(func3 uint8, lo uint64) bool {
	dv := lo&(1<<10) != 0
	reserved := (lo>>11)&0x1f != 0 || (lo>>36)&0xf != 0 || (lo>>56)&0xff != 0
	pid := uint32((lo >> 16) & 0xfffff)
	did := uint32((lo >> 40) & 0xffff)

	if reserved {
		return e.illegal()
	}

	switch func3 {
	case FuncInvalDDT:
		if pid != 0 {
			return e.illegal()
		}
		e.Caches.InvalidateDDT(dv, did)
		return true
	case FuncInvalPDT:
		if !dv {
			return e.illegal()
		}
		e.Caches.InvalidatePDT(did, pid)
		return true
	default:
		return e.illegal()
	}
}

func (e *Engine) doIOFENCE(func3 uint8, lo, hi uint64) bool {
	if func3 != FuncIOFENCEC {
		return e.illegal()
	}
	pr := lo&(1<<10) != 0
	pw := lo&(1<<11) != 0
	av := lo&(1<<12) != 0
	wis := lo&(1<<13) != 0
	reserved := (lo>>14)&0x3ffff != 0 || hi&0x3 != 0
	data := uint32(lo >> 32)
	addr := hi &^ 0x3

	if reserved {
		return e.illegal()
	}
	if wis && e.Regs.Fctrl().Wis == false {
		// WIS is only legal when the IOMMU is configured for wired
		// interrupts (spec.md 4.5 step 4).
		return e.illegal()
	}

	e.fence = pendingFence{active: true, pr: pr, pw: pw, av: av, wis: wis, addr: addr, data: data}
	if e.inFlightCount() == 0 {
		return e.completeFence()
	}
	return false // stall: cqh does not advance past the IOFENCE.
}

// completeFence runs IOFENCE.C's steps 2-5 once its in-flight ATS
// invalidations have drained. Returns whether cqh should advance past the
// fence (false on the AV-write memory fault, which sticks cqmf instead).
func (e *Engine) completeFence() bool {
	f := e.fence
	e.fence = pendingFence{}

	if e.anyTimedOut() {
		if e.Regs.SetCqcsrCmdTo() {
			e.IRQ.Generate(irq.CQ)
		}
	}
	if f.pr || f.pw {
		e.HB.GlobalObservabilitySync(f.pr, f.pw)
	}
	if f.wis {
		if e.Regs.SetCqcsrFenceWIP() {
			e.IRQ.Generate(irq.CQ)
		}
	}
	if f.av {
		if e.Mem.WriteUint32(f.addr, f.data) {
			if e.Regs.SetCqcsrMf() {
				e.IRQ.Generate(irq.CQ)
			}
			return false
		}
	}
	return true
}

func (e *Engine) doATS(func3 uint8, lo, hi uint64) bool {
	dsv := lo&(1<<10) != 0
	pv := lo&(1<<11) != 0
	reserved := (lo>>12)&0xf != 0 || (lo>>36)&0xf != 0
	pid := uint32((lo >> 16) & 0xfffff)
	dseg := uint8((lo >> 40) & 0xff)
	rid := uint16(lo >> 48)
	payload := hi

	if reserved {
		return e.illegal()
	}

	switch func3 {
	case FuncATSInval:
		itag, ok := e.allocITAG(dsv, dseg, rid)
		if !ok {
			e.stalledATS = pendingATS{active: true, dsv: dsv, dseg: dseg, rid: rid, pv: pv, pid: pid, payload: payload}
			return false
		}
		e.HB.SendToHostBridge(hostbridge.OutMessage{
			Kind: hostbridge.OutATSInval, ITAG: uint8(itag),
			DSV: dsv, DSEG: dseg, RID: rid, PV: pv, PID: pid, Payload: payload,
		})
		return true
	case FuncATSPRGR:
		e.HB.SendToHostBridge(hostbridge.OutMessage{
			Kind: hostbridge.OutATSPRGR,
			DSV:  dsv, DSEG: dseg, RID: rid, PV: pv, PID: pid, Payload: payload,
		})
		return true
	default:
		return e.illegal()
	}
}
