// Package irq implements the interrupt unit (C8): per-source pending bits,
// enable gating, MSI-vs-wired dispatch, and the RW1C-clear/re-pend
// reconciliation spec.md 4.7 and invariant 8 require.
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
	"github.com/openiommu/rviommu/emu/memdev"
	"github.com/openiommu/rviommu/emu/regs"
)

// Unit identifies one of the four interrupt sources.
type Unit int

const (
	CQ Unit = iota
	FQ
	PMU
	PQ
)

// Controller drives ipsr/icvec/msi_cfg_tbl against one register file and
// writes MSI interrupt messages into the memory the host bridge owns.
//
// original_source/iommu_interrupt.c gates MSI delivery on fctrl.wis==1; that
// is inverted from spec.md 4.7, which states wis=0 selects MSI mode. The
// spec text is taken as authoritative (DESIGN.md Open Question resolution),
// so Generate checks !Regs.Fctrl().Wis.
type Controller struct {
	Regs *regs.File
	Mem  *memdev.Memory
}

func (c *Controller) enabled(u Unit) bool {
	switch u {
	case CQ:
		return c.Regs.Cqcsr().IE
	case FQ:
		return c.Regs.Fqcsr().IE
	case PQ:
		return c.Regs.Pqcsr().IE
	case PMU:
		// No dedicated enable register is named by spec.md's MMIO layout for
		// the PMU unit beyond capabilities.pmon gating the whole counter
		// block; an un-implemented counter block can never produce a pmip
		// cause in the first place, so pmon presence is the only gate.
		return c.Regs.Caps().Pmon
	}
	return false
}

func (c *Controller) live(u Unit) bool {
	switch u {
	case CQ:
		cs := c.Regs.Cqcsr()
		return cs.Mf || cs.CmdTo || cs.CmdIll || cs.FenceWIP
	case FQ:
		fs := c.Regs.Fqcsr()
		return fs.Mf || fs.Of
	case PQ:
		ps := c.Regs.Pqcsr()
		return ps.Mf || ps.Of
	case PMU:
		return c.Regs.Read(regs.OffIocntovf, 4) != 0
	}
	return false
}

func (c *Controller) vector(u Unit) uint8 {
	v := c.Regs.Icvec()
	switch u {
	case CQ:
		return v.Civ
	case FQ:
		return v.Fiv
	case PQ:
		return v.Piv
	case PMU:
		return v.Pmiv
	}
	return 0
}

func (c *Controller) pendingSelector(u Unit) func(*regs.IPSR) *bool {
	switch u {
	case CQ:
		return func(p *regs.IPSR) *bool { return &p.Cip }
	case FQ:
		return func(p *regs.IPSR) *bool { return &p.Fip }
	case PQ:
		return func(p *regs.IPSR) *bool { return &p.Pip }
	case PMU:
		return func(p *regs.IPSR) *bool { return &p.Pmip }
	}
	return nil
}

// Generate implements generate_interrupt(unit) (spec.md 4.7): no effect if
// already pending or disabled; otherwise sets the pending bit and, in MSI
// mode, performs the configured 4-byte MSI write unless masked.
func (c *Controller) Generate(u Unit) {
	if !c.enabled(u) {
		return
	}
	transitioned := c.Regs.RaisePending(c.pendingSelector(u))
	if !transitioned {
		return
	}
	if c.Regs.Fctrl().Wis {
		return // wired mode: raising the external line is out of model scope.
	}
	entry := c.Regs.MSIEntry(int(c.vector(u)))
	if entry.Masked {
		return
	}
	c.Mem.WriteUint32(entry.Addr, entry.Data)
}

// ReconcileAfterIpsrWrite implements invariant 8: after software's RW1C
// write to ipsr has cleared a bit, if that unit's underlying cause is still
// live and the unit remains enabled, the pending bit is set again before the
// write returns (generate_interrupt's "if already pending, return" rule
// never fires here because the bit was just cleared).
func (c *Controller) ReconcileAfterIpsrWrite(before regs.IPSR) {
	after := c.Regs.Ipsr()
	c.reconcileOne(CQ, before.Cip, after.Cip)
	c.reconcileOne(FQ, before.Fip, after.Fip)
	c.reconcileOne(PMU, before.Pmip, after.Pmip)
	c.reconcileOne(PQ, before.Pip, after.Pip)
}

func (c *Controller) reconcileOne(u Unit, wasPending, stillPending bool) {
	if !wasPending || stillPending {
		return
	}
	if c.live(u) {
		c.Generate(u)
	}
}
