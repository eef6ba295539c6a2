// Package scenario loads declarative YAML fixtures describing a reset
// configuration plus a sequence of host-bridge requests and their expected
// outcomes, following the teacher's configparser.go shape (table-driven
// option validation, errors.New/fmt.Errorf wrapping) but backed by
// gopkg.in/yaml.v2 rather than a hand-rolled line grammar, since the input
// here is a structured object tree rather than a device-attach script.
package scenario

/*
 * rviommu - scenario fixture loader
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
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/openiommu/rviommu/emu/hostbridge"
	"github.com/openiommu/rviommu/emu/regs"
)

// Capabilities mirrors regs.Capabilities with YAML-friendly field names.
type Capabilities struct {
	Sv32    bool `yaml:"sv32,omitempty"`
	Sv39    bool `yaml:"sv39,omitempty"`
	Sv48    bool `yaml:"sv48,omitempty"`
	Sv57    bool `yaml:"sv57,omitempty"`
	Svnapot bool `yaml:"svnapot,omitempty"`
	Svpbmt  bool `yaml:"svpbmt,omitempty"`
	Sv32x4  bool `yaml:"sv32x4,omitempty"`
	Sv39x4  bool `yaml:"sv39x4,omitempty"`
	Sv48x4  bool `yaml:"sv48x4,omitempty"`
	Sv57x4  bool `yaml:"sv57x4,omitempty"`
	MSIFlat bool `yaml:"msi_flat,omitempty"`
	MSIMrif bool `yaml:"msi_mrif,omitempty"`
	Amo     bool `yaml:"amo,omitempty"`
	Ats     bool `yaml:"ats,omitempty"`
	T2gpa   bool `yaml:"t2gpa,omitempty"`
	Pmon    bool  `yaml:"pmon,omitempty"`
	Ras     bool  `yaml:"ras,omitempty"`
	Pas     uint8 `yaml:"pas"`
	End     uint8 `yaml:"end,omitempty"`
	Igs     uint8 `yaml:"igs,omitempty"`
	Custom  uint16 `yaml:"custom,omitempty"`
}

// Fctrl mirrors regs.Fctrl.
type Fctrl struct {
	End uint8 `yaml:"end"`
	Wis bool  `yaml:"wis"`
}

// Reset mirrors the subset of regs.ResetConfig a fixture can drive. Mode is
// "off" or "bare"; the three multi-level DDT modes are never a reset-time
// input (ddtp is programmed by MMIO writes after reset, per spec.md 4.1).
type Reset struct {
	Mode         string       `yaml:"mode"`
	NumHPM       uint8        `yaml:"num_hpm"`
	HPMCtrBits   uint8        `yaml:"hpm_ctr_bits"`
	EventIDMask  uint32       `yaml:"event_id_mask"`
	NumVecBits   uint8        `yaml:"num_vec_bits"`
	Capabilities Capabilities `yaml:"capabilities"`
	Fctrl        Fctrl        `yaml:"fctrl"`
}

// Build converts r into a regs.ResetConfig, validating the reset mode.
func (r Reset) Build() (regs.ResetConfig, error) {
	var mode uint8
	switch r.Mode {
	case "off", "":
		mode = regs.ModeOff
	case "bare":
		mode = regs.ModeBare
	default:
		return regs.ResetConfig{}, fmt.Errorf("scenario: unknown reset mode: %q", r.Mode)
	}
	c := r.Capabilities
	return regs.ResetConfig{
		NumHPM:      r.NumHPM,
		HPMCtrBits:  r.HPMCtrBits,
		EventIDMask: r.EventIDMask,
		NumVecBits:  r.NumVecBits,
		ResetMode:   mode,
		Caps: regs.Capabilities{
			Sv32: c.Sv32, Sv39: c.Sv39, Sv48: c.Sv48, Sv57: c.Sv57,
			Svnapot: c.Svnapot, Svpbmt: c.Svpbmt,
			Sv32x4: c.Sv32x4, Sv39x4: c.Sv39x4, Sv48x4: c.Sv48x4, Sv57x4: c.Sv57x4,
			MSIFlat: c.MSIFlat, MSIMrif: c.MSIMrif,
			Amo: c.Amo, Ats: c.Ats, T2gpa: c.T2gpa,
			Pmon: c.Pmon, Ras: c.Ras, Pas: c.Pas,
			End: c.End, Igs: c.Igs, Custom: c.Custom,
		},
		Fctrl: regs.Fctrl{End: r.Fctrl.End, Wis: r.Fctrl.Wis},
	}, nil
}

// Request mirrors hostbridge.Request with YAML-friendly, string-keyed enum
// fields (cmd, at) instead of the numeric iota constants.
type Request struct {
	Cmd       string `yaml:"cmd"`
	DeviceID  uint32 `yaml:"device_id"`
	PIDValid  bool   `yaml:"pid_valid,omitempty"`
	ProcessID uint32 `yaml:"process_id,omitempty"`
	ExecReq   bool   `yaml:"exec_req,omitempty"`
	PrivReq   bool   `yaml:"priv_req,omitempty"`

	At      string `yaml:"at,omitempty"`
	IOVA    uint64 `yaml:"iova,omitempty"`
	Length  uint32 `yaml:"length,omitempty"`
	RdWrAMO string `yaml:"rw,omitempty"` // "read" or "write"
}

// Build converts r into a hostbridge.Request.
func (r Request) Build() (hostbridge.Request, error) {
	req := hostbridge.Request{
		DeviceID: r.DeviceID, PIDValid: r.PIDValid, ProcessID: r.ProcessID,
		ExecReq: r.ExecReq, PrivReq: r.PrivReq,
	}
	switch r.Cmd {
	case "trans_request", "":
		req.Cmd = hostbridge.TransRequest
	case "page_request":
		req.Cmd = hostbridge.PageRequest
	case "inval_completion":
		req.Cmd = hostbridge.InvalCompletion
	default:
		return hostbridge.Request{}, fmt.Errorf("scenario: unknown request cmd: %q", r.Cmd)
	}

	switch r.At {
	case "untranslated", "":
		req.Trans.At = hostbridge.Untranslated
	case "ats":
		req.Trans.At = hostbridge.ATSTransReq
	case "translated":
		req.Trans.At = hostbridge.Translated
	default:
		return hostbridge.Request{}, fmt.Errorf("scenario: unknown address type: %q", r.At)
	}

	switch r.RdWrAMO {
	case "read", "":
		req.Trans.RdWrAMO = hostbridge.Read
	case "write":
		req.Trans.RdWrAMO = hostbridge.WriteAMO
	default:
		return hostbridge.Request{}, fmt.Errorf("scenario: unknown access direction: %q", r.RdWrAMO)
	}
	req.Trans.IOVA = r.IOVA
	req.Trans.Length = r.Length
	return req, nil
}

// Expect is the expected outcome of submitting a Request.
type Expect struct {
	Status  string `yaml:"status"` // "success", "completer_abort", "unsupported_request"
	R       bool   `yaml:"r,omitempty"`
	W       bool   `yaml:"w,omitempty"`
	X       bool   `yaml:"x,omitempty"`
	Cause   int    `yaml:"cause,omitempty"`
	TTYP    uint8  `yaml:"ttyp,omitempty"`
	IOTVal2 uint64 `yaml:"iotval2,omitempty"`
	Fault   bool   `yaml:"fault,omitempty"` // whether a fault record is expected at all
}

// BuildStatus converts e.Status into a hostbridge.Status.
func (e Expect) BuildStatus() (hostbridge.Status, error) {
	switch e.Status {
	case "success", "":
		return hostbridge.Success, nil
	case "completer_abort":
		return hostbridge.CompleterAbort, nil
	case "unsupported_request":
		return hostbridge.UnsupportedRequest, nil
	default:
		return 0, fmt.Errorf("scenario: unknown expected status: %q", e.Status)
	}
}

// Step pairs a request with its expected outcome.
type Step struct {
	Name    string  `yaml:"name"`
	Request Request `yaml:"request"`
	Expect  Expect  `yaml:"expect"`
}

// MemWrite pre-populates one backing-memory location (a DDT/DC/PTE entry,
// say) before a scenario's steps run. Width is the write size in bytes: 4
// or 8.
type MemWrite struct {
	Addr  uint64 `yaml:"addr"`
	Value uint64 `yaml:"value"`
	Width uint8  `yaml:"width"`
}

// RegWrite pre-programs one MMIO register (ddtp, icvec, a queue base, ...)
// after reset and before a scenario's memory writes and steps.
type RegWrite struct {
	Offset uint16 `yaml:"offset"`
	Size   uint8  `yaml:"size"`
	Value  uint64 `yaml:"value"`
}

// Scenario is a complete end-to-end fixture: a reset configuration, the
// register and memory state it depends on, and a sequence of steps to
// submit against the resulting IOMMU instance.
type Scenario struct {
	Name      string     `yaml:"name"`
	Reset     Reset      `yaml:"reset"`
	RegWrites []RegWrite `yaml:"reg_writes,omitempty"`
	Writes    []MemWrite `yaml:"writes,omitempty"`
	Steps     []Step     `yaml:"steps,omitempty"`
}

// Load reads and parses a scenario fixture from path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("scenario: parsing %s: %w", path, err)
	}
	return &s, nil
}
