// Package hostbridge defines the message vocabulary exchanged between the
// IOMMU model and its host-bridge/transport collaborator: translation
// requests, invalidation completions, page requests, and the responses the
// model produces for each.
package hostbridge

/*
 * rviommu - host bridge transaction vocabulary
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

// AddrType classifies how a translation request's address field is to be
// interpreted.
type AddrType int

const (
	Untranslated AddrType = iota // IOMMU may treat address as virtual or physical.
	ATSTransReq                  // Return the translation as a read completion.
	Translated                   // Address already translated upstream.
)

// Access direction for a translation request.
const (
	Read     = 0
	WriteAMO = 1
)

// Cmd is the message type a host bridge sends into the model.
type Cmd int

const (
	TransRequest Cmd = iota
	InvalCompletion
	PageRequest
)

// TTYP values, per spec glossary.
const (
	TTYPNone              = 0
	TTYPUntranslatedExec  = 1
	TTYPUntranslatedRead  = 2
	TTYPUntranslatedWrite = 3
	TTYPTranslatedExec    = 4
	TTYPTranslatedRead    = 5
	TTYPTranslatedWrite   = 6
	TTYPATSTransReq       = 7
	TTYPMessageReq        = 8
)

// TransReq is the payload of a TransRequest command.
type TransReq struct {
	At      AddrType
	IOVA    uint64
	Length  uint32
	RdWrAMO uint32 // Read or WriteAMO.
}

// PageReq is the payload of a PageRequest command.
type PageReq struct {
	Payload uint64
}

// InvalCompl is the payload of an InvalCompletion command.
type InvalCompl struct {
	Payload uint64
}

// Request is a transaction arriving from the host bridge.
type Request struct {
	Cmd       Cmd
	DeviceID  uint32
	PIDValid  bool
	ProcessID uint32
	NoWrite   bool
	ExecReq   bool
	PrivReq   bool
	IsCXLDev  bool

	Trans TransReq
	Page  PageReq
	Inval InvalCompl
}

// TTYP derives the transaction-type code for the request, used by fault
// records and by the ATS/Page-Request gating logic.
func (r *Request) TTYP() uint8 {
	switch r.Cmd {
	case PageRequest:
		return TTYPMessageReq
	case TransRequest:
		switch r.Trans.At {
		case ATSTransReq:
			return TTYPATSTransReq
		case Translated:
			if r.ExecReq {
				return TTYPTranslatedExec
			}
			if r.Trans.RdWrAMO == WriteAMO {
				return TTYPTranslatedWrite
			}
			return TTYPTranslatedRead
		default:
			if r.ExecReq {
				return TTYPUntranslatedExec
			}
			if r.Trans.RdWrAMO == WriteAMO {
				return TTYPUntranslatedWrite
			}
			return TTYPUntranslatedRead
		}
	}
	return TTYPNone
}

// Status is the PCIe-style completion status carried in a Response.
type Status int

const (
	Success Status = iota
	UnsupportedRequest
	CompleterAbort Status = 4
)

// RspCmd is the message type the model sends back to the host bridge.
type RspCmd int

const (
	TransCompletion RspCmd = iota
	InvalRequest
	PageGroupResponse
)

// TransRsp carries a successful (or permission-limited) translation result.
type TransRsp struct {
	PA       uint64
	S        bool
	N        bool
	CXLIO    bool
	Global   bool
	Priv     bool
	U        bool
	R        bool
	W        bool
	Exe      bool
	AMA      uint8
	PBMT     uint8
	IsMSI    bool
	IsMRIFWr bool
	MRIFNID  uint32
	NPPN     uint64 // MRIF notification-page PPN, valid when IsMRIFWr.
}

// Response is a message sent from the model back to the host bridge.
type Response struct {
	Cmd       RspCmd
	Status    Status
	DeviceID  uint32
	PIDValid  bool
	ProcessID uint32
	NoWrite   bool
	ExecReq   bool
	PrivReq   bool

	Trans      TransRsp
	PRGPayload uint64
	InvPayload uint64
}

// OutMsgKind distinguishes the two messages the command-queue engine emits
// to the host bridge (spec.md 4.5: ATS.INVAL, ATS.PRGR).
type OutMsgKind int

const (
	OutATSInval OutMsgKind = iota
	OutATSPRGR
)

// OutMessage is a message the model sends to the host bridge, outside the
// request/response round trip (send_msg_iommu_to_hb).
type OutMessage struct {
	Kind    OutMsgKind
	ITAG    uint8 // valid for OutATSInval only.
	DSV     bool
	DSEG    uint8
	RID     uint16
	PV      bool
	PID     uint32
	Payload uint64
}

// HostBridge is the host-bridge/platform collaborator named as a non-goal
// in spec.md 1: message emission and the global-observability fence IOFENCE
// PR/PW waits on. The model calls into this interface; it does not
// implement transport or the observability point itself.
type HostBridge interface {
	SendToHostBridge(msg OutMessage)
	GlobalObservabilitySync(pr, pw bool)
}
