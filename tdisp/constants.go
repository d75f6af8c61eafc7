// Copyright (c) 2026, Google LLC All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tdisp

import "fmt"

// Interface version reported by GetDeviceInterfaceInfo.
const (
	InterfaceVersionMajor uint32 = 1
)

// PageSize is the size of a guest page. A shared response buffer must be at
// least this large, and no encoded response may exceed it.
const PageSize = 4096

// Encoded sizes of the fixed parts of the protocol.
const (
	CommandHeaderSize  = 24
	ResponseHeaderSize = 32

	unbindPayloadSize        = 8
	reportRequestPayloadSize = 8
	interfaceInfoPayloadSize = 24
	reportHeaderPayloadSize  = 16

	// MaxReportSize is the largest attestation report that fits in a single
	// response page.
	MaxReportSize = PageSize - ResponseHeaderSize - reportHeaderPayloadSize
)

// CommandID identifies a guest-to-host command.
type CommandID uint64

// Command IDs. The numeric values are part of the wire protocol.
const (
	CommandUnknown                CommandID = 0
	CommandGetDeviceInterfaceInfo CommandID = 1
	CommandBind                   CommandID = 2
	CommandGetTDIReport           CommandID = 3
	CommandStartTDI               CommandID = 4
	CommandUnbind                 CommandID = 5
)

// commandIDFromWire never fails: ids this package does not know are treated
// as CommandUnknown and rejected later by the host router.
func commandIDFromWire(v uint64) CommandID {
	switch c := CommandID(v); c {
	case CommandGetDeviceInterfaceInfo, CommandBind, CommandGetTDIReport, CommandStartTDI, CommandUnbind:
		return c
	default:
		return CommandUnknown
	}
}

func (c CommandID) String() string {
	switch c {
	case CommandUnknown:
		return "Unknown"
	case CommandGetDeviceInterfaceInfo:
		return "GetDeviceInterfaceInfo"
	case CommandBind:
		return "Bind"
	case CommandGetTDIReport:
		return "GetTdiReport"
	case CommandStartTDI:
		return "StartTdi"
	case CommandUnbind:
		return "Unbind"
	default:
		return fmt.Sprintf("CommandID(%d)", uint64(c))
	}
}

// TDIState is the trust lifecycle state of an assigned device interface.
type TDIState uint64

const (
	// StateUninitialized is never held by a constructed state machine. A
	// response carrying it in both state fields was not written by a host.
	StateUninitialized TDIState = 0
	// StateUnlocked is the reset state. Resources can be configured but the
	// device cannot be used or attested.
	StateUnlocked TDIState = 1
	// StateLocked means resources are locked and attestation can take place.
	StateLocked TDIState = 2
	// StateRun means attestation succeeded and the device is functional.
	StateRun TDIState = 3
	// StateError means the device faulted while Locked or Run. It is only
	// modeled from Revision2 onwards and can only be left through Unbind.
	StateError TDIState = 4
)

func tdiStateFromWire(v uint64) TDIState {
	switch s := TDIState(v); s {
	case StateUnlocked, StateLocked, StateRun, StateError:
		return s
	default:
		return StateUninitialized
	}
}

func (s TDIState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateUnlocked:
		return "Unlocked"
	case StateLocked:
		return "Locked"
	case StateRun:
		return "Run"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("TDIState(%d)", uint64(s))
	}
}

// GuestOperationError is the result code of a command. Success is zero; every
// other value is a failure and can be returned as an error.
type GuestOperationError uint64

// Result codes. The numeric values are part of the wire protocol.
const (
	Success                            GuestOperationError = 0
	InvalidDeviceState                 GuestOperationError = 1
	InvalidGuestUnbindReason           GuestOperationError = 2
	InvalidGuestCommandID              GuestOperationError = 3
	NotImplemented                     GuestOperationError = 4
	HostFailedToProcessCommand         GuestOperationError = 5
	InvalidGuestAttestationReportState GuestOperationError = 6
	InvalidGuestAttestationReportType  GuestOperationError = 7
)

var resultMsg = map[GuestOperationError]string{
	Success:                            "the operation was successful",
	InvalidDeviceState:                 "the current TDI state is incorrect for this operation",
	InvalidGuestUnbindReason:           "the reason for this unbind is invalid",
	InvalidGuestCommandID:              "invalid TDI command ID",
	NotImplemented:                     "operation requested was not implemented",
	HostFailedToProcessCommand:         "host failed to process command",
	InvalidGuestAttestationReportState: "the current TDI state does not allow retrieving an attestation report",
	InvalidGuestAttestationReportType:  "the requested attestation report type is invalid",
}

// Error implements the error interface.
func (e GuestOperationError) Error() string {
	if msg, ok := resultMsg[e]; ok {
		return msg
	}
	return fmt.Sprintf("unknown TDISP result code %#x", uint64(e))
}

// Err returns nil for Success and e otherwise, so that callers can write
// `if err := resp.Result.Err(); err != nil`.
func (e GuestOperationError) Err() error {
	if e == Success {
		return nil
	}
	return e
}

// GuestUnbindReason is the reason a guest gives when it unbinds a device.
type GuestUnbindReason uint64

const (
	// UnbindReasonUnknown is not a recognized guest reason. The host still
	// performs the unbind but records the reason as invalid.
	UnbindReasonUnknown GuestUnbindReason = 0
	// UnbindReasonGraceful is used when the device is being detached.
	UnbindReasonGraceful GuestUnbindReason = 1
)

// Valid reports whether r is a recognized guest-initiated unbind reason.
func (r GuestUnbindReason) Valid() bool {
	return r == UnbindReasonGraceful
}

func (r GuestUnbindReason) String() string {
	switch r {
	case UnbindReasonUnknown:
		return "Unknown"
	case UnbindReasonGraceful:
		return "Graceful"
	default:
		return fmt.Sprintf("GuestUnbindReason(%d)", uint64(r))
	}
}

// ReportType selects which attestation report GetTdiReport returns.
type ReportType uint64

const (
	// ReportTypeInvalid is the sentinel the host rejects without touching
	// device state.
	ReportTypeInvalid          ReportType = 0
	ReportTypeInterface        ReportType = 1
	ReportTypeCertificateChain ReportType = 2
	ReportTypeMeasurements     ReportType = 3
)

func reportTypeFromWire(v uint64) ReportType {
	switch r := ReportType(v); r {
	case ReportTypeInterface, ReportTypeCertificateChain, ReportTypeMeasurements:
		return r
	default:
		return ReportTypeInvalid
	}
}

func (r ReportType) String() string {
	switch r {
	case ReportTypeInvalid:
		return "Invalid"
	case ReportTypeInterface:
		return "Interface"
	case ReportTypeCertificateChain:
		return "CertificateChain"
	case ReportTypeMeasurements:
		return "Measurements"
	default:
		return fmt.Sprintf("ReportType(%d)", uint64(r))
	}
}

// Feature bits advertised in DeviceInterfaceInfo.SupportedFeatures.
const (
	FeatureTDIReport  uint64 = 1 << 0
	FeatureStartTDI   uint64 = 1 << 1
	FeatureErrorState uint64 = 1 << 2
)

// Revision is a revision of the guest-to-host protocol.
type Revision uint32

const (
	// Revision1 supports GetDeviceInterfaceInfo, Bind and Unbind only, and
	// has no Error state.
	Revision1 Revision = 1
	// Revision2 adds GetTdiReport, StartTdi and the Error state.
	Revision2 Revision = 2

	CurrentRevision = Revision2
)

// SupportsCommand reports whether id has a payload mapping in revision r.
// CommandUnknown is supported by every revision.
func (r Revision) SupportsCommand(id CommandID) bool {
	switch id {
	case CommandUnknown, CommandGetDeviceInterfaceInfo, CommandBind, CommandUnbind:
		return true
	case CommandGetTDIReport, CommandStartTDI:
		return r >= Revision2
	}
	return false
}

// SupportsErrorState reports whether StateError is part of revision r.
func (r Revision) SupportsErrorState() bool {
	return r >= Revision2
}

// MinorVersion is the interface minor version advertised for r.
func (r Revision) MinorVersion() uint32 {
	if r == 0 {
		return 0
	}
	return uint32(r) - 1
}

// Features returns the capability bits advertised for r.
func (r Revision) Features() uint64 {
	if r >= Revision2 {
		return FeatureTDIReport | FeatureStartTDI | FeatureErrorState
	}
	return 0
}
