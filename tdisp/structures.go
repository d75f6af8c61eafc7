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

// RequestPayload is the command-specific part of a GuestToHostCommand. A nil
// RequestPayload means the command carries no payload.
type RequestPayload interface {
	requestPayload()
}

// UnbindRequest is the payload of CommandUnbind.
type UnbindRequest struct {
	Reason GuestUnbindReason
}

func (UnbindRequest) requestPayload() {}

// TDIReportRequest is the payload of CommandGetTDIReport.
type TDIReportRequest struct {
	ReportType ReportType
}

func (TDIReportRequest) requestPayload() {}

// GuestToHostCommand is a command sent from the guest to the host for one
// assigned device.
type GuestToHostCommand struct {
	// DeviceID identifies the target device.
	DeviceID uint64
	// ResponseGPA is the guest physical address of the response page for
	// transports that deliver responses through shared memory, or zero.
	ResponseGPA uint64
	CommandID   CommandID
	Payload     RequestPayload
}

func (c *GuestToHostCommand) String() string {
	return fmt.Sprintf("GuestToHostCommand{device_id=%#x command=%v payload=%+v}", c.DeviceID, c.CommandID, c.Payload)
}

// ResponsePayload is the command-specific part of a GuestToHostResponse. A
// nil ResponsePayload means the response carries no payload.
type ResponsePayload interface {
	responsePayload()
}

// DeviceInterfaceInfo describes the host's interface version and capabilities.
type DeviceInterfaceInfo struct {
	InterfaceVersionMajor uint32
	InterfaceVersionMinor uint32
	// SupportedFeatures is a bitmask of Feature* values.
	SupportedFeatures uint64
	// TDISPDeviceID is the device identifier the guest uses when talking to
	// the platform security processor about this device.
	TDISPDeviceID uint64
}

func (DeviceInterfaceInfo) responsePayload() {}

// Supports reports whether all bits in feature are advertised.
func (i DeviceInterfaceInfo) Supports(feature uint64) bool {
	return i.SupportedFeatures&feature == feature
}

// TDIReport is an opaque attestation report returned by GetTdiReport.
type TDIReport struct {
	Type ReportType
	Data []byte
}

func (TDIReport) responsePayload() {}

// GuestToHostResponse is the host's answer to a GuestToHostCommand.
type GuestToHostResponse struct {
	CommandID CommandID
	Result    GuestOperationError
	// StateBefore and StateAfter bracket the command so the guest can tell
	// whether a transition happened independently of Result.
	StateBefore TDIState
	StateAfter  TDIState
	Payload     ResponsePayload
}

// Transitioned reports whether the command changed the TDI state.
func (r *GuestToHostResponse) Transitioned() bool {
	return r.StateBefore != r.StateAfter
}

func (r *GuestToHostResponse) String() string {
	return fmt.Sprintf("GuestToHostResponse{command=%v result=%d(%v) state=%v->%v payload=%T}",
		r.CommandID, uint64(r.Result), r.Result, r.StateBefore, r.StateAfter, r.Payload)
}
