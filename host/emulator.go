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

// Package host implements the host side of the TDISP guest-to-host protocol:
// the authoritative TDI state machine and the emulator that routes decoded
// guest commands onto it.
package host

import (
	"errors"

	"github.com/golang/glog"
	"github.com/google/go-tdisp/tdisp"
)

// Config configures an Emulator.
type Config struct {
	// Revision selects the protocol revision. Zero means
	// tdisp.CurrentRevision.
	Revision tdisp.Revision
	// DebugDeviceID names the device in logs.
	DebugDeviceID string
	// TDISPDeviceID is reported to the guest in DeviceInterfaceInfo.
	TDISPDeviceID uint64
}

// Emulator runs the TDISP state machine for one device and answers guest
// commands for it.
type Emulator struct {
	cfg     Config
	codec   tdisp.Codec
	machine *Machine
}

// NewEmulator returns an emulator whose state machine calls into dev.
func NewEmulator(dev *SharedDevice, cfg Config) *Emulator {
	if cfg.Revision == 0 {
		cfg.Revision = tdisp.CurrentRevision
	}
	return &Emulator{
		cfg:     cfg,
		codec:   tdisp.Codec{Revision: cfg.Revision},
		machine: NewMachine(dev, cfg.Revision, cfg.DebugDeviceID),
	}
}

// Machine returns the emulator's state machine for host-side use, such as
// reporting device faults or reading diagnostics.
func (e *Emulator) Machine() *Machine {
	return e.machine
}

// DeviceInterfaceInfo returns the fixed interface version and capabilities.
func (e *Emulator) DeviceInterfaceInfo() tdisp.DeviceInterfaceInfo {
	return tdisp.DeviceInterfaceInfo{
		InterfaceVersionMajor: tdisp.InterfaceVersionMajor,
		InterfaceVersionMinor: e.cfg.Revision.MinorVersion(),
		SupportedFeatures:     e.cfg.Revision.Features(),
		TDISPDeviceID:         e.cfg.TDISPDeviceID,
	}
}

// HandleGuestCommand routes cmd to the state machine and builds the response.
// It always produces a response; failures are reported in its Result.
func (e *Emulator) HandleGuestCommand(cmd *tdisp.GuestToHostCommand) *tdisp.GuestToHostResponse {
	if glog.V(2) {
		glog.Infof("[tdisp] [%s] handle guest command: %v", e.cfg.DebugDeviceID, cmd)
	}

	resp := &tdisp.GuestToHostResponse{CommandID: cmd.CommandID}
	before, after, err := e.machine.transact(func(dev DeviceInterface) error {
		return e.route(dev, cmd, resp)
	})
	resp.Result = resultOf(err)
	resp.StateBefore, resp.StateAfter = before, after

	if resp.Result != tdisp.Success {
		glog.Errorf("[tdisp] [%s] command %v failed: %v (state %v -> %v)", e.cfg.DebugDeviceID, cmd.CommandID, resp.Result, resp.StateBefore, resp.StateAfter)
	} else if glog.V(2) {
		glog.Infof("[tdisp] [%s] command %v succeeded (state %v -> %v)", e.cfg.DebugDeviceID, cmd.CommandID, resp.StateBefore, resp.StateAfter)
	}
	if glog.V(2) {
		glog.Infof("[tdisp] [%s] response: %v", e.cfg.DebugDeviceID, resp)
	}
	return resp
}

// route runs cmd against the state machine and fills in the response
// payload. Callers hold the machine lock.
func (e *Emulator) route(dev DeviceInterface, cmd *tdisp.GuestToHostCommand, resp *tdisp.GuestToHostResponse) error {
	switch {
	case cmd.CommandID == tdisp.CommandUnknown:
		return tdisp.InvalidGuestCommandID
	case !e.cfg.Revision.SupportsCommand(cmd.CommandID):
		return tdisp.NotImplemented
	case cmd.CommandID == tdisp.CommandGetDeviceInterfaceInfo:
		resp.Payload = e.DeviceInterfaceInfo()
		return nil
	case cmd.CommandID == tdisp.CommandBind:
		return e.machine.lockDeviceResources(dev)
	case cmd.CommandID == tdisp.CommandStartTDI:
		return e.machine.startTDI(dev)
	case cmd.CommandID == tdisp.CommandGetTDIReport:
		var req tdisp.TDIReportRequest
		if p, ok := cmd.Payload.(tdisp.TDIReportRequest); ok {
			req = p
		}
		report, err := e.machine.attestationReport(dev, req.ReportType)
		if err != nil {
			return err
		}
		if len(report) > tdisp.MaxReportSize {
			glog.Errorf("[tdisp] [%s] %v report is %d bytes, limit %d", e.cfg.DebugDeviceID, req.ReportType, len(report), tdisp.MaxReportSize)
			return tdisp.HostFailedToProcessCommand
		}
		resp.Payload = tdisp.TDIReport{Type: req.ReportType, Data: report}
		return nil
	case cmd.CommandID == tdisp.CommandUnbind:
		reason := tdisp.UnbindReasonUnknown
		if p, ok := cmd.Payload.(tdisp.UnbindRequest); ok {
			reason = p.Reason
		}
		return e.machine.unbind(dev, reason)
	}
	return tdisp.InvalidGuestCommandID
}

// HandlePacket decodes a serialized command, handles it and returns the
// serialized response. Only a packet too short to carry a command header is
// an error; any other malformed packet is answered with a failure result and
// no state change.
func (e *Emulator) HandlePacket(b []byte) ([]byte, error) {
	cmd, err := e.codec.UnmarshalCommand(b)
	if err == nil {
		return tdisp.MarshalResponse(e.HandleGuestCommand(cmd)), nil
	}

	hdr, herr := tdisp.UnmarshalCommandHeader(b)
	if herr != nil {
		glog.Errorf("[tdisp] [%s] dropping malformed packet: %v", e.cfg.DebugDeviceID, herr)
		return nil, herr
	}
	glog.Errorf("[tdisp] [%s] failed to decode %v: %v", e.cfg.DebugDeviceID, hdr.CommandID, err)
	result := tdisp.HostFailedToProcessCommand
	if errors.Is(err, tdisp.ErrUnsupportedCommand) {
		result = tdisp.NotImplemented
	}
	state := e.machine.State()
	return tdisp.MarshalResponse(&tdisp.GuestToHostResponse{
		CommandID:   hdr.CommandID,
		Result:      result,
		StateBefore: state,
		StateAfter:  state,
	}), nil
}

// resultOf converts a state machine error into a result code.
func resultOf(err error) tdisp.GuestOperationError {
	if err == nil {
		return tdisp.Success
	}
	var code tdisp.GuestOperationError
	if errors.As(err, &code) {
		return code
	}
	return tdisp.HostFailedToProcessCommand
}
