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

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// commandHeader is the fixed part of an encoded GuestToHostCommand.
type commandHeader struct {
	ResponseGPA uint64
	DeviceID    uint64
	CommandID   uint64
}

// responseHeader is the fixed part of an encoded GuestToHostResponse.
type responseHeader struct {
	CommandID   uint64
	Result      uint64
	StateBefore uint64
	StateAfter  uint64
}

// Codec encodes and decodes packets for one protocol revision. The zero
// value uses CurrentRevision.
type Codec struct {
	Revision Revision
}

func (c Codec) revision() Revision {
	if c.Revision == 0 {
		return CurrentRevision
	}
	return c.Revision
}

// MarshalCommand encodes cmd. The payload is written according to its
// concrete type; a payload that does not belong to cmd.CommandID is still
// written and will be rejected by the receiving side.
func MarshalCommand(cmd *GuestToHostCommand) []byte {
	out := make([]byte, 0, CommandHeaderSize+reportRequestPayloadSize)
	out = binary.LittleEndian.AppendUint64(out, cmd.ResponseGPA)
	out = binary.LittleEndian.AppendUint64(out, cmd.DeviceID)
	out = binary.LittleEndian.AppendUint64(out, uint64(cmd.CommandID))
	switch p := cmd.Payload.(type) {
	case UnbindRequest:
		out = binary.LittleEndian.AppendUint64(out, uint64(p.Reason))
	case TDIReportRequest:
		out = binary.LittleEndian.AppendUint64(out, uint64(p.ReportType))
	}
	return out
}

// MarshalResponse encodes resp.
func MarshalResponse(resp *GuestToHostResponse) []byte {
	out := make([]byte, 0, ResponseHeaderSize+interfaceInfoPayloadSize)
	out = binary.LittleEndian.AppendUint64(out, uint64(resp.CommandID))
	out = binary.LittleEndian.AppendUint64(out, uint64(resp.Result))
	out = binary.LittleEndian.AppendUint64(out, uint64(resp.StateBefore))
	out = binary.LittleEndian.AppendUint64(out, uint64(resp.StateAfter))
	switch p := resp.Payload.(type) {
	case DeviceInterfaceInfo:
		out = binary.LittleEndian.AppendUint32(out, p.InterfaceVersionMajor)
		out = binary.LittleEndian.AppendUint32(out, p.InterfaceVersionMinor)
		out = binary.LittleEndian.AppendUint64(out, p.SupportedFeatures)
		out = binary.LittleEndian.AppendUint64(out, p.TDISPDeviceID)
	case TDIReport:
		out = binary.LittleEndian.AppendUint64(out, uint64(p.Type))
		out = binary.LittleEndian.AppendUint64(out, uint64(len(p.Data)))
		out = append(out, p.Data...)
	}
	return out
}

// UnmarshalCommand decodes a command using CurrentRevision.
func UnmarshalCommand(b []byte) (*GuestToHostCommand, error) {
	return Codec{}.UnmarshalCommand(b)
}

// UnmarshalResponse decodes a response using CurrentRevision.
func UnmarshalResponse(b []byte) (*GuestToHostResponse, error) {
	return Codec{}.UnmarshalResponse(b)
}

// UnmarshalCommandHeader decodes only the fixed header of a command, leaving
// Payload nil. Hosts use it to route a packet, or to answer one whose payload
// failed to decode.
func UnmarshalCommandHeader(b []byte) (*GuestToHostCommand, error) {
	if len(b) < CommandHeaderSize {
		return nil, fmt.Errorf("%w: command is %d bytes, header needs %d", ErrTruncated, len(b), CommandHeaderSize)
	}
	var hdr commandHeader
	if err := binary.Read(bytes.NewReader(b[:CommandHeaderSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return &GuestToHostCommand{
		ResponseGPA: hdr.ResponseGPA,
		DeviceID:    hdr.DeviceID,
		CommandID:   commandIDFromWire(hdr.CommandID),
	}, nil
}

// UnmarshalCommand decodes a command. Unrecognized command ids decode to
// CommandUnknown, and any payload bytes following them are discarded.
func (c Codec) UnmarshalCommand(b []byte) (*GuestToHostCommand, error) {
	cmd, err := UnmarshalCommandHeader(b)
	if err != nil {
		return nil, err
	}
	if !c.revision().SupportsCommand(cmd.CommandID) {
		return nil, fmt.Errorf("%w: %v in revision %d", ErrUnsupportedCommand, cmd.CommandID, c.revision())
	}

	payload := b[CommandHeaderSize:]
	switch cmd.CommandID {
	case CommandUnknown:
	case CommandGetDeviceInterfaceInfo, CommandBind, CommandStartTDI:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: %v carries %d unexpected payload bytes", ErrPayloadMismatch, cmd.CommandID, len(payload))
		}
	case CommandUnbind:
		if len(payload) != unbindPayloadSize {
			return nil, fmt.Errorf("%w: %v payload is %d bytes, want %d", ErrPayloadMismatch, cmd.CommandID, len(payload), unbindPayloadSize)
		}
		cmd.Payload = UnbindRequest{Reason: GuestUnbindReason(binary.LittleEndian.Uint64(payload))}
	case CommandGetTDIReport:
		if len(payload) != reportRequestPayloadSize {
			return nil, fmt.Errorf("%w: %v payload is %d bytes, want %d", ErrPayloadMismatch, cmd.CommandID, len(payload), reportRequestPayloadSize)
		}
		cmd.Payload = TDIReportRequest{ReportType: reportTypeFromWire(binary.LittleEndian.Uint64(payload))}
	default:
		return nil, fmt.Errorf("%w: no payload mapping for %v", ErrUnsupportedCommand, cmd.CommandID)
	}
	return cmd, nil
}

// UnmarshalResponse decodes a response. b must hold exactly one response;
// use ResponseFrameLen to find its end inside a larger buffer.
func (c Codec) UnmarshalResponse(b []byte) (*GuestToHostResponse, error) {
	hdr, err := readResponseHeader(b)
	if err != nil {
		return nil, err
	}
	resp := &GuestToHostResponse{
		CommandID:   commandIDFromWire(hdr.CommandID),
		Result:      GuestOperationError(hdr.Result),
		StateBefore: tdiStateFromWire(hdr.StateBefore),
		StateAfter:  tdiStateFromWire(hdr.StateAfter),
	}
	if !c.revision().SupportsCommand(resp.CommandID) {
		return nil, fmt.Errorf("%w: %v in revision %d", ErrUnsupportedCommand, resp.CommandID, c.revision())
	}

	payload := b[ResponseHeaderSize:]
	want, err := responsePayloadLen(resp.CommandID, resp.Result, payload)
	if err != nil {
		return nil, err
	}
	if len(payload) != want {
		return nil, fmt.Errorf("%w: %v response payload is %d bytes, want %d", ErrPayloadMismatch, resp.CommandID, len(payload), want)
	}
	if want == 0 {
		return resp, nil
	}

	switch resp.CommandID {
	case CommandGetDeviceInterfaceInfo:
		resp.Payload = DeviceInterfaceInfo{
			InterfaceVersionMajor: binary.LittleEndian.Uint32(payload[0:4]),
			InterfaceVersionMinor: binary.LittleEndian.Uint32(payload[4:8]),
			SupportedFeatures:     binary.LittleEndian.Uint64(payload[8:16]),
			TDISPDeviceID:         binary.LittleEndian.Uint64(payload[16:24]),
		}
	case CommandGetTDIReport:
		resp.Payload = TDIReport{
			Type: reportTypeFromWire(binary.LittleEndian.Uint64(payload[0:8])),
			Data: append([]byte(nil), payload[reportHeaderPayloadSize:]...),
		}
	}
	return resp, nil
}

// ResponseFrameLen returns the encoded length of the response that starts at
// buf[0]. Trailing bytes in buf are ignored, which lets a response be read out
// of a larger shared page.
func ResponseFrameLen(buf []byte) (int, error) {
	hdr, err := readResponseHeader(buf)
	if err != nil {
		return 0, err
	}
	if hdr == (responseHeader{}) {
		return 0, ErrEmptyResponse
	}
	n, err := responsePayloadLen(commandIDFromWire(hdr.CommandID), GuestOperationError(hdr.Result), buf[ResponseHeaderSize:])
	if err != nil {
		return 0, err
	}
	if ResponseHeaderSize+n > len(buf) {
		return 0, fmt.Errorf("%w: response announces %d bytes, buffer holds %d", ErrTruncated, ResponseHeaderSize+n, len(buf))
	}
	return ResponseHeaderSize + n, nil
}

func readResponseHeader(b []byte) (responseHeader, error) {
	var hdr responseHeader
	if len(b) < ResponseHeaderSize {
		return hdr, fmt.Errorf("%w: response is %d bytes, header needs %d", ErrTruncated, len(b), ResponseHeaderSize)
	}
	if err := binary.Read(bytes.NewReader(b[:ResponseHeaderSize]), binary.LittleEndian, &hdr); err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return hdr, nil
}

// responsePayloadLen returns the payload length implied by the command id and
// result. Payloads are only present on success. For variable-length reports
// the length prefix is read from payload.
func responsePayloadLen(id CommandID, result GuestOperationError, payload []byte) (int, error) {
	if result != Success {
		return 0, nil
	}
	switch id {
	case CommandGetDeviceInterfaceInfo:
		return interfaceInfoPayloadSize, nil
	case CommandGetTDIReport:
		if len(payload) < reportHeaderPayloadSize {
			return 0, fmt.Errorf("%w: report header is %d bytes, want %d", ErrPayloadMismatch, len(payload), reportHeaderPayloadSize)
		}
		n := binary.LittleEndian.Uint64(payload[8:16])
		if n > MaxReportSize {
			return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrReportTooLarge, n, MaxReportSize)
		}
		return reportHeaderPayloadSize + int(n), nil
	}
	return 0, nil
}
