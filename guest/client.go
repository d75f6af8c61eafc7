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

// Package guest implements the guest side of the TDISP protocol: it builds
// commands for one assigned device, sends them over a transport and checks
// the host's answers.
package guest

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/go-tdisp/tdisp"
	"github.com/google/go-tdisp/transport"
)

var (
	// ErrResponseMismatch indicates the host answered a different command
	// than the one sent.
	ErrResponseMismatch = errors.New("response does not match command")
	// ErrDeviceInErrorState indicates the host reports the device in the
	// Error state. Only an Unbind leaves it.
	ErrDeviceInErrorState = errors.New("device is in the TDISP error state")
	// ErrUnexpectedPayload indicates a successful response whose payload has
	// the wrong shape for its command.
	ErrUnexpectedPayload = errors.New("unexpected response payload")
)

// Client issues TDISP commands for one device.
type Client struct {
	t        transport.TDISP
	deviceID uint64
	codec    tdisp.Codec
}

// Option configures a Client.
type Option func(*Client)

// WithRevision makes the client encode and decode for rev.
func WithRevision(rev tdisp.Revision) Option {
	return func(c *Client) {
		c.codec.Revision = rev
	}
}

// NewClient returns a client that addresses deviceID over t.
func NewClient(t transport.TDISP, deviceID uint64, opts ...Option) *Client {
	c := &Client{t: t, deviceID: deviceID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID returns the device id stamped into every command.
func (c *Client) DeviceID() uint64 {
	return c.deviceID
}

// Execute sends cmd and returns the host's response. The device id, and the
// response address if the transport provides one, are filled in before
// sending. A response is returned together with ErrDeviceInErrorState when
// the device ends in the Error state. Non-success results are not errors
// here; see the typed helpers.
func (c *Client) Execute(cmd tdisp.GuestToHostCommand) (*tdisp.GuestToHostResponse, error) {
	cmd.DeviceID = c.deviceID
	if rt, ok := c.t.(transport.ResponseTargeter); ok {
		cmd.ResponseGPA = rt.ResponseGPA()
	}
	if glog.V(2) {
		glog.Infof("[tdisp] sending command: %v", &cmd)
	}

	rsp, err := c.t.Send(tdisp.MarshalCommand(&cmd))
	if err != nil {
		return nil, fmt.Errorf("sending %v: %w", cmd.CommandID, err)
	}
	resp, err := c.codec.UnmarshalResponse(rsp)
	if err != nil {
		return nil, fmt.Errorf("decoding %v response: %w", cmd.CommandID, err)
	}
	if resp.CommandID != cmd.CommandID {
		return nil, fmt.Errorf("%w: sent %v, host answered %v", ErrResponseMismatch, cmd.CommandID, resp.CommandID)
	}
	if glog.V(2) {
		glog.Infof("[tdisp] received response: %v", resp)
	}
	if resp.StateAfter == tdisp.StateError {
		glog.Warningf("[tdisp] device %#x is in the error state after %v", c.deviceID, cmd.CommandID)
		return resp, ErrDeviceInErrorState
	}
	return resp, nil
}

// run executes cmd and converts a non-success result into its error.
func (c *Client) run(cmd tdisp.GuestToHostCommand) (*tdisp.GuestToHostResponse, error) {
	resp, err := c.Execute(cmd)
	if err != nil {
		return resp, err
	}
	if resp.Result != tdisp.Success {
		glog.Errorf("[tdisp] %v for device %#x failed: %v (state %v -> %v)", cmd.CommandID, c.deviceID, resp.Result, resp.StateBefore, resp.StateAfter)
		return resp, resp.Result
	}
	return resp, nil
}

// GetDeviceInterfaceInfo asks the host for the interface version and
// capabilities of the device.
func (c *Client) GetDeviceInterfaceInfo() (*tdisp.DeviceInterfaceInfo, error) {
	resp, err := c.run(tdisp.GuestToHostCommand{CommandID: tdisp.CommandGetDeviceInterfaceInfo})
	if err != nil {
		return nil, err
	}
	info, ok := resp.Payload.(tdisp.DeviceInterfaceInfo)
	if !ok {
		return nil, fmt.Errorf("%w: %T for %v", ErrUnexpectedPayload, resp.Payload, resp.CommandID)
	}
	return &info, nil
}

// Bind asks the host to lock the device's resources (Unlocked -> Locked).
func (c *Client) Bind() (*tdisp.GuestToHostResponse, error) {
	return c.run(tdisp.GuestToHostCommand{CommandID: tdisp.CommandBind})
}

// GetTDIReport fetches an attestation report of type rt.
func (c *Client) GetTDIReport(rt tdisp.ReportType) ([]byte, error) {
	resp, err := c.run(tdisp.GuestToHostCommand{
		CommandID: tdisp.CommandGetTDIReport,
		Payload:   tdisp.TDIReportRequest{ReportType: rt},
	})
	if err != nil {
		return nil, err
	}
	report, ok := resp.Payload.(tdisp.TDIReport)
	if !ok {
		return nil, fmt.Errorf("%w: %T for %v", ErrUnexpectedPayload, resp.Payload, resp.CommandID)
	}
	if report.Type != rt {
		return nil, fmt.Errorf("%w: asked for %v report, got %v", ErrResponseMismatch, rt, report.Type)
	}
	return report.Data, nil
}

// StartTDI asks the host to move the device into Run.
func (c *Client) StartTDI() (*tdisp.GuestToHostResponse, error) {
	return c.run(tdisp.GuestToHostCommand{CommandID: tdisp.CommandStartTDI})
}

// Unbind returns the device to Unlocked. The host accepts it from any state.
func (c *Client) Unbind(reason tdisp.GuestUnbindReason) (*tdisp.GuestToHostResponse, error) {
	return c.run(tdisp.GuestToHostCommand{
		CommandID: tdisp.CommandUnbind,
		Payload:   tdisp.UnbindRequest{Reason: reason},
	})
}
