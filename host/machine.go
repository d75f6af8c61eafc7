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

package host

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/google/go-tdisp/tdisp"
)

// UnbindReasonKind classifies why a device was returned to Unlocked.
type UnbindReasonKind int

const (
	// ReasonGuestInitiated is a guest Unbind with a recognized reason.
	ReasonGuestInitiated UnbindReasonKind = iota
	// ReasonInvalidGuestUnbindReason is a guest Unbind whose reason was not
	// recognized. The unbind still happens.
	ReasonInvalidGuestUnbindReason
	// ReasonInvalidGuestTransitionToLocked is a Bind outside Unlocked.
	ReasonInvalidGuestTransitionToLocked
	// ReasonInvalidGuestTransitionToRun is a StartTdi outside Locked.
	ReasonInvalidGuestTransitionToRun
	// ReasonInvalidGuestGetAttestationReportState is a GetTdiReport outside
	// Locked and Run.
	ReasonInvalidGuestGetAttestationReportState
	// ReasonHostDeviceFault is a device fault reported by the host while the
	// Error state is not available.
	ReasonHostDeviceFault
	// ReasonHostReset is a host-side teardown.
	ReasonHostReset
)

var reasonNames = map[UnbindReasonKind]string{
	ReasonGuestInitiated:                        "GuestInitiated",
	ReasonInvalidGuestUnbindReason:              "InvalidGuestUnbindReason",
	ReasonInvalidGuestTransitionToLocked:        "InvalidGuestTransitionToLocked",
	ReasonInvalidGuestTransitionToRun:           "InvalidGuestTransitionToRun",
	ReasonInvalidGuestGetAttestationReportState: "InvalidGuestGetAttestationReportState",
	ReasonHostDeviceFault:                       "HostDeviceFault",
	ReasonHostReset:                             "HostReset",
}

func (k UnbindReasonKind) String() string {
	if s, ok := reasonNames[k]; ok {
		return s
	}
	return fmt.Sprintf("UnbindReasonKind(%d)", int(k))
}

// UnbindReason is one entry of a machine's unbind history.
type UnbindReason struct {
	Kind UnbindReasonKind
	// Guest is the reason the guest sent, for guest-initiated unbinds.
	Guest tdisp.GuestUnbindReason
	// Err is the device fault, for ReasonHostDeviceFault.
	Err error
}

func (r UnbindReason) String() string {
	switch r.Kind {
	case ReasonGuestInitiated, ReasonInvalidGuestUnbindReason:
		return fmt.Sprintf("%v(%v)", r.Kind, r.Guest)
	case ReasonHostDeviceFault:
		return fmt.Sprintf("%v(%v)", r.Kind, r.Err)
	}
	return r.Kind.String()
}

// Machine is the authoritative TDI lifecycle state machine for one assigned
// device. It is the only component that changes the TDI state, and it never
// leaves the device in a state an invalid request could not have produced:
// a request made from the wrong state forces the device back to Unlocked.
//
// Request methods return nil or a tdisp.GuestOperationError.
type Machine struct {
	dev        *SharedDevice
	errorState bool
	debugID    string

	mu      sync.Mutex
	state   tdisp.TDIState
	states  history[tdisp.TDIState]
	unbinds history[UnbindReason]
}

// NewMachine returns a machine in the Unlocked state. The Error state is
// modeled when rev supports it.
func NewMachine(dev *SharedDevice, rev tdisp.Revision, debugID string) *Machine {
	if rev == 0 {
		rev = tdisp.CurrentRevision
	}
	return &Machine{
		dev:        dev,
		errorState: rev.SupportsErrorState(),
		debugID:    debugID,
		state:      tdisp.StateUnlocked,
	}
}

// State returns the current TDI state.
func (m *Machine) State() tdisp.TDIState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateHistory returns up to the last 10 states the machine left, oldest
// first.
func (m *Machine) StateHistory() []tdisp.TDIState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states.entries()
}

// UnbindHistory returns up to the last 10 unbind reasons, oldest first.
func (m *Machine) UnbindHistory() []UnbindReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unbinds.entries()
}

// locked runs fn with the device handle held and then the machine state
// locked, in that order.
func (m *Machine) locked(fn func(dev DeviceInterface) error) error {
	return m.dev.Do(func(dev DeviceInterface) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return fn(dev)
	})
}

// transact runs fn under the machine lock and returns the states observed
// immediately before and after it.
func (m *Machine) transact(fn func(dev DeviceInterface) error) (before, after tdisp.TDIState, err error) {
	err = m.locked(func(dev DeviceInterface) error {
		before = m.state
		err := fn(dev)
		after = m.state
		return err
	})
	return before, after, err
}

// validTransition is the transition table. Every state has an edge to
// Unlocked.
func (m *Machine) validTransition(from, to tdisp.TDIState) bool {
	switch {
	case from == tdisp.StateUnlocked && to == tdisp.StateLocked,
		from == tdisp.StateLocked && to == tdisp.StateRun,
		from == tdisp.StateRun && to == tdisp.StateUnlocked,
		from == tdisp.StateLocked && to == tdisp.StateUnlocked,
		from == tdisp.StateUnlocked && to == tdisp.StateUnlocked:
		return true
	case m.errorState && from == tdisp.StateLocked && to == tdisp.StateError,
		m.errorState && from == tdisp.StateRun && to == tdisp.StateError,
		m.errorState && from == tdisp.StateError && to == tdisp.StateUnlocked:
		return true
	}
	return false
}

// transitionTo moves to next if the table allows it. Callers hold m.mu.
func (m *Machine) transitionTo(next tdisp.TDIState) error {
	if glog.V(2) {
		glog.Infof("[tdisp] [%s] request to transition %v -> %v", m.debugID, m.state, next)
	}
	if !m.validTransition(m.state, next) {
		glog.Warningf("[tdisp] [%s] invalid state transition %v -> %v", m.debugID, m.state, next)
		return fmt.Errorf("invalid state transition %v -> %v", m.state, next)
	}
	m.states.push(m.state)
	m.state = next
	if glog.V(1) {
		glog.Infof("[tdisp] [%s] transitioned to %v", m.debugID, m.state)
	}
	return nil
}

// unbindAll drives the machine to Unlocked whatever its state, records
// reason and unbinds the device. The in-memory state is Unlocked even when
// the device fails to unbind. Callers hold the lock.
func (m *Machine) unbindAll(dev DeviceInterface, reason UnbindReason) error {
	if glog.V(1) {
		glog.Infof("[tdisp] [%s] unbind from %v, reason %v", m.debugID, m.state, reason)
	}
	if err := m.transitionTo(tdisp.StateUnlocked); err != nil {
		// Every state has an edge to Unlocked, so the lifecycle is corrupt.
		glog.Fatalf("[tdisp] [%s] impossible state machine violation during unbind: %v", m.debugID, err)
	}
	m.unbinds.push(reason)
	if err := dev.Unbind(); err != nil {
		glog.Errorf("[tdisp] [%s] host failed to unbind TDI: %v", m.debugID, err)
		return fmt.Errorf("host failed to unbind TDI: %w", err)
	}
	return nil
}

// forceUnbind recovers from an invalid request. It returns code, or
// HostFailedToProcessCommand if the device could not be unbound.
func (m *Machine) forceUnbind(dev DeviceInterface, reason UnbindReason, code tdisp.GuestOperationError) error {
	if err := m.unbindAll(dev, reason); err != nil {
		return tdisp.HostFailedToProcessCommand
	}
	return code
}

// RequestLockDeviceResources binds the device and moves Unlocked -> Locked.
// From any other state the device is forcibly unbound and
// InvalidDeviceState is returned. If the device fails to bind, the state
// stays Unlocked and HostFailedToProcessCommand is returned.
func (m *Machine) RequestLockDeviceResources() error {
	return m.locked(m.lockDeviceResources)
}

func (m *Machine) lockDeviceResources(dev DeviceInterface) error {
	if m.state != tdisp.StateUnlocked {
		glog.Errorf("[tdisp] [%s] bind requested while device was %v", m.debugID, m.state)
		return m.forceUnbind(dev, UnbindReason{Kind: ReasonInvalidGuestTransitionToLocked}, tdisp.InvalidDeviceState)
	}
	if err := dev.Bind(); err != nil {
		glog.Errorf("[tdisp] [%s] failed to bind TDI: %v", m.debugID, err)
		return tdisp.HostFailedToProcessCommand
	}
	if err := m.transitionTo(tdisp.StateLocked); err != nil {
		glog.Fatalf("[tdisp] [%s] %v", m.debugID, err)
	}
	return nil
}

// RequestStartTDI starts the device and moves Locked -> Run. From any other
// state the device is forcibly unbound and InvalidDeviceState is returned.
// If the device fails to start, the state stays Locked and
// HostFailedToProcessCommand is returned.
func (m *Machine) RequestStartTDI() error {
	return m.locked(m.startTDI)
}

func (m *Machine) startTDI(dev DeviceInterface) error {
	if m.state != tdisp.StateLocked {
		glog.Errorf("[tdisp] [%s] start requested while device was %v", m.debugID, m.state)
		return m.forceUnbind(dev, UnbindReason{Kind: ReasonInvalidGuestTransitionToRun}, tdisp.InvalidDeviceState)
	}
	if err := dev.StartTDI(); err != nil {
		glog.Errorf("[tdisp] [%s] failed to start TDI: %v", m.debugID, err)
		return tdisp.HostFailedToProcessCommand
	}
	if err := m.transitionTo(tdisp.StateRun); err != nil {
		glog.Fatalf("[tdisp] [%s] %v", m.debugID, err)
	}
	return nil
}

// RequestAttestationReport fetches a report while Locked or Run. The report
// type is checked first: the invalid sentinel is rejected without touching
// state. A request from any other state forcibly unbinds the device.
func (m *Machine) RequestAttestationReport(rt tdisp.ReportType) ([]byte, error) {
	var report []byte
	err := m.locked(func(dev DeviceInterface) error {
		var err error
		report, err = m.attestationReport(dev, rt)
		return err
	})
	return report, err
}

func (m *Machine) attestationReport(dev DeviceInterface, rt tdisp.ReportType) ([]byte, error) {
	if rt == tdisp.ReportTypeInvalid {
		glog.Errorf("[tdisp] [%s] invalid attestation report type requested", m.debugID)
		return nil, tdisp.InvalidGuestAttestationReportType
	}
	if m.state != tdisp.StateLocked && m.state != tdisp.StateRun {
		glog.Errorf("[tdisp] [%s] attestation report requested while device was %v", m.debugID, m.state)
		return nil, m.forceUnbind(dev, UnbindReason{Kind: ReasonInvalidGuestGetAttestationReportState}, tdisp.InvalidGuestAttestationReportState)
	}
	report, err := dev.Report(rt)
	if err != nil {
		glog.Errorf("[tdisp] [%s] failed to fetch %v report: %v", m.debugID, rt, err)
		return nil, tdisp.HostFailedToProcessCommand
	}
	return report, nil
}

// RequestUnbind returns the device to Unlocked from any state. An
// unrecognized reason is recorded as such but never denies the unbind. If the
// device fails to unbind, HostFailedToProcessCommand is returned and the
// state is Unlocked regardless.
func (m *Machine) RequestUnbind(reason tdisp.GuestUnbindReason) error {
	return m.locked(func(dev DeviceInterface) error {
		return m.unbind(dev, reason)
	})
}

func (m *Machine) unbind(dev DeviceInterface, reason tdisp.GuestUnbindReason) error {
	r := UnbindReason{Kind: ReasonGuestInitiated, Guest: reason}
	if !reason.Valid() {
		glog.Errorf("[tdisp] [%s] invalid guest unbind reason %v requested", m.debugID, reason)
		r.Kind = ReasonInvalidGuestUnbindReason
	}
	if err := m.unbindAll(dev, r); err != nil {
		return tdisp.HostFailedToProcessCommand
	}
	return nil
}

// ReportDeviceFault records a fault of the physical device. When the Error
// state is modeled a Locked or Running device moves to Error and waits for
// the guest to unbind it; otherwise the device is unbound immediately. A
// device that is not bound is left alone.
func (m *Machine) ReportDeviceFault(fault error) error {
	return m.locked(func(dev DeviceInterface) error {
		glog.Errorf("[tdisp] [%s] device fault in %v: %v", m.debugID, m.state, fault)
		switch {
		case m.state == tdisp.StateUnlocked, m.state == tdisp.StateError:
			return nil
		case m.errorState:
			return m.transitionTo(tdisp.StateError)
		}
		return m.unbindAll(dev, UnbindReason{Kind: ReasonHostDeviceFault, Err: fault})
	})
}

// Reset unbinds the device for host-side teardown.
func (m *Machine) Reset() error {
	return m.locked(func(dev DeviceInterface) error {
		return m.unbindAll(dev, UnbindReason{Kind: ReasonHostReset})
	})
}
