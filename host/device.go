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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/go-tdisp/tdisp"
)

// DeviceInterface performs the side-effecting device operations the state
// machine gates. Implementations back either an emulated in-process device
// or a real assigned device.
type DeviceInterface interface {
	// Bind commits the device resources to the partition.
	Bind() error
	// StartTDI makes an attested device functional.
	StartTDI() error
	// Unbind returns the device to its reset state.
	Unbind() error
	// Report fetches the attestation report of the given type.
	Report(tdisp.ReportType) ([]byte, error)
}

// SharedDevice is a lock-guarded handle to a DeviceInterface. A state machine
// holds the lock for the whole of each operation, so at most one command per
// device is in flight; other callers block.
type SharedDevice struct {
	mu  sync.Mutex
	dev DeviceInterface
}

// NewSharedDevice wraps dev for use by one or more state machines.
func NewSharedDevice(dev DeviceInterface) *SharedDevice {
	return &SharedDevice{dev: dev}
}

// Do runs fn with exclusive access to the device.
func (d *SharedDevice) Do(fn func(DeviceInterface) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.dev)
}

// EmulatedDevice is an in-process DeviceInterface for synthetic devices.
// The Fail* fields inject failures; the counters record successful calls.
type EmulatedDevice struct {
	mu sync.Mutex

	deviceID uint64
	reports  map[tdisp.ReportType][]byte

	FailBind   error
	FailStart  error
	FailUnbind error
	FailReport error

	Binds   int
	Starts  int
	Unbinds int
}

// NewEmulatedDevice returns an emulated device with deterministic reports
// derived from deviceID.
func NewEmulatedDevice(deviceID uint64) *EmulatedDevice {
	iface := binary.LittleEndian.AppendUint64([]byte("TDIREPORT"), deviceID)
	digest := sha256.Sum256(iface)
	return &EmulatedDevice{
		deviceID: deviceID,
		reports: map[tdisp.ReportType][]byte{
			tdisp.ReportTypeInterface:        iface,
			tdisp.ReportTypeCertificateChain: []byte(fmt.Sprintf("emulated certificate chain for device %#x", deviceID)),
			tdisp.ReportTypeMeasurements:     digest[:],
		},
	}
}

// SetReport replaces the report returned for rt.
func (d *EmulatedDevice) SetReport(rt tdisp.ReportType, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reports[rt] = data
}

func (d *EmulatedDevice) Bind() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailBind != nil {
		return d.FailBind
	}
	d.Binds++
	return nil
}

func (d *EmulatedDevice) StartTDI() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailStart != nil {
		return d.FailStart
	}
	d.Starts++
	return nil
}

func (d *EmulatedDevice) Unbind() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailUnbind != nil {
		return d.FailUnbind
	}
	d.Unbinds++
	return nil
}

func (d *EmulatedDevice) Report(rt tdisp.ReportType) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailReport != nil {
		return nil, d.FailReport
	}
	r, ok := d.reports[rt]
	if !ok {
		return nil, fmt.Errorf("emulated device %#x has no %v report", d.deviceID, rt)
	}
	return append([]byte(nil), r...), nil
}
