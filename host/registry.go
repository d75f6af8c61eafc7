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
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-tdisp/tdisp"
)

var (
	// ErrUnknownDevice indicates a command for a device id with no emulator.
	ErrUnknownDevice = errors.New("no TDISP device registered with this id")
	// ErrDeviceRegistered indicates a second registration for a device id.
	ErrDeviceRegistered = errors.New("TDISP device already registered")
)

// Registry routes packets from one host endpoint to per-device emulators.
type Registry struct {
	mu      sync.RWMutex
	devices map[uint64]*Emulator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[uint64]*Emulator)}
}

// Register makes e answer commands addressed to deviceID.
func (r *Registry) Register(deviceID uint64, e *Emulator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[deviceID]; ok {
		return fmt.Errorf("%w: %#x", ErrDeviceRegistered, deviceID)
	}
	r.devices[deviceID] = e
	return nil
}

// Unregister removes deviceID and returns its emulator, if any.
func (r *Registry) Unregister(deviceID uint64) *Emulator {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.devices[deviceID]
	delete(r.devices, deviceID)
	return e
}

// Lookup returns the emulator registered for deviceID.
func (r *Registry) Lookup(deviceID uint64) (*Emulator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[deviceID]
	return e, ok
}

// HandlePacket routes a serialized command by its device id.
func (r *Registry) HandlePacket(b []byte) ([]byte, error) {
	hdr, err := tdisp.UnmarshalCommandHeader(b)
	if err != nil {
		return nil, err
	}
	e, ok := r.Lookup(hdr.DeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownDevice, hdr.DeviceID)
	}
	return e.HandlePacket(b)
}
