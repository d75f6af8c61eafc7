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

package vtlguard

import (
	"encoding/binary"
	"fmt"

	"github.com/google/go-tdisp/transport/hypercall"
)

const (
	partitionIDSelf = ^uint64(0)
	// inputVTL0 targets VTL 0 with the use-target-vtl bit set.
	inputVTL0 = 0x10
)

// HypercallProtector changes VTL permissions with HvCallModifyVtlProtectionMask.
type HypercallProtector struct {
	caller hypercall.Caller
}

// NewHypercallProtector returns a Protector over c. Only the protection-mask
// hypercall is issued through it.
func NewHypercallProtector(c hypercall.Caller) *HypercallProtector {
	return &HypercallProtector{caller: hypercall.Restrict(c, hypercall.CodeModifyVtlProtectionMask)}
}

// ModifyVTLPageSetting implements the Protector interface.
func (p *HypercallProtector) ModifyVTLPageSetting(pfn uint64, perms Permissions) error {
	input := make([]byte, 0, 24)
	input = binary.LittleEndian.AppendUint64(input, partitionIDSelf)
	input = binary.LittleEndian.AppendUint32(input, uint32(perms))
	input = append(input, inputVTL0, 0, 0, 0)
	input = binary.LittleEndian.AppendUint64(input, pfn)

	control := hypercall.NewControl(hypercall.CodeModifyVtlProtectionMask).WithRepCount(1)
	status, err := p.caller.Call(control, input, nil)
	if err != nil {
		return fmt.Errorf("%v on page %#x: %w", hypercall.CodeModifyVtlProtectionMask, pfn, err)
	}
	if status != hypercall.StatusSuccess {
		return fmt.Errorf("%v on page %#x: %w", hypercall.CodeModifyVtlProtectionMask, pfn, status)
	}
	return nil
}
