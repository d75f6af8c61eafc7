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

// Package tdisp defines the guest-to-host command protocol used to bind,
// attest, start and unbind a trusted device interface (TDI) assigned to a
// confidential guest, together with its binary encoding.
//
// A packet is a fixed little-endian header followed by a payload whose shape
// is selected by the command id:
//
//	command:  response_gpa u64 | device_id u64 | command_id u64 | payload
//	response: command_id u64 | result u64 | state_before u64 | state_after u64 | payload
//
// The host side of the protocol lives in package host, the guest side in
// package guest, and the byte transports between them under transport/.
package tdisp
