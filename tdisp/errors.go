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

import "errors"

// Decode errors. They are returned wrapped with detail and should be matched
// with errors.Is.
var (
	// ErrTruncated indicates the buffer is shorter than the fixed header, or
	// shorter than the length its header announces.
	ErrTruncated = errors.New("tdisp: truncated packet")
	// ErrPayloadMismatch indicates the payload cannot be parsed into the shape
	// implied by the command id.
	ErrPayloadMismatch = errors.New("tdisp: payload does not match command")
	// ErrUnsupportedCommand indicates the command id is known but has no
	// payload mapping in the codec's protocol revision.
	ErrUnsupportedCommand = errors.New("tdisp: command not supported by protocol revision")
	// ErrReportTooLarge indicates a report that cannot fit in a response page.
	ErrReportTooLarge = errors.New("tdisp: attestation report exceeds response page")
	// ErrEmptyResponse indicates a response buffer the host never wrote to.
	ErrEmptyResponse = errors.New("tdisp: empty response")
)
