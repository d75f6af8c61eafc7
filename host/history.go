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

// historyLen is how many past states and unbind reasons a machine keeps.
const historyLen = 10

// history is a bounded ring that drops its oldest entry when full.
type history[T any] struct {
	buf   [historyLen]T
	start int
	n     int
}

func (h *history[T]) push(v T) {
	if h.n < historyLen {
		h.buf[(h.start+h.n)%historyLen] = v
		h.n++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % historyLen
}

// entries returns the recorded values, oldest first.
func (h *history[T]) entries() []T {
	out := make([]T, 0, h.n)
	for i := 0; i < h.n; i++ {
		out = append(out, h.buf[(h.start+i)%historyLen])
	}
	return out
}
