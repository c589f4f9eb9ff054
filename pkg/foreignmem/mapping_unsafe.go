// Copyright 2024 The Fmem Authors.
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

package foreignmem

import "unsafe"

// Slice returns the whole mapped range as a byte slice. For mappings
// created in per-page mode, bytes of pages that failed to map must not be
// touched; consult PageStatus (or use Page) first. The slice is invalid
// after the Mapping is unmapped.
func (m *Mapping) Slice() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m.addr)), m.Len())
}

// Slice returns the whole mapped resource as a byte slice. The slice is
// invalid after the Resource is unmapped.
func (r *Resource) Slice() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.addr)), int(r.size))
}
