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

// Package hostarch contains host arch page constants and the AccessType
// used to express mapping protections.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask for the page offset bits.
	PageMask = PageSize - 1
)

// PageRoundDown returns the address rounded down to the nearest page
// boundary.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ PageMask
}

// PageRoundUp returns the address rounded up to the nearest page boundary.
// ok is false iff rounding up overflows.
func PageRoundUp(addr uintptr) (uintptr, bool) {
	up := addr + PageMask
	if up < addr {
		return 0, false
	}
	return up &^ uintptr(PageMask), true
}

// IsPageAligned returns true iff addr is a multiple of the page size.
func IsPageAligned(addr uintptr) bool {
	return addr&PageMask == 0
}
