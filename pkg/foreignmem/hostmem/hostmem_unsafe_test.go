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

package hostmem

import (
	"unsafe"

	"fmem.dev/fmem/pkg/hostarch"
)

// pagePtr returns a pointer to the first byte of page i of the mapping at
// addr.
func pagePtr(addr uintptr, i int) unsafe.Pointer {
	return unsafe.Pointer(addr + uintptr(i)*hostarch.PageSize)
}
