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

import (
	"fmt"
	"sync"

	"fmem.dev/fmem/pkg/log"
)

// InheritedHandle represents a backend connection received across a
// fork-like boundary. The backend's bookkeeping belongs to the originating
// process, so close is the only operation that is safe in the child; the
// restricted type makes every other operation unrepresentable. A child
// that wants to keep mapping must open a fresh Handle.
type InheritedHandle struct {
	logger log.Logger

	mu     sync.Mutex
	drv    Driver
	closed bool
}

// Inherit wraps a driver connection received from a parent process. A nil
// logger means the package-level log target.
func Inherit(drv Driver, logger log.Logger) *InheritedHandle {
	if logger == nil {
		logger = log.Log()
	}
	return &InheritedHandle{logger: logger, drv: drv}
}

// Close releases the inherited connection. Reclamation of the parent's
// mappings is best effort; anything the backend cannot attribute to this
// process remains allocated. Closing twice fails with ErrInvalidHandle.
func (h *InheritedHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: already closed", ErrInvalidHandle)
	}
	h.closed = true
	if err := h.drv.Close(); err != nil {
		h.logger.Warningf("foreignmem: closing inherited backend: %v", err)
		return fmt.Errorf("closing inherited backend: %w", err)
	}
	return nil
}
