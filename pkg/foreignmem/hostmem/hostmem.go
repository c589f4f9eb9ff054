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

// Package hostmem implements a foreignmem.Driver backed by host memory.
//
// Each registered domain owns an anonymous memory file whose pages stand
// in for the domain's page frames. Mapping a frame maps the corresponding
// page of that file into a PROT_NONE arena reservation, so unmapped and
// failed offsets fault instead of aliasing stale data. The driver needs no
// privileges, which makes it the backend for tests and for fmemtool runs
// on machines without the device; it also provides failure injection so
// per-page error paths can be exercised deterministically.
package hostmem

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"fmem.dev/fmem/pkg/cleanup"
	"fmem.dev/fmem/pkg/fd"
	"fmem.dev/fmem/pkg/foreignmem"
	"fmem.dev/fmem/pkg/hostarch"
	"fmem.dev/fmem/pkg/log"
	"fmem.dev/fmem/pkg/memutil"
	"golang.org/x/sys/unix"
)

// arenaSize is the size of the PROT_NONE reservation that mappings are
// carved from. Allocation is a bump pointer; addresses are not reused
// within one driver's lifetime.
const arenaSize = 1 << 28 // 256 MB

type domain struct {
	// file backs the domain's frames: frame n is page n of the file.
	file     *fd.FD
	nrFrames uint64

	// denied maps frames to the errno injected for them.
	denied map[foreignmem.Frame]unix.Errno

	// maxProt is the widest access the domain's permissions allow.
	maxProt hostarch.AccessType
}

type resource struct {
	// frames are domain frame numbers, in resource layout order.
	frames []foreignmem.Frame
}

// Driver implements foreignmem.Driver on host memory.
type Driver struct {
	// faultLogger is rate limited; mapping failures can come in bursts.
	faultLogger log.Logger

	mu sync.Mutex

	arena uintptr
	next  uintptr

	// fixed records in-arena ranges claimed with MapFixed, keyed by start
	// offset from the arena base with the end offset as value. The bump
	// allocator steps over them so a later allocation cannot clobber a
	// live fixed mapping.
	fixed map[uintptr]uintptr

	closed       bool
	restricted   bool
	restrictedTo foreignmem.DomID

	domains   map[foreignmem.DomID]*domain
	resources map[foreignmem.ResourceKey]*resource
}

var _ foreignmem.Driver = (*Driver)(nil)

// New creates a Driver with an empty domain table. A nil logger means the
// package-level log target.
func New(logger log.Logger) (*Driver, error) {
	if logger == nil {
		logger = log.Log()
	}
	arena, err := memutil.MapFile(0, arenaSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("reserving arena: %w", err)
	}
	return &Driver{
		faultLogger: log.RateLimitedLogger(logger, time.Second),
		arena:       arena,
		fixed:       make(map[uintptr]uintptr),
		domains:     make(map[foreignmem.DomID]*domain),
		resources:   make(map[foreignmem.ResourceKey]*resource),
	}, nil
}

// AddDomain registers dom with nrFrames frames of backing memory. The
// first 8 bytes of each frame are stamped with the frame number, so tests
// can verify which frame a mapped page came from.
func (d *Driver) AddDomain(dom foreignmem.DomID, nrFrames uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.domains[dom]; ok {
		return fmt.Errorf("domain %d already registered", dom)
	}
	mfd, err := unix.MemfdCreate(fmt.Sprintf("hostmem-dom%d", dom), unix.MFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("creating backing file for domain %d: %w", dom, err)
	}
	file := fd.New(mfd)
	cu := cleanup.Make(func() { file.Close() })
	defer cu.Clean()
	if err := unix.Ftruncate(file.FD(), int64(nrFrames)*hostarch.PageSize); err != nil {
		return fmt.Errorf("sizing backing file for domain %d: %w", dom, err)
	}
	var stamp [8]byte
	for frame := uint64(0); frame < nrFrames; frame++ {
		binary.LittleEndian.PutUint64(stamp[:], frame)
		if _, err := unix.Pwrite(file.FD(), stamp[:], int64(frame)*hostarch.PageSize); err != nil {
			return fmt.Errorf("stamping frame %d of domain %d: %w", frame, dom, err)
		}
	}
	cu.Release()
	d.domains[dom] = &domain{
		file:     file,
		nrFrames: nrFrames,
		denied:   make(map[foreignmem.Frame]unix.Errno),
		maxProt:  hostarch.AnyAccess,
	}
	return nil
}

// DenyFrame injects errno for every future mapping attempt of frame in
// dom. errno 0 removes the injection.
func (d *Driver) DenyFrame(dom foreignmem.DomID, frame foreignmem.Frame, errno unix.Errno) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dm, ok := d.domains[dom]
	if !ok {
		return fmt.Errorf("domain %d is not registered", dom)
	}
	if errno == 0 {
		delete(dm.denied, frame)
	} else {
		dm.denied[frame] = errno
	}
	return nil
}

// SetMaxProt narrows the widest access dom's permissions allow. Mapping
// with a wider access fails per page with EACCES.
func (d *Driver) SetMaxProt(dom foreignmem.DomID, at hostarch.AccessType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dm, ok := d.domains[dom]
	if !ok {
		return fmt.Errorf("domain %d is not registered", dom)
	}
	dm.maxProt = at
	return nil
}

// AddResource registers a named resource laid out over the given frames of
// dom. Its size is len(frames) pages.
func (d *Driver) AddResource(dom foreignmem.DomID, typ foreignmem.ResourceType, id uint32, frames []foreignmem.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dm, ok := d.domains[dom]
	if !ok {
		return fmt.Errorf("domain %d is not registered", dom)
	}
	for _, f := range frames {
		if uint64(f) >= dm.nrFrames {
			return fmt.Errorf("frame %d beyond domain %d (%d frames)", f, dom, dm.nrFrames)
		}
	}
	key := foreignmem.ResourceKey{Dom: dom, Type: typ, ID: id}
	if _, ok := d.resources[key]; ok {
		return fmt.Errorf("resource %v already registered", key)
	}
	d.resources[key] = &resource{frames: append([]foreignmem.Frame(nil), frames...)}
	return nil
}

// MapPages implements foreignmem.Driver.MapPages.
func (d *Driver) MapPages(dom foreignmem.DomID, addr uintptr, prot int, flags foreignmem.MapFlag, frames []foreignmem.Frame, status []unix.Errno) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, unix.EBADF
	}
	if d.restricted && dom != d.restrictedTo {
		return 0, unix.EPERM
	}
	dm, ok := d.domains[dom]
	if !ok {
		return 0, unix.ESRCH
	}
	length := uintptr(len(frames)) * hostarch.PageSize
	base, sysFlags, err := d.place(addr, length, flags)
	if err != nil {
		return 0, err
	}

	protErr := unix.Errno(0)
	if dm.maxProt.Prot()&prot != prot {
		protErr = unix.EACCES
	}
	for i, frame := range frames {
		switch {
		case protErr != 0:
			status[i] = protErr
		case uint64(frame) >= dm.nrFrames:
			status[i] = unix.EINVAL
		case dm.denied[frame] != 0:
			status[i] = dm.denied[frame]
		default:
			pageAddr := base + uintptr(i)*hostarch.PageSize
			if _, err := memutil.MapFile(pageAddr, hostarch.PageSize, uintptr(prot), uintptr(sysFlags|unix.MAP_SHARED|unix.MAP_FIXED), uintptr(dm.file.FD()), uintptr(frame)*hostarch.PageSize); err != nil {
				status[i] = err.(unix.Errno)
			}
		}
		if status[i] != 0 {
			d.faultLogger.Debugf("hostmem: domain %d frame %d: %v", dom, frame, status[i])
		}
	}
	return base, nil
}

// UnmapPages implements foreignmem.Driver.UnmapPages.
func (d *Driver) UnmapPages(addr uintptr, pages int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return unix.EBADF
	}
	return d.unmapRange(addr, uintptr(pages)*hostarch.PageSize)
}

// Restrict implements foreignmem.Driver.Restrict. Domain validity is not
// checked; a Handle may be restricted to a domain that does not exist yet.
func (d *Driver) Restrict(dom foreignmem.DomID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return unix.EBADF
	}
	if d.restricted && dom != d.restrictedTo {
		return unix.EPERM
	}
	d.restricted = true
	d.restrictedTo = dom
	return nil
}

// ResourceSize implements foreignmem.Driver.ResourceSize.
func (d *Driver) ResourceSize(dom foreignmem.DomID, typ foreignmem.ResourceType, id uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, unix.EBADF
	}
	if d.restricted && dom != d.restrictedTo {
		return 0, unix.EPERM
	}
	res, ok := d.resources[foreignmem.ResourceKey{Dom: dom, Type: typ, ID: id}]
	if !ok {
		return 0, unix.ENOENT
	}
	return uint64(len(res.frames)) * hostarch.PageSize, nil
}

// MapResource implements foreignmem.Driver.MapResource. The whole frame
// range maps or the call fails and unwinds; there is no partial mode.
func (d *Driver) MapResource(dom foreignmem.DomID, typ foreignmem.ResourceType, id uint32, frame, nrFrames uint64, addr uintptr, prot int, flags foreignmem.MapFlag) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, unix.EBADF
	}
	if d.restricted && dom != d.restrictedTo {
		return 0, unix.EPERM
	}
	dm, ok := d.domains[dom]
	if !ok {
		return 0, unix.ESRCH
	}
	res, ok := d.resources[foreignmem.ResourceKey{Dom: dom, Type: typ, ID: id}]
	if !ok {
		return 0, unix.ENOENT
	}
	if frame+nrFrames > uint64(len(res.frames)) {
		return 0, unix.EINVAL
	}
	if dm.maxProt.Prot()&prot != prot {
		return 0, unix.EACCES
	}
	for _, f := range res.frames[frame : frame+nrFrames] {
		if e := dm.denied[f]; e != 0 {
			return 0, e
		}
	}
	length := uintptr(nrFrames) * hostarch.PageSize
	base, sysFlags, err := d.place(addr, length, flags)
	if err != nil {
		return 0, err
	}
	for i, f := range res.frames[frame : frame+nrFrames] {
		pageAddr := base + uintptr(i)*hostarch.PageSize
		if _, err := memutil.MapFile(pageAddr, hostarch.PageSize, uintptr(prot), uintptr(sysFlags|unix.MAP_SHARED|unix.MAP_FIXED), uintptr(dm.file.FD()), uintptr(f)*hostarch.PageSize); err != nil {
			d.unmapRange(base, length)
			return 0, err.(unix.Errno)
		}
	}
	return base, nil
}

// UnmapResource implements foreignmem.Driver.UnmapResource.
func (d *Driver) UnmapResource(addr uintptr, nrFrames uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return unix.EBADF
	}
	return d.unmapRange(addr, uintptr(nrFrames)*hostarch.PageSize)
}

// Close implements foreignmem.Driver.Close. Live mappings survive: the
// backing files stay referenced by the VMAs until they are unmapped, even
// though the descriptors close here. The arena reservation is left in
// place for them.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return unix.EBADF
	}
	d.closed = true
	for _, dm := range d.domains {
		dm.file.Close()
	}
	return nil
}

// place picks the base address for a mapping of the given length and
// returns any extra mmap flags to apply per page. Must be called with mu
// held.
func (d *Driver) place(addr, length uintptr, flags foreignmem.MapFlag) (uintptr, int, error) {
	if flags&foreignmem.MapLocked != 0 {
		// Locking pages of another domain is meaningless here.
		return 0, 0, unix.EOPNOTSUPP
	}
	if flags&^(foreignmem.MapFixed|foreignmem.MapPopulate) != 0 {
		return 0, 0, unix.EOPNOTSUPP
	}
	sysFlags := 0
	if flags&foreignmem.MapPopulate != 0 {
		sysFlags |= unix.MAP_POPULATE
	}

	if flags&foreignmem.MapFixed != 0 {
		if d.inArena(addr, length) {
			off := addr - d.arena
			if d.overlapsFixed(off, length) {
				return 0, 0, unix.EEXIST
			}
			d.fixed[off] = off + length
			return addr, sysFlags, nil
		}
		// Outside the arena: reserve first, refusing to clobber anything
		// already mapped there.
		if _, err := memutil.MapFile(addr, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED_NOREPLACE, 0, 0); err != nil {
			return 0, 0, err.(unix.Errno)
		}
		return addr, sysFlags, nil
	}
	// A non-fixed hint is honored when it names free arena space;
	// otherwise it is only a hint and allocation proceeds normally.
	if addr != 0 && d.inArena(addr, length) && addr >= d.arena+d.next && !d.overlapsFixed(addr-d.arena, length) {
		d.next = (addr + length) - d.arena
		return addr, sysFlags, nil
	}
	off := d.next
	for {
		end, overlap := d.fixedOverlap(off, length)
		if !overlap {
			break
		}
		off = end
	}
	if off+length > arenaSize {
		return 0, 0, unix.ENOMEM
	}
	d.next = off + length
	return d.arena + off, sysFlags, nil
}

// fixedOverlap returns the end offset of a fixed range overlapping
// [off, off+length). Must be called with mu held.
func (d *Driver) fixedOverlap(off, length uintptr) (uintptr, bool) {
	for s, e := range d.fixed {
		if s < off+length && off < e {
			return e, true
		}
	}
	return 0, false
}

// overlapsFixed must be called with mu held.
func (d *Driver) overlapsFixed(off, length uintptr) bool {
	_, overlap := d.fixedOverlap(off, length)
	return overlap
}

func (d *Driver) inArena(addr, length uintptr) bool {
	return addr >= d.arena && addr+length <= d.arena+arenaSize
}

// unmapRange returns arena ranges to the PROT_NONE reservation so stale
// offsets fault; ranges outside the arena are truly unmapped. Must be
// called with mu held.
func (d *Driver) unmapRange(addr, length uintptr) error {
	if d.inArena(addr, length) {
		_, err := memutil.MapFile(addr, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED, 0, 0)
		return err
	}
	return memutil.Unmap(addr, length)
}
